package channel

import (
	"context"
	"fmt"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/errs"
)

// Message 一次投递的最终产物，载荷已完成模板渲染
type Message struct {
	Recipient string
	Subject   string
	Payload   string
	// Metadata 步骤配置透传给渠道实现，如邮件的 fromName
	Metadata map[string]string
}

// Channel 渠道投递能力。实现方用 errs.ErrDeliveryTransient /
// errs.ErrDeliveryPermanent 区分可重试和不可重试的失败
//
//go:generate mockgen -source=./channel.go -destination=./mocks/channel.mock.go -package=channelmocks -typed Channel
type Channel interface {
	Deliver(ctx context.Context, adapter domain.ChannelAdapter, msg Message) (domain.DeliveryReceipt, error)
}

// Dispatcher 按渠道类型分发到对应的Channel实现
type Dispatcher struct {
	channels map[domain.Channel]Channel
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{channels: make(map[domain.Channel]Channel)}
}

func (d *Dispatcher) Register(ch domain.Channel, impl Channel) {
	d.channels[ch] = impl
}

func (d *Dispatcher) Dispatch(ctx context.Context, ch domain.Channel, adapter domain.ChannelAdapter, msg Message) (domain.DeliveryReceipt, error) {
	impl, ok := d.channels[ch]
	if !ok {
		return domain.DeliveryReceipt{}, fmt.Errorf("%w: %s", errs.ErrUnknownChannel, ch)
	}
	if msg.Recipient == "" {
		return domain.DeliveryReceipt{}, fmt.Errorf("%w: 收件人为空", errs.ErrDeliveryPermanent)
	}
	return impl.Deliver(ctx, adapter, msg)
}
