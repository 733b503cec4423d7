package channel

import (
	"context"
	"fmt"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/errs"

	"github.com/gofrs/uuid"
	"github.com/gotomicro/ego/core/elog"
)

// ConsoleChannel 开发调试用渠道：投递即打日志，不触达真实供应商
// 凭证不参与输出
type ConsoleChannel struct {
	logger *elog.Component
}

func NewConsoleChannel() *ConsoleChannel {
	return &ConsoleChannel{logger: elog.DefaultLogger}
}

func (c *ConsoleChannel) Deliver(_ context.Context, adapter domain.ChannelAdapter, msg Message) (domain.DeliveryReceipt, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("%w: 生成消息ID失败: %s", errs.ErrDeliveryTransient, err)
	}
	c.logger.Info("console投递",
		elog.Int64("adapterID", adapter.ID),
		elog.String("provider", adapter.Provider),
		elog.String("recipient", msg.Recipient),
		elog.String("subject", msg.Subject),
		elog.String("payload", msg.Payload))
	return domain.DeliveryReceipt{
		AdapterID:  adapter.ID,
		Provider:   adapter.Provider,
		MessageID:  id.String(),
		RawPayload: msg.Payload,
		Response:   "console: ok",
	}, nil
}
