package domain

import (
	"fmt"

	"gitee.com/flycash/sequence-platform/internal/errs"
)

// ChannelAdapter 渠道适配器：绑定供应商和凭证的投递配置
type ChannelAdapter struct {
	ID       int64
	Name     string
	Channel  Channel
	Provider string // 供应商代号，如 "aliyun"、"sendgrid"
	// Credentials 解密后的凭证映射，由凭证存储在读取时填充，永不落库、不打日志
	Credentials map[string]string
	Config      map[string]string
	Weight      int // 加权轮换时的权重
	IsDefault   bool
	Enabled     bool
	Ctime       int64
	Utime       int64
}

func (a *ChannelAdapter) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: Name = %q", errs.ErrInvalidParameter, a.Name)
	}
	if !a.Channel.IsValid() {
		return fmt.Errorf("%w: %s", errs.ErrUnknownChannel, a.Channel)
	}
	if a.Provider == "" {
		return fmt.Errorf("%w: Provider = %q", errs.ErrInvalidParameter, a.Provider)
	}
	if a.Weight < 0 {
		return fmt.Errorf("%w: Weight = %d", errs.ErrInvalidParameter, a.Weight)
	}
	return nil
}

// RotationStrategy 轮换策略类型
type RotationStrategy string

const (
	RotationWeighted   RotationStrategy = "WEIGHTED"    // 加权随机
	RotationRoundRobin RotationStrategy = "ROUND_ROBIN" // 依游标顺序轮询
)

// RotationPolicy 渠道内多适配器轮换策略
type RotationPolicy struct {
	ID         int64
	Name       string
	Channel    Channel
	Strategy   RotationStrategy
	AdapterIDs []int64
	// Cursor 轮询游标，ROUND_ROBIN 下每次选取后推进
	Cursor int64
}

func (p *RotationPolicy) Validate() error {
	if len(p.AdapterIDs) == 0 {
		return fmt.Errorf("%w: 轮换策略候选适配器为空", errs.ErrInvalidParameter)
	}
	if p.Strategy != RotationWeighted && p.Strategy != RotationRoundRobin {
		return fmt.Errorf("%w: 未知轮换策略 %q", errs.ErrInvalidParameter, p.Strategy)
	}
	return nil
}

// DeliveryReceipt 投递成功回执
type DeliveryReceipt struct {
	AdapterID  int64
	Provider   string
	MessageID  string // 供应商侧消息标识
	RawPayload string // 实际发出的载荷，用于审计
	Response   string // 供应商响应摘要
}
