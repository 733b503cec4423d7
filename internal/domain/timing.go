package domain

import (
	"fmt"
	"time"

	"gitee.com/flycash/sequence-platform/internal/errs"
)

// TimingType 步骤调度规则类型
type TimingType string

const (
	TimingImmediate TimingType = "IMMEDIATE"
	TimingDelay     TimingType = "DELAY"
	TimingCron      TimingType = "CRON"
	TimingEvent     TimingType = "EVENT"
)

func (t TimingType) String() string {
	return string(t)
}

// DelayUnit 延迟单位
type DelayUnit string

const (
	DelayUnitMinute DelayUnit = "minute"
	DelayUnitHour   DelayUnit = "hour"
	DelayUnitDay    DelayUnit = "day"
	DelayUnitWeek   DelayUnit = "week"
)

// Duration 将单位换算成 time.Duration
func (u DelayUnit) Duration() (time.Duration, bool) {
	switch u {
	case DelayUnitMinute:
		return time.Minute, true
	case DelayUnitHour:
		return time.Hour, true
	case DelayUnitDay:
		return 24 * time.Hour, true
	case DelayUnitWeek:
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// TimingSpec 声明式调度规则。定义期校验一次，运行期解析不应失败
type TimingSpec struct {
	Type TimingType `json:"type"`

	// DELAY
	DelayAmount int64     `json:"delayAmount,omitempty"`
	DelayUnit   DelayUnit `json:"delayUnit,omitempty"`

	// CRON：已归一化的标准表达式；Timezone 默认 UTC
	CronExpr string `json:"cronExpr,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// EVENT
	EventName   string            `json:"eventName,omitempty"`
	EventFilter map[string]string `json:"eventFilter,omitempty"`
}

// Delay 返回 DELAY 规则对应的时长
func (s TimingSpec) Delay() (time.Duration, error) {
	if s.DelayAmount <= 0 {
		return 0, fmt.Errorf("%w: 延迟数值必须是正整数, 得到 %d", errs.ErrInvalidTimingSpec, s.DelayAmount)
	}
	unit, ok := s.DelayUnit.Duration()
	if !ok {
		return 0, fmt.Errorf("%w: 未知的延迟单位 %q", errs.ErrInvalidTimingSpec, s.DelayUnit)
	}
	return time.Duration(s.DelayAmount) * unit, nil
}
