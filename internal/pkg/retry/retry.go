package retry

import (
	"fmt"
	"time"

	"github.com/ecodeclub/ekit/retry"
)

// Config 重试策略配置，落库成JSON
type Config struct {
	Type               string                    `json:"type"` // fixed / exponential
	FixedInterval      *FixedIntervalConfig      `json:"fixedInterval,omitempty"`
	ExponentialBackoff *ExponentialBackoffConfig `json:"exponentialBackoff,omitempty"`
}

type ExponentialBackoffConfig struct {
	// 初始重试间隔 单位ms
	InitialInterval int `json:"initialInterval"`
	// 最大重试间隔 单位ms
	MaxInterval int `json:"maxInterval"`
	// 最大重试次数
	MaxRetries int32 `json:"maxRetries"`
}

type FixedIntervalConfig struct {
	MaxRetries int32 `json:"maxRetries"`
	Interval   int   `json:"interval"`
}

// MaxRetries 配置允许的最大重试次数
func (c Config) MaxRetries() int32 {
	switch c.Type {
	case "fixed":
		if c.FixedInterval != nil {
			return c.FixedInterval.MaxRetries
		}
	case "exponential":
		if c.ExponentialBackoff != nil {
			return c.ExponentialBackoff.MaxRetries
		}
	}
	return 0
}

// NewRetry 根据 config 中的字段构建 ekit 重试策略
func NewRetry(cfg Config) (retry.Strategy, error) {
	switch cfg.Type {
	case "fixed":
		return retry.NewFixedIntervalRetryStrategy(msToDuration(cfg.FixedInterval.Interval), cfg.FixedInterval.MaxRetries)
	case "exponential":
		return retry.NewExponentialBackoffRetryStrategy(msToDuration(cfg.ExponentialBackoff.InitialInterval), msToDuration(cfg.ExponentialBackoff.MaxInterval), cfg.ExponentialBackoff.MaxRetries)
	default:
		return nil, fmt.Errorf("unknown retry type: %s", cfg.Type)
	}
}

// IntervalForAttempt 第 attempt 次失败后的退避间隔（attempt 从0开始）
// 执行记录跨进程重启，所以每次都重建策略并推进到对应次数
func IntervalForAttempt(cfg Config, attempt int32) (time.Duration, error) {
	strategy, err := NewRetry(cfg)
	if err != nil {
		return 0, err
	}
	var interval time.Duration
	for i := int32(0); i <= attempt; i++ {
		next, ok := strategy.Next()
		if !ok {
			return 0, fmt.Errorf("重试次数已达上限: %d", attempt)
		}
		interval = next
	}
	return interval, nil
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
