package idgen

import (
	"time"

	"github.com/sony/sonyflake"
)

// Generator 雪花ID生成器，用于执行记录和事件
type Generator struct {
	sf *sonyflake.Sonyflake
}

func NewGenerator() *Generator {
	return &Generator{
		sf: sonyflake.NewSonyflake(sonyflake.Settings{
			StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}),
	}
}

// NextID 生成失败说明机器ID配置有问题，属于致命部署错误
func (g *Generator) NextID() (uint64, error) {
	return g.sf.NextID()
}
