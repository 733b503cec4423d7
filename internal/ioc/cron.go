package ioc

import (
	"context"
	"time"

	"gitee.com/flycash/sequence-platform/internal/service/execution"

	"github.com/gotomicro/ego/task/ecron"
)

const (
	sendingTimeout  = 10 * time.Minute
	sweepBatchSize  = 100
	repairBatchSize = 100
)

// Crons 两类兜底扫描：
// sweeper 把worker崩溃遗留的SENDING执行标成失败；
// repairer 给已落终态但报名游标没动的执行补推进（包括sweeper刚置失败的）
func Crons(engine *execution.Engine, worker *execution.Worker) []ecron.Ecron {
	sweeper := ecron.Load("cron.sweeper").Build(ecron.WithJob(func(ctx context.Context) error {
		_, err := engine.SweepStuckSending(ctx, sendingTimeout, sweepBatchSize)
		return err
	}))
	repairer := ecron.Load("cron.repairer").Build(ecron.WithJob(func(ctx context.Context) error {
		_, err := worker.RepairStalled(ctx)
		return err
	}))
	return []ecron.Ecron{sweeper, repairer}
}
