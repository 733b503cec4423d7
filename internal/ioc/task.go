package ioc

import (
	"context"

	"gitee.com/flycash/sequence-platform/internal/pkg/loopjob"
	"gitee.com/flycash/sequence-platform/internal/service/execution"

	"github.com/meoying/dlock-go"
)

type Task interface {
	Start(ctx context.Context)
}

// WorkerTask 在分布式锁内跑执行worker循环，同一时刻只有一个实例在扫描
type WorkerTask struct {
	loop *loopjob.InfiniteLoop
}

func NewWorkerTask(dclient dlock.Client, worker *execution.Worker) *WorkerTask {
	return &WorkerTask{
		loop: loopjob.NewInfiniteLoop(dclient, worker.Loop, "sequence:execution_worker"),
	}
}

func (t *WorkerTask) Start(ctx context.Context) {
	t.loop.Run(ctx)
}

func InitTasks(t1 *WorkerTask) []Task {
	return []Task{
		t1,
	}
}
