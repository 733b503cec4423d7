package execution

import (
	"context"
	"fmt"
	"time"

	"gitee.com/flycash/sequence-platform/internal/domain"

	"github.com/gofrs/uuid"
	"github.com/gotomicro/ego/core/elog"
	"github.com/hashicorp/go-multierror"
)

// Advancer 执行落终态后推进报名的能力，由报名引擎实现
//
//go:generate mockgen -source=./worker.go -destination=./mocks/worker.mock.go -package=executionmocks -typed Advancer
type Advancer interface {
	Advance(ctx context.Context, execution domain.StepExecution) error
}

const (
	defaultBatchSize    = 100
	defaultIdleInterval = 10 * time.Second
)

// Worker 抢占 → 执行 → 推进 的组合循环，读写全走数据库状态机
// 同一条执行被重复扫到也无妨，第二次抢占是空操作
type Worker struct {
	id           string
	engine       *Engine
	advancer     Advancer
	batchSize    int
	idleInterval time.Duration
	logger       *elog.Component
}

func NewWorker(engine *Engine, advancer Advancer) *Worker {
	return &Worker{
		id:           workerID(),
		engine:       engine,
		advancer:     advancer,
		batchSize:    defaultBatchSize,
		idleInterval: defaultIdleInterval,
		logger:       elog.DefaultLogger,
	}
}

func workerID() string {
	uid, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	return uid.String()
}

func (w *Worker) ID() string {
	return w.id
}

// ProcessBatch 处理一批到期执行，返回实际执行的条数
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	due, err := w.engine.FindDue(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	var errSum error
	handled := 0
	for i := range due {
		claimed, err1 := w.engine.Claim(ctx, due[i].ID, w.id)
		if err1 != nil {
			errSum = multierror.Append(errSum, err1)
			continue
		}
		if !claimed {
			continue
		}
		handled++
		res, err1 := w.engine.Run(ctx, due[i].ID)
		if err1 != nil {
			w.logger.Error("执行步骤失败",
				elog.Any("executionID", due[i].ID),
				elog.FieldErr(err1))
			errSum = multierror.Append(errSum, err1)
			continue
		}
		if !res.Terminal {
			continue
		}
		if err1 = w.advancer.Advance(ctx, res.Execution); err1 != nil {
			// 推进失败不回滚投递，RepairStalled 的补偿扫描会重推
			w.logger.Error("推进报名失败",
				elog.Any("executionID", due[i].ID),
				elog.Any("enrollmentID", res.Execution.EnrollmentID),
				elog.FieldErr(err1))
			errSum = multierror.Append(errSum, err1)
		}
	}
	return handled, errSum
}

// RepairStalled 补偿扫描：执行已落终态但报名游标没动，说明上一次推进
// 失败或没发生，重新调用 Advance。Advance 幂等，和在途推进撞上也无害
func (w *Worker) RepairStalled(ctx context.Context) (int, error) {
	stalled, err := w.engine.FindStalled(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	var errSum error
	repaired := 0
	for i := range stalled {
		if err1 := w.advancer.Advance(ctx, stalled[i]); err1 != nil {
			w.logger.Error("补偿推进失败",
				elog.Any("executionID", stalled[i].ID),
				elog.Any("enrollmentID", stalled[i].EnrollmentID),
				elog.FieldErr(err1))
			errSum = multierror.Append(errSum, err1)
			continue
		}
		repaired++
	}
	return repaired, errSum
}

// Loop 常驻循环，交给 loopjob 在分布式锁内调度
func (w *Worker) Loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := w.ProcessBatch(ctx)
		if err != nil {
			w.logger.Error("本批执行处理出错", elog.FieldErr(err))
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.idleInterval):
			}
		}
	}
}
