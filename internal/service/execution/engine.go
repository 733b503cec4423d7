package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/errs"
	retrypkg "gitee.com/flycash/sequence-platform/internal/pkg/retry"
	"gitee.com/flycash/sequence-platform/internal/repository"
	"gitee.com/flycash/sequence-platform/internal/service/channel"
	"gitee.com/flycash/sequence-platform/internal/service/condition"
	"gitee.com/flycash/sequence-platform/internal/service/template"
	"gitee.com/flycash/sequence-platform/internal/service/timing"

	"github.com/gotomicro/ego/core/elog"
)

// RunResult 一次执行的结果。Terminal 为真时由调用方推进报名
type RunResult struct {
	Execution domain.StepExecution
	Terminal  bool
}

// Engine 步骤执行引擎：条件求值 → 渲染 → 选适配器 → 投递 → 状态落库
type Engine struct {
	executions  repository.ExecutionRepository
	enrollments repository.EnrollmentRepository
	sequences   repository.SequenceRepository
	timing      *timing.Resolver
	evaluator   *condition.Evaluator
	renderer    template.Renderer
	renderers   *template.Registry
	selector    *channel.Selector
	dispatcher  *channel.Dispatcher
	retryCfg    retrypkg.Config
	logger      *elog.Component
}

func NewEngine(
	executions repository.ExecutionRepository,
	enrollments repository.EnrollmentRepository,
	sequences repository.SequenceRepository,
	timingResolver *timing.Resolver,
	evaluator *condition.Evaluator,
	renderer template.Renderer,
	renderers *template.Registry,
	selector *channel.Selector,
	dispatcher *channel.Dispatcher,
	retryCfg retrypkg.Config,
) *Engine {
	return &Engine{
		executions:  executions,
		enrollments: enrollments,
		sequences:   sequences,
		timing:      timingResolver,
		evaluator:   evaluator,
		renderer:    renderer,
		renderers:   renderers,
		selector:    selector,
		dispatcher:  dispatcher,
		retryCfg:    retryCfg,
		logger:      elog.DefaultLogger,
	}
}

// CreateForStep 为步骤排执行计划。EVENT 型步骤在事件到达前没有执行记录，
// 返回 false。重复创建幂等，返回已存在的记录
func (e *Engine) CreateForStep(ctx context.Context, enrollment domain.Enrollment, step domain.Step, ref time.Time) (domain.StepExecution, bool, error) {
	next, scheduled, err := e.timing.NextRun(step.Timing, ref)
	if err != nil {
		return domain.StepExecution{}, false, err
	}
	if !scheduled {
		return domain.StepExecution{}, false, nil
	}
	return e.create(ctx, enrollment, step, next.UnixMilli())
}

// CreateOnEvent 事件到达时为 EVENT 型步骤排即时执行
func (e *Engine) CreateOnEvent(ctx context.Context, enrollment domain.Enrollment, step domain.Step, event domain.Event) (domain.StepExecution, bool, error) {
	if step.Timing.Type != domain.TimingEvent {
		return domain.StepExecution{}, false, nil
	}
	if !e.timing.Matches(event, step.Timing) {
		return domain.StepExecution{}, false, nil
	}
	return e.create(ctx, enrollment, step, time.Now().UnixMilli())
}

func (e *Engine) create(ctx context.Context, enrollment domain.Enrollment, step domain.Step, scheduledAt int64) (domain.StepExecution, bool, error) {
	created, err := e.executions.Create(ctx, domain.StepExecution{
		EnrollmentID: enrollment.ID,
		VersionID:    step.VersionID,
		StepID:       step.ID,
		Status:       domain.ExecutionStatusScheduled,
		ScheduledAt:  scheduledAt,
		RotationSeed: rand.Int63(),
	})
	if err != nil {
		if errors.Is(err, errs.ErrExecutionDuplicate) {
			existing, err1 := e.executions.GetByEnrollmentAndStep(ctx, enrollment.ID, step.ID)
			if err1 != nil {
				return domain.StepExecution{}, false, err1
			}
			return existing, true, nil
		}
		return domain.StepExecution{}, false, err
	}
	return created, true, nil
}

// Claim 原子抢占一条到期执行，多worker并发下至多一个成功
func (e *Engine) Claim(ctx context.Context, id uint64, workerID string) (bool, error) {
	return e.executions.Claim(ctx, id, workerID, time.Now().UnixMilli())
}

// FindDue 拉取一批到期且报名仍活跃的执行
func (e *Engine) FindDue(ctx context.Context, limit int) ([]domain.StepExecution, error) {
	return e.executions.FindDueScheduled(ctx, time.Now().UnixMilli(), limit)
}

// Run 执行一条已抢占的记录，走完整条投递流水线
func (e *Engine) Run(ctx context.Context, id uint64) (RunResult, error) {
	execution, err := e.executions.GetByID(ctx, id)
	if err != nil {
		return RunResult{}, err
	}
	if execution.Status != domain.ExecutionStatusSending {
		return RunResult{}, fmt.Errorf("%w: id=%d status=%s", errs.ErrExecutionClaimConflict, id, execution.Status)
	}

	enrollment, err := e.enrollments.GetByID(ctx, execution.EnrollmentID)
	if err != nil {
		return RunResult{}, err
	}
	if enrollment.Status.IsTerminal() {
		return e.skip(ctx, execution, "报名已终止")
	}
	if enrollment.Status == domain.EnrollmentStatusPaused {
		// 暂停窗口内不消耗重试次数，延后再看
		err = e.executions.Reschedule(ctx, execution.ID, execution.RetryCount,
			time.Now().Add(pausedRecheckInterval).UnixMilli(), "报名暂停中")
		if err != nil {
			return RunResult{}, err
		}
		execution.Status = domain.ExecutionStatusScheduled
		return RunResult{Execution: execution, Terminal: false}, nil
	}

	version, err := e.sequences.GetVersion(ctx, execution.VersionID)
	if err != nil {
		return RunResult{}, err
	}
	step, ok := version.StepByID(execution.StepID)
	if !ok {
		return e.fail(ctx, execution, fmt.Errorf("%w: stepID=%d", errs.ErrStepNotFound, execution.StepID))
	}
	seq, err := e.sequences.GetByID(ctx, version.SequenceID)
	if err != nil {
		return RunResult{}, err
	}

	ectx := condition.NewEvalContext(enrollment, seq.ID, seq.HookModule, time.Now())
	passed, reason := e.evaluator.Evaluate(ctx, step.Conditions, ectx)
	if !passed {
		return e.skip(ctx, execution, reason)
	}

	return e.deliver(ctx, execution, enrollment, step)
}

func (e *Engine) deliver(ctx context.Context, execution domain.StepExecution, enrollment domain.Enrollment, step domain.Step) (RunResult, error) {
	recipient, ok := recipientOf(enrollment, step)
	if !ok {
		return e.fail(ctx, execution, fmt.Errorf("%w: 报名数据缺少收件人字段 %q", errs.ErrDeliveryPermanent, step.RecipientField()))
	}

	subject, payload, err := e.render(step.Template, enrollment.Data)
	if err != nil {
		return e.handleFailure(ctx, execution, err)
	}

	adapter, err := e.selector.Select(ctx, step, execution.RotationSeed)
	if err != nil {
		return e.handleFailure(ctx, execution, err)
	}

	receipt, err := e.dispatcher.Dispatch(ctx, step.Channel, adapter, channel.Message{
		Recipient: recipient,
		Subject:   subject,
		Payload:   payload,
		Metadata:  step.Config,
	})
	execution.AdapterID = adapter.ID
	execution.Recipient = recipient
	execution.Payload = payload
	if err != nil {
		return e.handleFailure(ctx, execution, err)
	}

	execution.Status = domain.ExecutionStatusSent
	execution.ExecutedAt = time.Now().UnixMilli()
	execution.ProviderResponse = receipt.Response
	if err = e.executions.MarkSent(ctx, execution); err != nil {
		return RunResult{}, err
	}
	return RunResult{Execution: execution, Terminal: true}, nil
}

// render 按模板引用类型产出主题和载荷
func (e *Engine) render(ref domain.TemplateRef, data map[string]any) (subject, payload string, err error) {
	subject, err = e.renderer.Render(ref.Subject, data)
	if err != nil {
		return "", "", err
	}
	switch ref.Kind {
	case domain.TemplateKindInline:
		payload, err = e.renderer.Render(ref.Body, data)
		return subject, payload, err
	case domain.TemplateKindNamed:
		named, err1 := e.renderers.Get(ref.Name)
		if err1 != nil {
			return "", "", fmt.Errorf("%w: %s", errs.ErrRenderFailed, err1)
		}
		payload, err = named.Render(ref.Body, data)
		return subject, payload, err
	case domain.TemplateKindExternal:
		// 外部模板由供应商侧渲染，载荷只携带模板引用和已渲染的参数
		params := make(map[string]string, len(ref.Params))
		for k, v := range ref.Params {
			rendered, err1 := e.renderer.Render(v, data)
			if err1 != nil {
				return "", "", err1
			}
			params[k] = rendered
		}
		raw, err1 := json.Marshal(map[string]any{
			"externalId": ref.ExternalID,
			"params":     params,
		})
		if err1 != nil {
			return "", "", fmt.Errorf("%w: %s", errs.ErrRenderFailed, err1)
		}
		return subject, string(raw), nil
	default:
		return "", "", fmt.Errorf("%w: 未知模板类型 %q", errs.ErrRenderFailed, ref.Kind)
	}
}

func (e *Engine) handleFailure(ctx context.Context, execution domain.StepExecution, cause error) (RunResult, error) {
	if isPermanent(cause) {
		return e.fail(ctx, execution, cause)
	}
	interval, err := retrypkg.IntervalForAttempt(e.retryCfg, execution.RetryCount)
	if err != nil {
		// 重试预算耗尽
		return e.fail(ctx, execution, cause)
	}
	err = e.executions.Reschedule(ctx, execution.ID, execution.RetryCount+1,
		time.Now().Add(interval).UnixMilli(), cause.Error())
	if err != nil {
		return RunResult{}, err
	}
	e.logger.Warn("投递临时失败，已重新排期",
		elog.Any("executionID", execution.ID),
		elog.Any("retryCount", execution.RetryCount+1),
		elog.FieldErr(cause))
	execution.Status = domain.ExecutionStatusScheduled
	execution.RetryCount++
	execution.LastError = cause.Error()
	return RunResult{Execution: execution, Terminal: false}, nil
}

func (e *Engine) skip(ctx context.Context, execution domain.StepExecution, reason string) (RunResult, error) {
	if err := e.executions.MarkSkipped(ctx, execution.ID, reason); err != nil {
		return RunResult{}, err
	}
	execution.Status = domain.ExecutionStatusSkipped
	execution.LastError = reason
	return RunResult{Execution: execution, Terminal: true}, nil
}

func (e *Engine) fail(ctx context.Context, execution domain.StepExecution, cause error) (RunResult, error) {
	execution.Status = domain.ExecutionStatusFailed
	execution.ExecutedAt = time.Now().UnixMilli()
	execution.LastError = cause.Error()
	if err := e.executions.MarkFailed(ctx, execution); err != nil {
		return RunResult{}, err
	}
	e.logger.Error("投递永久失败",
		elog.Any("executionID", execution.ID),
		elog.FieldErr(cause))
	return RunResult{Execution: execution, Terminal: true}, nil
}

// SweepStuckSending 兜底：把抢占后超时未落终态的执行标成失败
func (e *Engine) SweepStuckSending(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error) {
	ddl := time.Now().Add(-olderThan).UnixMilli()
	return e.executions.MarkTimeoutSendingAsFailed(ctx, ddl, batchSize)
}

// FindStalled 找已落终态但报名游标还停在该步骤的执行。
// 推进失败、worker在推进前崩溃、兜底扫描置失败的执行都会停在这个形态，
// FindDueScheduled 扫不到它们，专门的补偿扫描负责重推
func (e *Engine) FindStalled(ctx context.Context, limit int) ([]domain.StepExecution, error) {
	return e.executions.FindStalledTerminal(ctx, limit)
}

const pausedRecheckInterval = 5 * time.Minute

func recipientOf(enrollment domain.Enrollment, step domain.Step) (string, bool) {
	val, ok := enrollment.DataField(step.RecipientField())
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok && s != ""
}

func isPermanent(err error) bool {
	return errors.Is(err, errs.ErrDeliveryPermanent) ||
		errors.Is(err, errs.ErrRenderFailed) ||
		errors.Is(err, errs.ErrNoAvailableAdapter) ||
		errors.Is(err, errs.ErrUnknownChannel) ||
		errors.Is(err, errs.ErrStepNotFound)
}
