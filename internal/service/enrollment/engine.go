package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/errs"
	"gitee.com/flycash/sequence-platform/internal/repository"
	"gitee.com/flycash/sequence-platform/internal/service/execution"

	"github.com/gotomicro/ego/core/elog"
)

const casMaxAttempts = 3

// Config 报名引擎行为开关
type Config struct {
	// ShiftScheduleOnResume 恢复暂停时把待执行记录的到期时间平移暂停时长
	ShiftScheduleOnResume bool
}

func DefaultConfig() Config {
	return Config{ShiftScheduleOnResume: true}
}

// Engine 报名引擎：报名生命周期状态机和步骤推进
// 同时实现 execution.Advancer，worker 在执行落终态后回调 Advance
type Engine struct {
	enrollments repository.EnrollmentRepository
	executions  repository.ExecutionRepository
	sequences   repository.SequenceRepository
	execEngine  *execution.Engine
	cfg         Config
	logger      *elog.Component
}

var _ execution.Advancer = (*Engine)(nil)

func NewEngine(
	enrollments repository.EnrollmentRepository,
	executions repository.ExecutionRepository,
	sequences repository.SequenceRepository,
	execEngine *execution.Engine,
	cfg Config,
) *Engine {
	return &Engine{
		enrollments: enrollments,
		executions:  executions,
		sequences:   sequences,
		execEngine:  execEngine,
		cfg:         cfg,
		logger:      elog.DefaultLogger,
	}
}

// Enroll 把订阅者报名进序列的激活版本。版本在此刻冻结到报名上，
// 之后序列再怎么编辑都不影响这次旅程。(sequenceKey, subscriber) 唯一
func (e *Engine) Enroll(ctx context.Context, sequenceKey, subscriber string, data map[string]any) (domain.Enrollment, error) {
	if subscriber == "" {
		return domain.Enrollment{}, fmt.Errorf("%w: Subscriber 不能为空", errs.ErrInvalidParameter)
	}
	seq, err := e.sequences.GetByKey(ctx, sequenceKey)
	if err != nil {
		return domain.Enrollment{}, err
	}
	version, err := e.sequences.GetActiveVersion(ctx, seq.ID)
	if err != nil {
		return domain.Enrollment{}, err
	}

	now := time.Now().UnixMilli()
	enrollment := domain.Enrollment{
		SequenceID: seq.ID,
		VersionID:  version.ID,
		Subscriber: subscriber,
		Status:     domain.EnrollmentStatusActive,
		StartedAt:  now,
		Data:       data,
	}
	first, hasStep := version.FirstStep()
	if hasStep {
		enrollment.CurrentStepID = first.ID
	} else {
		// 空版本：报名即完成
		enrollment.Status = domain.EnrollmentStatusCompleted
		enrollment.CompletedAt = now
	}

	created, err := e.enrollments.Create(ctx, enrollment)
	if err != nil {
		return domain.Enrollment{}, err
	}
	if hasStep {
		if _, _, err = e.execEngine.CreateForStep(ctx, created, first, time.Now()); err != nil {
			return domain.Enrollment{}, err
		}
	}
	return created, nil
}

// Advance 执行落终态后把报名推到下一步。可重复调用：
// 同一条执行推进两次，第二次因为游标已越过该步骤而什么都不做
func (e *Engine) Advance(ctx context.Context, exec domain.StepExecution) error {
	if !exec.Status.IsTerminal() {
		return fmt.Errorf("%w: 执行未落终态 status=%s", errs.ErrInvalidParameter, exec.Status)
	}
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		enrollment, err := e.enrollments.GetByID(ctx, exec.EnrollmentID)
		if err != nil {
			return err
		}
		if enrollment.Status.IsTerminal() {
			return nil
		}
		version, err := e.sequences.GetVersion(ctx, enrollment.VersionID)
		if err != nil {
			return err
		}
		doneStep, ok := version.StepByID(exec.StepID)
		if !ok {
			return fmt.Errorf("%w: stepID=%d", errs.ErrStepNotFound, exec.StepID)
		}
		if current, ok1 := version.StepByID(enrollment.CurrentStepID); ok1 && current.Position > doneStep.Position {
			// 游标已越过该步骤，重复推进
			return nil
		}

		next, hasNext := version.NextStepAfter(doneStep.Position)
		if hasNext {
			// 先排下一步的执行再挪游标，崩溃窗口里顶多多一条幂等创建
			if _, _, err = e.execEngine.CreateForStep(ctx, enrollment, next, time.Now()); err != nil {
				return err
			}
			enrollment.CurrentStepID = next.ID
		} else {
			enrollment.CurrentStepID = 0
			enrollment.Status = domain.EnrollmentStatusCompleted
			enrollment.CompletedAt = time.Now().UnixMilli()
		}
		err = e.enrollments.CASUpdate(ctx, enrollment)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errs.ErrEnrollmentVersionMismatch) {
			return err
		}
	}
	return fmt.Errorf("%w: enrollmentID=%d", errs.ErrEnrollmentVersionMismatch, exec.EnrollmentID)
}

// Pause 暂停报名，到期的执行在暂停窗口内不投递
func (e *Engine) Pause(ctx context.Context, enrollmentID uint64) error {
	return e.transition(ctx, enrollmentID, domain.EnrollmentStatusPaused, func(enrollment *domain.Enrollment) error {
		enrollment.PausedAt = time.Now().UnixMilli()
		return nil
	})
}

// Resume 恢复暂停的报名。默认把待执行记录的到期时间平移暂停时长，
// 订阅者不会在恢复瞬间被积压的消息轰炸
func (e *Engine) Resume(ctx context.Context, enrollmentID uint64) error {
	var pausedFor int64
	var currentStepID int64
	err := e.transition(ctx, enrollmentID, domain.EnrollmentStatusActive, func(enrollment *domain.Enrollment) error {
		pausedFor = time.Now().UnixMilli() - enrollment.PausedAt
		currentStepID = enrollment.CurrentStepID
		enrollment.PausedAt = 0
		return nil
	})
	if err != nil {
		return err
	}
	if !e.cfg.ShiftScheduleOnResume || currentStepID == 0 || pausedFor <= 0 {
		return nil
	}
	pending, err := e.executions.GetByEnrollmentAndStep(ctx, enrollmentID, currentStepID)
	if err != nil {
		if errors.Is(err, errs.ErrExecutionNotFound) {
			return nil
		}
		return err
	}
	if pending.Status != domain.ExecutionStatusScheduled {
		return nil
	}
	return e.executions.ShiftSchedule(ctx, pending.ID, pausedFor)
}

// Cancel 取消报名，当前步骤的待执行记录一并跳过
func (e *Engine) Cancel(ctx context.Context, enrollmentID uint64) error {
	var currentStepID int64
	err := e.transition(ctx, enrollmentID, domain.EnrollmentStatusCancelled, func(enrollment *domain.Enrollment) error {
		currentStepID = enrollment.CurrentStepID
		enrollment.CurrentStepID = 0
		enrollment.CancelledAt = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		return err
	}
	if currentStepID == 0 {
		return nil
	}
	pending, err := e.executions.GetByEnrollmentAndStep(ctx, enrollmentID, currentStepID)
	if err != nil {
		if errors.Is(err, errs.ErrExecutionNotFound) {
			return nil
		}
		return err
	}
	if pending.Status.IsTerminal() {
		return nil
	}
	if err = e.executions.MarkSkipped(ctx, pending.ID, "报名已取消"); err != nil {
		// 执行可能正被worker抢占中，worker会在Run里看到终态报名自行跳过
		e.logger.Warn("取消报名时跳过执行失败",
			elog.Any("executionID", pending.ID),
			elog.FieldErr(err))
	}
	return nil
}

// TrackEvent 往报名时间线追加事件。报名仍活跃且当前步骤等的就是
// 这个事件时，当场排即时执行
func (e *Engine) TrackEvent(ctx context.Context, event domain.Event) (domain.Event, error) {
	if err := event.Validate(); err != nil {
		return domain.Event{}, err
	}
	enrollment, err := e.enrollments.GetByID(ctx, event.EnrollmentID)
	if err != nil {
		return domain.Event{}, err
	}
	if event.OccurredAt == 0 {
		event.OccurredAt = time.Now().UnixMilli()
	}
	appended, err := e.enrollments.AppendEvent(ctx, event)
	if err != nil {
		return domain.Event{}, err
	}
	if enrollment.Status != domain.EnrollmentStatusActive || enrollment.CurrentStepID == 0 {
		return appended, nil
	}
	version, err := e.sequences.GetVersion(ctx, enrollment.VersionID)
	if err != nil {
		return domain.Event{}, err
	}
	step, ok := version.StepByID(enrollment.CurrentStepID)
	if !ok {
		return appended, nil
	}
	if _, _, err = e.execEngine.CreateOnEvent(ctx, enrollment, step, appended); err != nil {
		return domain.Event{}, err
	}
	return appended, nil
}

// GetByID 查询报名
func (e *Engine) GetByID(ctx context.Context, enrollmentID uint64) (domain.Enrollment, error) {
	return e.enrollments.GetByID(ctx, enrollmentID)
}

// Timeline 报名的事件时间线，按发生时间排序
func (e *Engine) Timeline(ctx context.Context, enrollmentID uint64) ([]domain.Event, error) {
	return e.enrollments.GetEvents(ctx, enrollmentID)
}

// Executions 报名名下的全部执行记录
func (e *Engine) Executions(ctx context.Context, enrollmentID uint64) ([]domain.StepExecution, error) {
	return e.executions.ListByEnrollment(ctx, enrollmentID)
}

// transition 乐观锁状态流转骨架
func (e *Engine) transition(ctx context.Context, enrollmentID uint64, to domain.EnrollmentStatus, mutate func(*domain.Enrollment) error) error {
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		enrollment, err := e.enrollments.GetByID(ctx, enrollmentID)
		if err != nil {
			return err
		}
		if enrollment.Status.IsTerminal() {
			return fmt.Errorf("%w: id=%d status=%s", errs.ErrEnrollmentTerminated, enrollmentID, enrollment.Status)
		}
		if !enrollment.Status.CanTransitionTo(to) {
			return fmt.Errorf("%w: %s → %s", errs.ErrInvalidTransition, enrollment.Status, to)
		}
		enrollment.Status = to
		if err = mutate(&enrollment); err != nil {
			return err
		}
		err = e.enrollments.CASUpdate(ctx, enrollment)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errs.ErrEnrollmentVersionMismatch) {
			return err
		}
	}
	return fmt.Errorf("%w: enrollmentID=%d", errs.ErrEnrollmentVersionMismatch, enrollmentID)
}
