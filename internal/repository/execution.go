package repository

import (
	"context"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/repository/dao"
)

// ExecutionRepository 步骤执行仓储接口
type ExecutionRepository interface {
	Create(ctx context.Context, execution domain.StepExecution) (domain.StepExecution, error)
	GetByID(ctx context.Context, id uint64) (domain.StepExecution, error)
	GetByEnrollmentAndStep(ctx context.Context, enrollmentID uint64, stepID int64) (domain.StepExecution, error)
	ListByEnrollment(ctx context.Context, enrollmentID uint64) ([]domain.StepExecution, error)

	// Claim 原子抢占，false 表示已有别的worker拿到或记录不在可抢占状态
	Claim(ctx context.Context, id uint64, workerID string, now int64) (bool, error)
	MarkSent(ctx context.Context, execution domain.StepExecution) error
	MarkSkipped(ctx context.Context, id uint64, reason string) error
	MarkFailed(ctx context.Context, execution domain.StepExecution) error
	Reschedule(ctx context.Context, id uint64, retryCount int32, scheduledAt int64, lastError string) error
	ShiftSchedule(ctx context.Context, id uint64, deltaMS int64) error

	FindDueScheduled(ctx context.Context, now int64, limit int) ([]domain.StepExecution, error)
	MarkTimeoutSendingAsFailed(ctx context.Context, ddl int64, batchSize int) (int64, error)
	// FindStalledTerminal 已落终态但报名游标没动的执行，等待补偿推进
	FindStalledTerminal(ctx context.Context, limit int) ([]domain.StepExecution, error)
}

type executionRepository struct {
	dao dao.ExecutionDAO
}

func NewExecutionRepository(d dao.ExecutionDAO) ExecutionRepository {
	return &executionRepository{dao: d}
}

func (r *executionRepository) Create(ctx context.Context, execution domain.StepExecution) (domain.StepExecution, error) {
	created, err := r.dao.Create(ctx, r.toEntity(execution))
	if err != nil {
		return domain.StepExecution{}, err
	}
	return r.toDomain(created), nil
}

func (r *executionRepository) GetByID(ctx context.Context, id uint64) (domain.StepExecution, error) {
	entity, err := r.dao.GetByID(ctx, id)
	if err != nil {
		return domain.StepExecution{}, err
	}
	return r.toDomain(entity), nil
}

func (r *executionRepository) GetByEnrollmentAndStep(ctx context.Context, enrollmentID uint64, stepID int64) (domain.StepExecution, error) {
	entity, err := r.dao.GetByEnrollmentAndStep(ctx, enrollmentID, stepID)
	if err != nil {
		return domain.StepExecution{}, err
	}
	return r.toDomain(entity), nil
}

func (r *executionRepository) ListByEnrollment(ctx context.Context, enrollmentID uint64) ([]domain.StepExecution, error) {
	entities, err := r.dao.ListByEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	executions := make([]domain.StepExecution, 0, len(entities))
	for i := range entities {
		executions = append(executions, r.toDomain(entities[i]))
	}
	return executions, nil
}

func (r *executionRepository) Claim(ctx context.Context, id uint64, workerID string, now int64) (bool, error) {
	return r.dao.Claim(ctx, id, workerID, now)
}

func (r *executionRepository) MarkSent(ctx context.Context, execution domain.StepExecution) error {
	return r.dao.MarkSent(ctx, r.toEntity(execution))
}

func (r *executionRepository) MarkSkipped(ctx context.Context, id uint64, reason string) error {
	return r.dao.MarkSkipped(ctx, id, reason)
}

func (r *executionRepository) MarkFailed(ctx context.Context, execution domain.StepExecution) error {
	return r.dao.MarkFailed(ctx, r.toEntity(execution))
}

func (r *executionRepository) Reschedule(ctx context.Context, id uint64, retryCount int32, scheduledAt int64, lastError string) error {
	return r.dao.Reschedule(ctx, id, retryCount, scheduledAt, lastError)
}

func (r *executionRepository) ShiftSchedule(ctx context.Context, id uint64, deltaMS int64) error {
	return r.dao.ShiftSchedule(ctx, id, deltaMS)
}

func (r *executionRepository) FindDueScheduled(ctx context.Context, now int64, limit int) ([]domain.StepExecution, error) {
	entities, err := r.dao.FindDueScheduled(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	executions := make([]domain.StepExecution, 0, len(entities))
	for i := range entities {
		executions = append(executions, r.toDomain(entities[i]))
	}
	return executions, nil
}

func (r *executionRepository) MarkTimeoutSendingAsFailed(ctx context.Context, ddl int64, batchSize int) (int64, error) {
	return r.dao.MarkTimeoutSendingAsFailed(ctx, ddl, batchSize)
}

func (r *executionRepository) FindStalledTerminal(ctx context.Context, limit int) ([]domain.StepExecution, error) {
	entities, err := r.dao.FindStalledTerminal(ctx, limit)
	if err != nil {
		return nil, err
	}
	executions := make([]domain.StepExecution, 0, len(entities))
	for i := range entities {
		executions = append(executions, r.toDomain(entities[i]))
	}
	return executions, nil
}

func (r *executionRepository) toEntity(execution domain.StepExecution) dao.StepExecution {
	return dao.StepExecution{
		ID:               execution.ID,
		EnrollmentID:     execution.EnrollmentID,
		VersionID:        execution.VersionID,
		StepID:           execution.StepID,
		Status:           execution.Status.String(),
		ScheduledAt:      execution.ScheduledAt,
		ExecutedAt:       execution.ExecutedAt,
		RetryCount:       execution.RetryCount,
		WorkerID:         execution.WorkerID,
		RotationSeed:     execution.RotationSeed,
		AdapterID:        execution.AdapterID,
		Recipient:        execution.Recipient,
		Payload:          execution.Payload,
		ProviderResponse: execution.ProviderResponse,
		LastError:        execution.LastError,
		Version:          execution.Version,
	}
}

func (r *executionRepository) toDomain(entity dao.StepExecution) domain.StepExecution {
	return domain.StepExecution{
		ID:               entity.ID,
		EnrollmentID:     entity.EnrollmentID,
		VersionID:        entity.VersionID,
		StepID:           entity.StepID,
		Status:           domain.ExecutionStatus(entity.Status),
		ScheduledAt:      entity.ScheduledAt,
		ExecutedAt:       entity.ExecutedAt,
		RetryCount:       entity.RetryCount,
		WorkerID:         entity.WorkerID,
		RotationSeed:     entity.RotationSeed,
		AdapterID:        entity.AdapterID,
		Recipient:        entity.Recipient,
		Payload:          entity.Payload,
		ProviderResponse: entity.ProviderResponse,
		LastError:        entity.LastError,
		Version:          entity.Version,
	}
}
