package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitee.com/flycash/sequence-platform/internal/errs"
	"gitee.com/flycash/sequence-platform/internal/pkg/idgen"

	"github.com/ego-component/egorm"
	"gorm.io/gorm"
)

type ExecutionDAO interface {
	Create(ctx context.Context, data StepExecution) (StepExecution, error)
	GetByID(ctx context.Context, id uint64) (StepExecution, error)
	GetByEnrollmentAndStep(ctx context.Context, enrollmentID uint64, stepID int64) (StepExecution, error)
	ListByEnrollment(ctx context.Context, enrollmentID uint64) ([]StepExecution, error)

	// Claim 原子抢占：SCHEDULED 且到期 → SENDING，输者 RowsAffected=0
	Claim(ctx context.Context, id uint64, workerID string, now int64) (bool, error)
	// MarkSent / MarkSkipped / MarkFailed 终态落库
	MarkSent(ctx context.Context, data StepExecution) error
	MarkSkipped(ctx context.Context, id uint64, reason string) error
	MarkFailed(ctx context.Context, data StepExecution) error
	// Reschedule SENDING → SCHEDULED，用于重试，带上重试次数和新的到期时间
	Reschedule(ctx context.Context, id uint64, retryCount int32, scheduledAt int64, lastError string) error
	// ShiftSchedule 恢复暂停的报名时整体平移待执行记录的到期时间
	ShiftSchedule(ctx context.Context, id uint64, deltaMS int64) error

	// FindDueScheduled 找到期待抢占的执行记录，排除暂停/终止报名
	FindDueScheduled(ctx context.Context, now int64, limit int) ([]StepExecution, error)
	// MarkTimeoutSendingAsFailed worker崩溃遗留的SENDING记录兜底置为失败
	MarkTimeoutSendingAsFailed(ctx context.Context, ddl int64, batchSize int) (int64, error)
	// FindStalledTerminal 执行已落终态但报名游标仍停在该步骤的记录，
	// 说明推进失败或worker在推进前崩溃，等补偿扫描重推
	FindStalledTerminal(ctx context.Context, limit int) ([]StepExecution, error)
}

// StepExecution 步骤执行表，(enrollment_id, step_id) 唯一
type StepExecution struct {
	ID           uint64 `gorm:"primaryKey;comment:'雪花算法ID'"`
	EnrollmentID uint64 `gorm:"type:BIGINT;NOT NULL;uniqueIndex:idx_enrollment_step,priority:1"`
	VersionID    int64  `gorm:"type:BIGINT;NOT NULL;comment:'冻结的版本引用'"`
	StepID       int64  `gorm:"type:BIGINT;NOT NULL;uniqueIndex:idx_enrollment_step,priority:2"`
	Status       string `gorm:"type:ENUM('SCHEDULED','SENDING','SENT','FAILED','SKIPPED');NOT NULL;DEFAULT:'SCHEDULED';index:idx_status_scheduled,priority:1"`
	ScheduledAt  int64  `gorm:"index:idx_status_scheduled,priority:2;comment:'计划执行时间'"`
	ExecutedAt   int64
	RetryCount   int32  `gorm:"type:INT;NOT NULL;DEFAULT:0"`
	WorkerID     string `gorm:"type:VARCHAR(64);comment:'抢占成功的worker标识'"`
	RotationSeed int64  `gorm:"type:BIGINT;NOT NULL;DEFAULT:0;comment:'适配器轮换种子，保证选择可复现'"`
	AdapterID    int64  `gorm:"type:BIGINT;NOT NULL;DEFAULT:0"`
	Recipient    string `gorm:"type:VARCHAR(512)"`
	Payload      string `gorm:"type:TEXT;comment:'实际发出的载荷'"`
	// ProviderResponse 最后一次供应商响应，诊断用
	ProviderResponse string `gorm:"type:TEXT"`
	LastError        string `gorm:"type:TEXT"`
	Version          int    `gorm:"type:INT;NOT NULL;DEFAULT:1;comment:'版本号，用于CAS操作'"`
	Ctime            int64
	Utime            int64
}

func (StepExecution) TableName() string {
	return "step_executions"
}

type executionDAO struct {
	db  *egorm.Component
	ids *idgen.Generator
}

func NewExecutionDAO(db *egorm.Component, ids *idgen.Generator) ExecutionDAO {
	return &executionDAO{db: db, ids: ids}
}

func (d *executionDAO) Create(ctx context.Context, data StepExecution) (StepExecution, error) {
	id, err0 := d.ids.NextID()
	if err0 != nil {
		return StepExecution{}, err0
	}
	data.ID = id
	now := time.Now().UnixMilli()
	data.Ctime, data.Utime = now, now
	data.Version = 1
	err := d.db.WithContext(ctx).Create(&data).Error
	if err != nil {
		if isUniqueConstraintError(err) {
			// 同一报名同一步骤已有执行记录，幂等创建按冲突处理
			return StepExecution{}, fmt.Errorf("%w: enrollmentID=%d stepID=%d",
				errs.ErrExecutionDuplicate, data.EnrollmentID, data.StepID)
		}
		return StepExecution{}, err
	}
	return data, nil
}

func (d *executionDAO) GetByID(ctx context.Context, id uint64) (StepExecution, error) {
	var execution StepExecution
	err := d.db.WithContext(ctx).First(&execution, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StepExecution{}, fmt.Errorf("%w: id=%d", errs.ErrExecutionNotFound, id)
		}
		return StepExecution{}, err
	}
	return execution, nil
}

func (d *executionDAO) GetByEnrollmentAndStep(ctx context.Context, enrollmentID uint64, stepID int64) (StepExecution, error) {
	var execution StepExecution
	err := d.db.WithContext(ctx).
		Where("enrollment_id = ? AND step_id = ?", enrollmentID, stepID).
		First(&execution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StepExecution{}, fmt.Errorf("%w: enrollmentID=%d stepID=%d",
				errs.ErrExecutionNotFound, enrollmentID, stepID)
		}
		return StepExecution{}, err
	}
	return execution, nil
}

func (d *executionDAO) ListByEnrollment(ctx context.Context, enrollmentID uint64) ([]StepExecution, error) {
	var executions []StepExecution
	err := d.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("ctime ASC").
		Find(&executions).Error
	return executions, err
}

// Claim 的正确性依赖这一条条件更新的原子性，不需要进程内锁
func (d *executionDAO) Claim(ctx context.Context, id uint64, workerID string, now int64) (bool, error) {
	res := d.db.WithContext(ctx).Model(&StepExecution{}).
		Where("id = ? AND status = ? AND scheduled_at <= ?", id, "SCHEDULED", now).
		Updates(map[string]any{
			"status":    "SENDING",
			"worker_id": workerID,
			"version":   gorm.Expr("version + 1"),
			"utime":     now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *executionDAO) MarkSent(ctx context.Context, data StepExecution) error {
	now := time.Now().UnixMilli()
	res := d.db.WithContext(ctx).Model(&StepExecution{}).
		Where("id = ? AND status = ?", data.ID, "SENDING").
		Updates(map[string]any{
			"status":            "SENT",
			"executed_at":       now,
			"adapter_id":        data.AdapterID,
			"recipient":         data.Recipient,
			"payload":           data.Payload,
			"provider_response": data.ProviderResponse,
			"retry_count":       data.RetryCount,
			"version":           gorm.Expr("version + 1"),
			"utime":             now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected < 1 {
		return fmt.Errorf("%w: id=%d 不在SENDING状态", errs.ErrExecutionVersionMismatch, data.ID)
	}
	return nil
}

func (d *executionDAO) MarkSkipped(ctx context.Context, id uint64, reason string) error {
	now := time.Now().UnixMilli()
	// 取消报名时待执行记录也会被置为SKIPPED，所以SCHEDULED和SENDING都允许
	res := d.db.WithContext(ctx).Model(&StepExecution{}).
		Where("id = ? AND status IN ?", id, []string{"SCHEDULED", "SENDING"}).
		Updates(map[string]any{
			"status":      "SKIPPED",
			"executed_at": now,
			"last_error":  reason,
			"version":     gorm.Expr("version + 1"),
			"utime":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected < 1 {
		return fmt.Errorf("%w: id=%d 已处于终态", errs.ErrExecutionVersionMismatch, id)
	}
	return nil
}

func (d *executionDAO) MarkFailed(ctx context.Context, data StepExecution) error {
	now := time.Now().UnixMilli()
	res := d.db.WithContext(ctx).Model(&StepExecution{}).
		Where("id = ? AND status = ?", data.ID, "SENDING").
		Updates(map[string]any{
			"status":            "FAILED",
			"executed_at":       now,
			"retry_count":       data.RetryCount,
			"adapter_id":        data.AdapterID,
			"recipient":         data.Recipient,
			"provider_response": data.ProviderResponse,
			"last_error":        data.LastError,
			"version":           gorm.Expr("version + 1"),
			"utime":             now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected < 1 {
		return fmt.Errorf("%w: id=%d 不在SENDING状态", errs.ErrExecutionVersionMismatch, data.ID)
	}
	return nil
}

func (d *executionDAO) Reschedule(ctx context.Context, id uint64, retryCount int32, scheduledAt int64, lastError string) error {
	now := time.Now().UnixMilli()
	res := d.db.WithContext(ctx).Model(&StepExecution{}).
		Where("id = ? AND status = ?", id, "SENDING").
		Updates(map[string]any{
			"status":       "SCHEDULED",
			"retry_count":  retryCount,
			"scheduled_at": scheduledAt,
			"last_error":   lastError,
			"version":      gorm.Expr("version + 1"),
			"utime":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected < 1 {
		return fmt.Errorf("%w: id=%d 不在SENDING状态", errs.ErrExecutionVersionMismatch, id)
	}
	return nil
}

func (d *executionDAO) ShiftSchedule(ctx context.Context, id uint64, deltaMS int64) error {
	return d.db.WithContext(ctx).Model(&StepExecution{}).
		Where("id = ? AND status = ?", id, "SCHEDULED").
		Updates(map[string]any{
			"scheduled_at": gorm.Expr("scheduled_at + ?", deltaMS),
			"version":      gorm.Expr("version + 1"),
			"utime":        time.Now().UnixMilli(),
		}).Error
}

func (d *executionDAO) FindDueScheduled(ctx context.Context, now int64, limit int) ([]StepExecution, error) {
	var res []StepExecution
	err := d.db.WithContext(ctx).
		Joins("JOIN enrollments ON enrollments.id = step_executions.enrollment_id").
		Where("step_executions.status = ? AND step_executions.scheduled_at <= ? AND enrollments.status = ?",
			"SCHEDULED", now, "ACTIVE").
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (d *executionDAO) FindStalledTerminal(ctx context.Context, limit int) ([]StepExecution, error) {
	var res []StepExecution
	err := d.db.WithContext(ctx).
		Joins("JOIN enrollments ON enrollments.id = step_executions.enrollment_id").
		Where("step_executions.status IN ? AND enrollments.status = ? AND enrollments.current_step_id = step_executions.step_id",
			[]string{"SENT", "FAILED", "SKIPPED"}, "ACTIVE").
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (d *executionDAO) MarkTimeoutSendingAsFailed(ctx context.Context, ddl int64, batchSize int) (int64, error) {
	now := time.Now().UnixMilli()
	sub := d.db.Model(&StepExecution{}).
		Select("id").
		Limit(batchSize).
		Where("status = ? AND utime <= ?", "SENDING", ddl)
	res := d.db.WithContext(ctx).Model(&StepExecution{}).
		Where("id IN (?)", sub).
		Updates(map[string]any{
			"status":     "FAILED",
			"last_error": "发送超时，worker可能已崩溃",
			"version":    gorm.Expr("version + 1"),
			"utime":      now,
		})
	return res.RowsAffected, res.Error
}
