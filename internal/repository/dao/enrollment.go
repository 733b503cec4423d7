package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitee.com/flycash/sequence-platform/internal/errs"
	pkgdao "gitee.com/flycash/sequence-platform/internal/pkg/dao"
	"gitee.com/flycash/sequence-platform/internal/pkg/idgen"

	"github.com/ego-component/egorm"
	"gorm.io/gorm"
)

type EnrollmentDAO interface {
	// Create (sequence_id, subscriber) 唯一，冲突返回 ErrEnrollmentDuplicate
	Create(ctx context.Context, data Enrollment) (Enrollment, error)
	GetByID(ctx context.Context, id uint64) (Enrollment, error)
	GetBySubscriber(ctx context.Context, sequenceID int64, subscriber string) (Enrollment, error)

	// CASUpdate 乐观锁更新状态、当前步骤和各时间戳字段
	CASUpdate(ctx context.Context, data Enrollment) error

	CreateEvent(ctx context.Context, event EnrollmentEvent) (EnrollmentEvent, error)
	GetEvents(ctx context.Context, enrollmentID uint64) ([]EnrollmentEvent, error)
}

// Enrollment 报名表
type Enrollment struct {
	ID         uint64 `gorm:"primaryKey;comment:'雪花算法ID'"`
	SequenceID int64  `gorm:"type:BIGINT;NOT NULL;uniqueIndex:idx_sequence_subscriber,priority:1"`
	VersionID  int64  `gorm:"type:BIGINT;NOT NULL;comment:'报名时冻结的版本'"`
	Subscriber string `gorm:"type:VARCHAR(256);NOT NULL;uniqueIndex:idx_sequence_subscriber,priority:2"`
	Status     string `gorm:"type:ENUM('ACTIVE','PAUSED','COMPLETED','CANCELLED');NOT NULL;DEFAULT:'ACTIVE';index:idx_status"`
	// CurrentStepID 当前步骤，0表示无
	CurrentStepID int64 `gorm:"type:BIGINT;NOT NULL;DEFAULT:0"`
	StartedAt     int64
	PausedAt      int64
	CompletedAt   int64
	CancelledAt   int64
	Data          pkgdao.JSON `gorm:"type:JSON;comment:'订阅者数据'"`
	Metadata      pkgdao.JSON `gorm:"type:JSON"`
	Version       int         `gorm:"type:INT;NOT NULL;DEFAULT:1;comment:'版本号，用于CAS操作'"`
	Ctime         int64
	Utime         int64
}

func (Enrollment) TableName() string {
	return "enrollments"
}

// EnrollmentEvent 报名时间线事件表，只追加
type EnrollmentEvent struct {
	ID           uint64      `gorm:"primaryKey;comment:'雪花算法ID'"`
	EnrollmentID uint64      `gorm:"type:BIGINT;NOT NULL;index:idx_enrollment_name,priority:1"`
	Name         string      `gorm:"type:VARCHAR(256);NOT NULL;index:idx_enrollment_name,priority:2"`
	Kind         string      `gorm:"type:ENUM('USER_ACTION','MILESTONE','CUSTOM');NOT NULL;DEFAULT:'CUSTOM'"`
	Payload      pkgdao.JSON `gorm:"type:JSON"`
	OccurredAt   int64       `gorm:"NOT NULL"`
	Ctime        int64
}

func (EnrollmentEvent) TableName() string {
	return "enrollment_events"
}

type enrollmentDAO struct {
	db  *egorm.Component
	ids *idgen.Generator
}

func NewEnrollmentDAO(db *egorm.Component, ids *idgen.Generator) EnrollmentDAO {
	return &enrollmentDAO{db: db, ids: ids}
}

func (d *enrollmentDAO) Create(ctx context.Context, data Enrollment) (Enrollment, error) {
	id, err0 := d.ids.NextID()
	if err0 != nil {
		return Enrollment{}, err0
	}
	data.ID = id
	now := time.Now().UnixMilli()
	data.Ctime, data.Utime = now, now
	data.Version = 1
	err := d.db.WithContext(ctx).Create(&data).Error
	if err != nil {
		if isUniqueConstraintError(err) {
			return Enrollment{}, fmt.Errorf("%w: sequenceID=%d subscriber=%q",
				errs.ErrEnrollmentDuplicate, data.SequenceID, data.Subscriber)
		}
		return Enrollment{}, err
	}
	return data, nil
}

func (d *enrollmentDAO) GetByID(ctx context.Context, id uint64) (Enrollment, error) {
	var enrollment Enrollment
	err := d.db.WithContext(ctx).First(&enrollment, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Enrollment{}, fmt.Errorf("%w: id=%d", errs.ErrEnrollmentNotFound, id)
		}
		return Enrollment{}, err
	}
	return enrollment, nil
}

func (d *enrollmentDAO) GetBySubscriber(ctx context.Context, sequenceID int64, subscriber string) (Enrollment, error) {
	var enrollment Enrollment
	err := d.db.WithContext(ctx).
		Where("sequence_id = ? AND subscriber = ?", sequenceID, subscriber).
		First(&enrollment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Enrollment{}, fmt.Errorf("%w: sequenceID=%d subscriber=%q",
				errs.ErrEnrollmentNotFound, sequenceID, subscriber)
		}
		return Enrollment{}, err
	}
	return enrollment, nil
}

// CASUpdate 乐观锁更新，版本不匹配说明有并发修改，由调用方重读后重试
func (d *enrollmentDAO) CASUpdate(ctx context.Context, data Enrollment) error {
	updates := map[string]any{
		"status":          data.Status,
		"current_step_id": data.CurrentStepID,
		"paused_at":       data.PausedAt,
		"completed_at":    data.CompletedAt,
		"cancelled_at":    data.CancelledAt,
		"version":         gorm.Expr("version + 1"),
		"utime":           time.Now().UnixMilli(),
	}
	result := d.db.WithContext(ctx).Model(&Enrollment{}).
		Where("id = ? AND version = ?", data.ID, data.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected < 1 {
		return fmt.Errorf("并发竞争失败 %w, id %d", errs.ErrEnrollmentVersionMismatch, data.ID)
	}
	return nil
}

func (d *enrollmentDAO) CreateEvent(ctx context.Context, event EnrollmentEvent) (EnrollmentEvent, error) {
	id, err0 := d.ids.NextID()
	if err0 != nil {
		return EnrollmentEvent{}, err0
	}
	event.ID = id
	event.Ctime = time.Now().UnixMilli()
	err := d.db.WithContext(ctx).Create(&event).Error
	return event, err
}

func (d *enrollmentDAO) GetEvents(ctx context.Context, enrollmentID uint64) ([]EnrollmentEvent, error) {
	var events []EnrollmentEvent
	err := d.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("occurred_at ASC").
		Find(&events).Error
	return events, err
}
