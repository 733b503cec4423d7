package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitee.com/flycash/sequence-platform/internal/errs"
	pkgdao "gitee.com/flycash/sequence-platform/internal/pkg/dao"

	"github.com/ego-component/egorm"
	"gorm.io/gorm"
)

type HookDAO interface {
	Create(ctx context.Context, hook HTTPHook) (HTTPHook, error)
	GetByID(ctx context.Context, id int64) (HTTPHook, error)
	// GetByName 序列范围内按名称取Hook定义
	GetByName(ctx context.Context, sequenceID int64, name string) (HTTPHook, error)
	// RecordTestResult 落库最近一次手工测试结果
	RecordTestResult(ctx context.Context, id int64, result string, testedAt int64) error
}

// HTTPHook 远程Hook定义表，(sequence_id, name) 唯一
type HTTPHook struct {
	ID           int64      `gorm:"primaryKey;autoIncrement"`
	SequenceID   int64      `gorm:"type:BIGINT;NOT NULL;uniqueIndex:idx_sequence_name,priority:1"`
	Name         string     `gorm:"type:VARCHAR(256);NOT NULL;uniqueIndex:idx_sequence_name,priority:2"`
	Method       string     `gorm:"type:VARCHAR(8);NOT NULL"`
	URLTemplate  string     `gorm:"type:VARCHAR(1024);NOT NULL"`
	Headers      pkgdao.JSON `gorm:"type:JSON"`
	BodyTemplate string     `gorm:"type:TEXT"`
	Auth         pkgdao.JSON `gorm:"type:JSON;comment:'鉴权描述'"`
	TimeoutMS    int64      `gorm:"type:BIGINT;NOT NULL"`
	RetryCount   int32      `gorm:"type:INT;NOT NULL;DEFAULT:0"`
	ExtractPath  string     `gorm:"type:VARCHAR(512)"`
	ResponseType string     `gorm:"type:ENUM('NUMBER','STRING','BOOLEAN','TEXT');NOT NULL"`

	LastTestAt     int64  `gorm:"comment:'最近手工测试时间'"`
	LastTestResult string `gorm:"type:TEXT;comment:'最近手工测试结果'"`

	Ctime int64
	Utime int64
}

func (HTTPHook) TableName() string {
	return "http_hooks"
}

type hookDAO struct {
	db *egorm.Component
}

func NewHookDAO(db *egorm.Component) HookDAO {
	return &hookDAO{db: db}
}

func (d *hookDAO) Create(ctx context.Context, hook HTTPHook) (HTTPHook, error) {
	now := time.Now().UnixMilli()
	hook.Ctime, hook.Utime = now, now
	err := d.db.WithContext(ctx).Create(&hook).Error
	if err != nil {
		if isUniqueConstraintError(err) {
			return HTTPHook{}, fmt.Errorf("%w: Hook名称已存在 %q", errs.ErrInvalidParameter, hook.Name)
		}
		return HTTPHook{}, err
	}
	return hook, nil
}

func (d *hookDAO) GetByID(ctx context.Context, id int64) (HTTPHook, error) {
	var hook HTTPHook
	err := d.db.WithContext(ctx).First(&hook, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return HTTPHook{}, fmt.Errorf("%w: id=%d", errs.ErrHookNotFound, id)
		}
		return HTTPHook{}, err
	}
	return hook, nil
}

func (d *hookDAO) GetByName(ctx context.Context, sequenceID int64, name string) (HTTPHook, error) {
	var hook HTTPHook
	err := d.db.WithContext(ctx).
		Where("sequence_id = ? AND name = ?", sequenceID, name).
		First(&hook).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return HTTPHook{}, fmt.Errorf("%w: sequenceID=%d name=%q", errs.ErrHookNotFound, sequenceID, name)
		}
		return HTTPHook{}, err
	}
	return hook, nil
}

func (d *hookDAO) RecordTestResult(ctx context.Context, id int64, result string, testedAt int64) error {
	return d.db.WithContext(ctx).Model(&HTTPHook{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_test_at":     testedAt,
			"last_test_result": result,
			"utime":            time.Now().UnixMilli(),
		}).Error
}
