package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitee.com/flycash/sequence-platform/internal/errs"
	pkgdao "gitee.com/flycash/sequence-platform/internal/pkg/dao"

	"github.com/ego-component/egorm"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type SequenceDAO interface {
	// Create 创建序列，序列Key冲突返回 ErrInvalidParameter
	Create(ctx context.Context, seq Sequence) (Sequence, error)
	GetByKey(ctx context.Context, key string) (Sequence, error)
	GetByID(ctx context.Context, id int64) (Sequence, error)

	// CreateVersion 创建草稿版本及其步骤、条件
	CreateVersion(ctx context.Context, version SequenceVersion, steps []SequenceStep, conditions []StepCondition) (SequenceVersion, error)
	// ActivateVersion 激活版本并归档同序列其它激活版本，同一序列至多一个 ACTIVE
	ActivateVersion(ctx context.Context, sequenceID, versionID int64) error
	GetVersion(ctx context.Context, versionID int64) (SequenceVersion, error)
	GetActiveVersion(ctx context.Context, sequenceID int64) (SequenceVersion, error)

	GetSteps(ctx context.Context, versionID int64) ([]SequenceStep, error)
	GetStep(ctx context.Context, stepID int64) (SequenceStep, error)
	GetConditions(ctx context.Context, stepIDs []int64) ([]StepCondition, error)
}

// Sequence 序列表
type Sequence struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Key        string `gorm:"type:VARCHAR(256);NOT NULL;uniqueIndex:idx_sequence_key;comment:'业务内唯一标识'"`
	Name       string `gorm:"type:VARCHAR(256);NOT NULL"`
	HookModule string `gorm:"type:VARCHAR(256);comment:'本地Hook模块名'"`
	Ctime      int64
	Utime      int64
}

func (Sequence) TableName() string {
	return "sequences"
}

// SequenceVersion 序列版本表
type SequenceVersion struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	SequenceID int64  `gorm:"type:BIGINT;NOT NULL;index:idx_sequence_status,priority:1"`
	Number     int    `gorm:"type:INT;NOT NULL;comment:'版本号，序列内递增'"`
	Status     string `gorm:"type:ENUM('DRAFT','ACTIVE','ARCHIVED');NOT NULL;DEFAULT:'DRAFT';index:idx_sequence_status,priority:2"`
	Ctime      int64
	Utime      int64
}

func (SequenceVersion) TableName() string {
	return "sequence_versions"
}

// SequenceStep 版本内步骤表，(version_id, position) 唯一
type SequenceStep struct {
	ID               int64      `gorm:"primaryKey;autoIncrement"`
	VersionID        int64      `gorm:"type:BIGINT;NOT NULL;uniqueIndex:idx_version_position,priority:1"`
	Position         int        `gorm:"type:INT;NOT NULL;uniqueIndex:idx_version_position,priority:2"`
	Channel          string     `gorm:"type:ENUM('SMS','EMAIL','IN_APP');NOT NULL;comment:'投递渠道'"`
	Timing           pkgdao.JSON `gorm:"type:JSON;NOT NULL;comment:'归一化后的调度规则'"`
	Template         pkgdao.JSON `gorm:"type:JSON;NOT NULL;comment:'模板引用'"`
	AdapterID        int64      `gorm:"type:BIGINT;NOT NULL;DEFAULT:0;comment:'显式适配器，0表示未指定'"`
	RotationPolicyID int64      `gorm:"type:BIGINT;NOT NULL;DEFAULT:0"`
	Config           pkgdao.JSON `gorm:"type:JSON;comment:'渠道相关自由配置'"`
	Ctime            int64
	Utime            int64
}

func (SequenceStep) TableName() string {
	return "sequence_steps"
}

// StepCondition 步骤条件表，同一步骤内 AND 组合
type StepCondition struct {
	ID        int64      `gorm:"primaryKey;autoIncrement"`
	StepID    int64      `gorm:"type:BIGINT;NOT NULL;index:idx_step_id"`
	Source    string     `gorm:"type:ENUM('LOCAL_HOOK','REMOTE_HOOK','DATA_FIELD','TIME_WINDOW');NOT NULL"`
	HookName  string     `gorm:"type:VARCHAR(256)"`
	FieldPath string     `gorm:"type:VARCHAR(256)"`
	Operator  string     `gorm:"type:VARCHAR(16);NOT NULL"`
	Expected  pkgdao.JSON `gorm:"type:JSON;comment:'期望值，JSON编码'"`
	Ctime     int64
	Utime     int64
}

func (StepCondition) TableName() string {
	return "step_conditions"
}

type sequenceDAO struct {
	db *egorm.Component
}

func NewSequenceDAO(db *egorm.Component) SequenceDAO {
	return &sequenceDAO{db: db}
}

func (d *sequenceDAO) Create(ctx context.Context, seq Sequence) (Sequence, error) {
	now := time.Now().UnixMilli()
	seq.Ctime, seq.Utime = now, now
	err := d.db.WithContext(ctx).Create(&seq).Error
	if err != nil {
		if isUniqueConstraintError(err) {
			return Sequence{}, fmt.Errorf("%w: 序列Key已存在 %q", errs.ErrInvalidParameter, seq.Key)
		}
		return Sequence{}, err
	}
	return seq, nil
}

func (d *sequenceDAO) GetByKey(ctx context.Context, key string) (Sequence, error) {
	var seq Sequence
	err := d.db.WithContext(ctx).Where("`key` = ?", key).First(&seq).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Sequence{}, fmt.Errorf("%w: key=%q", errs.ErrSequenceNotFound, key)
		}
		return Sequence{}, err
	}
	return seq, nil
}

func (d *sequenceDAO) GetByID(ctx context.Context, id int64) (Sequence, error) {
	var seq Sequence
	err := d.db.WithContext(ctx).First(&seq, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Sequence{}, fmt.Errorf("%w: id=%d", errs.ErrSequenceNotFound, id)
		}
		return Sequence{}, err
	}
	return seq, nil
}

func (d *sequenceDAO) CreateVersion(ctx context.Context, version SequenceVersion, steps []SequenceStep, conditions []StepCondition) (SequenceVersion, error) {
	now := time.Now().UnixMilli()
	version.Ctime, version.Utime = now, now
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&version).Error; err != nil {
			return err
		}
		// 步骤按 position 建立唯一索引，这里把版本ID补齐后整体落库
		posToIdx := make(map[int]int, len(steps))
		for i := range steps {
			steps[i].VersionID = version.ID
			steps[i].Ctime, steps[i].Utime = now, now
			posToIdx[steps[i].Position] = i
		}
		if len(steps) > 0 {
			if err := tx.Create(&steps).Error; err != nil {
				if isUniqueConstraintError(err) {
					return fmt.Errorf("%w: 步骤position重复", errs.ErrInvalidParameter)
				}
				return err
			}
		}
		// 条件通过 StepID 字段携带的是 position，在这里换成落库后的步骤ID
		for i := range conditions {
			idx, ok := posToIdx[int(conditions[i].StepID)]
			if !ok {
				return fmt.Errorf("%w: 条件引用了不存在的步骤position %d", errs.ErrInvalidParameter, conditions[i].StepID)
			}
			conditions[i].StepID = steps[idx].ID
			conditions[i].Ctime, conditions[i].Utime = now, now
		}
		if len(conditions) > 0 {
			return tx.Create(&conditions).Error
		}
		return nil
	})
	return version, err
}

func (d *sequenceDAO) ActivateVersion(ctx context.Context, sequenceID, versionID int64) error {
	now := time.Now().UnixMilli()
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&SequenceVersion{}).
			Where("sequence_id = ? AND status = ?", sequenceID, "ACTIVE").
			Updates(map[string]any{"status": "ARCHIVED", "utime": now}).Error
		if err != nil {
			return err
		}
		res := tx.Model(&SequenceVersion{}).
			Where("id = ? AND sequence_id = ?", versionID, sequenceID).
			Updates(map[string]any{"status": "ACTIVE", "utime": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: id=%d", errs.ErrVersionNotFound, versionID)
		}
		return nil
	})
}

func (d *sequenceDAO) GetVersion(ctx context.Context, versionID int64) (SequenceVersion, error) {
	var version SequenceVersion
	err := d.db.WithContext(ctx).First(&version, versionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SequenceVersion{}, fmt.Errorf("%w: id=%d", errs.ErrVersionNotFound, versionID)
		}
		return SequenceVersion{}, err
	}
	return version, nil
}

func (d *sequenceDAO) GetActiveVersion(ctx context.Context, sequenceID int64) (SequenceVersion, error) {
	var version SequenceVersion
	err := d.db.WithContext(ctx).
		Where("sequence_id = ? AND status = ?", sequenceID, "ACTIVE").
		First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SequenceVersion{}, fmt.Errorf("%w: sequenceID=%d 无激活版本", errs.ErrVersionNotFound, sequenceID)
		}
		return SequenceVersion{}, err
	}
	return version, nil
}

func (d *sequenceDAO) GetSteps(ctx context.Context, versionID int64) ([]SequenceStep, error) {
	var steps []SequenceStep
	err := d.db.WithContext(ctx).
		Where("version_id = ?", versionID).
		Order("position ASC").
		Find(&steps).Error
	return steps, err
}

func (d *sequenceDAO) GetStep(ctx context.Context, stepID int64) (SequenceStep, error) {
	var step SequenceStep
	err := d.db.WithContext(ctx).First(&step, stepID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SequenceStep{}, fmt.Errorf("%w: id=%d", errs.ErrStepNotFound, stepID)
		}
		return SequenceStep{}, err
	}
	return step, nil
}

func (d *sequenceDAO) GetConditions(ctx context.Context, stepIDs []int64) ([]StepCondition, error) {
	if len(stepIDs) == 0 {
		return nil, nil
	}
	var conditions []StepCondition
	err := d.db.WithContext(ctx).
		Where("step_id IN ?", stepIDs).
		Order("id ASC").
		Find(&conditions).Error
	return conditions, err
}

// isUniqueConstraintError 检查是否是唯一索引冲突错误
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	me := new(mysql.MySQLError)
	if ok := errors.As(err, &me); ok {
		const uniqueIndexErrNo uint16 = 1062
		return me.Number == uniqueIndexErrNo
	}
	return false
}
