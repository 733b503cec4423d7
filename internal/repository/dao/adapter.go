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

type AdapterDAO interface {
	Create(ctx context.Context, adapter ChannelAdapter) (ChannelAdapter, error)
	GetByID(ctx context.Context, id int64) (ChannelAdapter, error)
	GetByIDs(ctx context.Context, ids []int64) (map[int64]ChannelAdapter, error)
	// GetDefault 渠道的默认适配器，每渠道至多一个
	GetDefault(ctx context.Context, channel string) (ChannelAdapter, error)

	CreatePolicy(ctx context.Context, policy RotationPolicy) (RotationPolicy, error)
	GetPolicy(ctx context.Context, id int64) (RotationPolicy, error)
	// AdvanceCursor CAS推进轮询游标，并发下输者重读再试
	AdvanceCursor(ctx context.Context, policyID, fromCursor int64) (bool, error)
}

// ChannelAdapter 渠道适配器表。凭证只存外部凭证库的引用，不落原始凭证
type ChannelAdapter struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	Name          string     `gorm:"type:VARCHAR(256);NOT NULL"`
	Channel       string     `gorm:"type:ENUM('SMS','EMAIL','IN_APP');NOT NULL;uniqueIndex:idx_channel_default,priority:1"`
	Provider      string     `gorm:"type:VARCHAR(128);NOT NULL;comment:'供应商代号'"`
	CredentialRef string     `gorm:"type:VARCHAR(256);NOT NULL;comment:'凭证库引用ID'"`
	Config        pkgdao.JSON `gorm:"type:JSON"`
	Weight        int        `gorm:"type:INT;NOT NULL;DEFAULT:1"`
	// IsDefault 借助生成列实现的部分唯一约束：每个渠道至多一个默认适配器
	IsDefault  bool  `gorm:"NOT NULL;DEFAULT:0"`
	DefaultKey *bool `gorm:"uniqueIndex:idx_channel_default,priority:2;comment:'is_default为真时=1，否则NULL'"`
	Enabled    bool  `gorm:"NOT NULL;DEFAULT:1"`
	Ctime      int64
	Utime      int64
}

func (ChannelAdapter) TableName() string {
	return "channel_adapters"
}

// RotationPolicy 轮换策略表
type RotationPolicy struct {
	ID         int64      `gorm:"primaryKey;autoIncrement"`
	Name       string     `gorm:"type:VARCHAR(256);NOT NULL"`
	Channel    string     `gorm:"type:ENUM('SMS','EMAIL','IN_APP');NOT NULL"`
	Strategy   string     `gorm:"type:ENUM('WEIGHTED','ROUND_ROBIN');NOT NULL"`
	AdapterIDs pkgdao.JSON `gorm:"type:JSON;NOT NULL;comment:'候选适配器ID列表'"`
	Cursor     int64      `gorm:"type:BIGINT;NOT NULL;DEFAULT:0;comment:'轮询游标'"`
	Ctime      int64
	Utime      int64
}

func (RotationPolicy) TableName() string {
	return "rotation_policies"
}

type adapterDAO struct {
	db *egorm.Component
}

func NewAdapterDAO(db *egorm.Component) AdapterDAO {
	return &adapterDAO{db: db}
}

func (d *adapterDAO) Create(ctx context.Context, adapter ChannelAdapter) (ChannelAdapter, error) {
	now := time.Now().UnixMilli()
	adapter.Ctime, adapter.Utime = now, now
	if adapter.IsDefault {
		t := true
		adapter.DefaultKey = &t
	}
	err := d.db.WithContext(ctx).Create(&adapter).Error
	if err != nil {
		if isUniqueConstraintError(err) {
			return ChannelAdapter{}, fmt.Errorf("%w: 渠道 %s 已存在默认适配器", errs.ErrInvalidParameter, adapter.Channel)
		}
		return ChannelAdapter{}, err
	}
	return adapter, nil
}

func (d *adapterDAO) GetByID(ctx context.Context, id int64) (ChannelAdapter, error) {
	var adapter ChannelAdapter
	err := d.db.WithContext(ctx).First(&adapter, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ChannelAdapter{}, fmt.Errorf("%w: id=%d", errs.ErrAdapterNotFound, id)
		}
		return ChannelAdapter{}, err
	}
	return adapter, nil
}

func (d *adapterDAO) GetByIDs(ctx context.Context, ids []int64) (map[int64]ChannelAdapter, error) {
	var adapters []ChannelAdapter
	err := d.db.WithContext(ctx).Where("id IN ?", ids).Find(&adapters).Error
	if err != nil {
		return nil, err
	}
	res := make(map[int64]ChannelAdapter, len(adapters))
	for i := range adapters {
		res[adapters[i].ID] = adapters[i]
	}
	return res, nil
}

func (d *adapterDAO) GetDefault(ctx context.Context, channel string) (ChannelAdapter, error) {
	var adapter ChannelAdapter
	err := d.db.WithContext(ctx).
		Where("channel = ? AND is_default = ? AND enabled = ?", channel, true, true).
		First(&adapter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ChannelAdapter{}, fmt.Errorf("%w: channel=%s 无默认适配器", errs.ErrNoAvailableAdapter, channel)
		}
		return ChannelAdapter{}, err
	}
	return adapter, nil
}

func (d *adapterDAO) CreatePolicy(ctx context.Context, policy RotationPolicy) (RotationPolicy, error) {
	now := time.Now().UnixMilli()
	policy.Ctime, policy.Utime = now, now
	err := d.db.WithContext(ctx).Create(&policy).Error
	return policy, err
}

func (d *adapterDAO) GetPolicy(ctx context.Context, id int64) (RotationPolicy, error) {
	var policy RotationPolicy
	err := d.db.WithContext(ctx).First(&policy, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RotationPolicy{}, fmt.Errorf("%w: 轮换策略 id=%d", errs.ErrAdapterNotFound, id)
		}
		return RotationPolicy{}, err
	}
	return policy, nil
}

func (d *adapterDAO) AdvanceCursor(ctx context.Context, policyID, fromCursor int64) (bool, error) {
	res := d.db.WithContext(ctx).Model(&RotationPolicy{}).
		Where("id = ? AND cursor = ?", policyID, fromCursor).
		Updates(map[string]any{
			"cursor": fromCursor + 1,
			"utime":  time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
