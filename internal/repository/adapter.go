package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"gitee.com/flycash/sequence-platform/internal/domain"
	pkgdao "gitee.com/flycash/sequence-platform/internal/pkg/dao"
	"gitee.com/flycash/sequence-platform/internal/repository/dao"
)

// CredentialStore 凭证库能力：按引用ID取回解密后的凭证映射
// 核心不落库、不打日志原始凭证
type CredentialStore interface {
	Load(ctx context.Context, ref string) (map[string]string, error)
}

// AdapterRepository 渠道适配器仓储接口
type AdapterRepository interface {
	Create(ctx context.Context, adapter domain.ChannelAdapter, credentialRef string) (domain.ChannelAdapter, error)
	// GetByID 返回的适配器已填充解密凭证
	GetByID(ctx context.Context, id int64) (domain.ChannelAdapter, error)
	GetByIDs(ctx context.Context, ids []int64) (map[int64]domain.ChannelAdapter, error)
	GetDefault(ctx context.Context, channel domain.Channel) (domain.ChannelAdapter, error)

	CreatePolicy(ctx context.Context, policy domain.RotationPolicy) (domain.RotationPolicy, error)
	GetPolicy(ctx context.Context, id int64) (domain.RotationPolicy, error)
	AdvanceCursor(ctx context.Context, policyID, fromCursor int64) (bool, error)
}

type adapterRepository struct {
	dao   dao.AdapterDAO
	creds CredentialStore
}

func NewAdapterRepository(d dao.AdapterDAO, creds CredentialStore) AdapterRepository {
	return &adapterRepository{dao: d, creds: creds}
}

func (r *adapterRepository) Create(ctx context.Context, adapter domain.ChannelAdapter, credentialRef string) (domain.ChannelAdapter, error) {
	config, err := pkgdao.MarshalMap(adapter.Config)
	if err != nil {
		return domain.ChannelAdapter{}, err
	}
	created, err := r.dao.Create(ctx, dao.ChannelAdapter{
		Name:          adapter.Name,
		Channel:       adapter.Channel.String(),
		Provider:      adapter.Provider,
		CredentialRef: credentialRef,
		Config:        config,
		Weight:        adapter.Weight,
		IsDefault:     adapter.IsDefault,
		Enabled:       adapter.Enabled,
	})
	if err != nil {
		return domain.ChannelAdapter{}, err
	}
	return r.toDomain(ctx, created)
}

func (r *adapterRepository) GetByID(ctx context.Context, id int64) (domain.ChannelAdapter, error) {
	entity, err := r.dao.GetByID(ctx, id)
	if err != nil {
		return domain.ChannelAdapter{}, err
	}
	return r.toDomain(ctx, entity)
}

func (r *adapterRepository) GetByIDs(ctx context.Context, ids []int64) (map[int64]domain.ChannelAdapter, error) {
	entities, err := r.dao.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	res := make(map[int64]domain.ChannelAdapter, len(entities))
	for id := range entities {
		adapter, err1 := r.toDomain(ctx, entities[id])
		if err1 != nil {
			return nil, err1
		}
		res[id] = adapter
	}
	return res, nil
}

func (r *adapterRepository) GetDefault(ctx context.Context, channel domain.Channel) (domain.ChannelAdapter, error) {
	entity, err := r.dao.GetDefault(ctx, channel.String())
	if err != nil {
		return domain.ChannelAdapter{}, err
	}
	return r.toDomain(ctx, entity)
}

func (r *adapterRepository) CreatePolicy(ctx context.Context, policy domain.RotationPolicy) (domain.RotationPolicy, error) {
	ids, err := json.Marshal(policy.AdapterIDs)
	if err != nil {
		return domain.RotationPolicy{}, fmt.Errorf("序列化适配器ID列表失败: %w", err)
	}
	created, err := r.dao.CreatePolicy(ctx, dao.RotationPolicy{
		Name:       policy.Name,
		Channel:    policy.Channel.String(),
		Strategy:   string(policy.Strategy),
		AdapterIDs: pkgdao.JSON(ids),
	})
	if err != nil {
		return domain.RotationPolicy{}, err
	}
	return r.toPolicyDomain(created)
}

func (r *adapterRepository) GetPolicy(ctx context.Context, id int64) (domain.RotationPolicy, error) {
	entity, err := r.dao.GetPolicy(ctx, id)
	if err != nil {
		return domain.RotationPolicy{}, err
	}
	return r.toPolicyDomain(entity)
}

func (r *adapterRepository) AdvanceCursor(ctx context.Context, policyID, fromCursor int64) (bool, error) {
	return r.dao.AdvanceCursor(ctx, policyID, fromCursor)
}

func (r *adapterRepository) toDomain(ctx context.Context, entity dao.ChannelAdapter) (domain.ChannelAdapter, error) {
	config, err := pkgdao.UnmarshalMap[map[string]string](entity.Config)
	if err != nil {
		return domain.ChannelAdapter{}, err
	}
	credentials, err := r.creds.Load(ctx, entity.CredentialRef)
	if err != nil {
		return domain.ChannelAdapter{}, fmt.Errorf("读取适配器凭证失败: adapterID=%d: %w", entity.ID, err)
	}
	return domain.ChannelAdapter{
		ID:          entity.ID,
		Name:        entity.Name,
		Channel:     domain.Channel(entity.Channel),
		Provider:    entity.Provider,
		Credentials: credentials,
		Config:      config,
		Weight:      entity.Weight,
		IsDefault:   entity.IsDefault,
		Enabled:     entity.Enabled,
		Ctime:       entity.Ctime,
		Utime:       entity.Utime,
	}, nil
}

func (r *adapterRepository) toPolicyDomain(entity dao.RotationPolicy) (domain.RotationPolicy, error) {
	var ids []int64
	if len(entity.AdapterIDs) > 0 {
		if err := json.Unmarshal(entity.AdapterIDs, &ids); err != nil {
			return domain.RotationPolicy{}, fmt.Errorf("反序列化适配器ID列表失败: %w", err)
		}
	}
	return domain.RotationPolicy{
		ID:         entity.ID,
		Name:       entity.Name,
		Channel:    domain.Channel(entity.Channel),
		Strategy:   domain.RotationStrategy(entity.Strategy),
		AdapterIDs: ids,
		Cursor:     entity.Cursor,
	}, nil
}
