package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"gitee.com/flycash/sequence-platform/internal/domain"
	pkgdao "gitee.com/flycash/sequence-platform/internal/pkg/dao"
	"gitee.com/flycash/sequence-platform/internal/repository/dao"
)

// HookRepository 远程Hook定义仓储接口
type HookRepository interface {
	Create(ctx context.Context, hook domain.HTTPHook) (domain.HTTPHook, error)
	GetByID(ctx context.Context, id int64) (domain.HTTPHook, error)
	GetByName(ctx context.Context, sequenceID int64, name string) (domain.HTTPHook, error)
	RecordTestResult(ctx context.Context, id int64, result string, testedAt int64) error
}

type hookRepository struct {
	dao dao.HookDAO
}

func NewHookRepository(d dao.HookDAO) HookRepository {
	return &hookRepository{dao: d}
}

func (r *hookRepository) Create(ctx context.Context, hook domain.HTTPHook) (domain.HTTPHook, error) {
	entity, err := r.toEntity(hook)
	if err != nil {
		return domain.HTTPHook{}, err
	}
	created, err := r.dao.Create(ctx, entity)
	if err != nil {
		return domain.HTTPHook{}, err
	}
	return r.toDomain(created)
}

func (r *hookRepository) GetByID(ctx context.Context, id int64) (domain.HTTPHook, error) {
	entity, err := r.dao.GetByID(ctx, id)
	if err != nil {
		return domain.HTTPHook{}, err
	}
	return r.toDomain(entity)
}

func (r *hookRepository) GetByName(ctx context.Context, sequenceID int64, name string) (domain.HTTPHook, error) {
	entity, err := r.dao.GetByName(ctx, sequenceID, name)
	if err != nil {
		return domain.HTTPHook{}, err
	}
	return r.toDomain(entity)
}

func (r *hookRepository) RecordTestResult(ctx context.Context, id int64, result string, testedAt int64) error {
	return r.dao.RecordTestResult(ctx, id, result, testedAt)
}

func (r *hookRepository) toEntity(hook domain.HTTPHook) (dao.HTTPHook, error) {
	headers, err := pkgdao.MarshalMap(hook.Headers)
	if err != nil {
		return dao.HTTPHook{}, err
	}
	auth, err := json.Marshal(hook.Auth)
	if err != nil {
		return dao.HTTPHook{}, fmt.Errorf("序列化鉴权描述失败: %w", err)
	}
	return dao.HTTPHook{
		ID:           hook.ID,
		SequenceID:   hook.SequenceID,
		Name:         hook.Name,
		Method:       hook.Method,
		URLTemplate:  hook.URLTemplate,
		Headers:      headers,
		BodyTemplate: hook.BodyTemplate,
		Auth:         pkgdao.JSON(auth),
		TimeoutMS:    hook.TimeoutMS,
		RetryCount:   hook.RetryCount,
		ExtractPath:  hook.ExtractPath,
		ResponseType: string(hook.ResponseType),
	}, nil
}

func (r *hookRepository) toDomain(entity dao.HTTPHook) (domain.HTTPHook, error) {
	headers, err := pkgdao.UnmarshalMap[map[string]string](entity.Headers)
	if err != nil {
		return domain.HTTPHook{}, err
	}
	var auth domain.HookAuth
	if len(entity.Auth) > 0 {
		if err := json.Unmarshal(entity.Auth, &auth); err != nil {
			return domain.HTTPHook{}, fmt.Errorf("反序列化鉴权描述失败: %w", err)
		}
	}
	return domain.HTTPHook{
		ID:             entity.ID,
		SequenceID:     entity.SequenceID,
		Name:           entity.Name,
		Method:         entity.Method,
		URLTemplate:    entity.URLTemplate,
		Headers:        headers,
		BodyTemplate:   entity.BodyTemplate,
		Auth:           auth,
		TimeoutMS:      entity.TimeoutMS,
		RetryCount:     entity.RetryCount,
		ExtractPath:    entity.ExtractPath,
		ResponseType:   domain.HookResponseType(entity.ResponseType),
		LastTestAt:     entity.LastTestAt,
		LastTestResult: entity.LastTestResult,
		Ctime:          entity.Ctime,
		Utime:          entity.Utime,
	}, nil
}
