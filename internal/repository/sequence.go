package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"gitee.com/flycash/sequence-platform/internal/domain"
	pkgdao "gitee.com/flycash/sequence-platform/internal/pkg/dao"
	"gitee.com/flycash/sequence-platform/internal/repository/cache"
	"gitee.com/flycash/sequence-platform/internal/repository/dao"

	"github.com/ecodeclub/ekit/slice"
	"github.com/gotomicro/ego/core/elog"
	"github.com/pkg/errors"
)

// SequenceRepository 序列定义仓储接口
type SequenceRepository interface {
	Create(ctx context.Context, seq domain.Sequence) (domain.Sequence, error)
	GetByKey(ctx context.Context, key string) (domain.Sequence, error)
	GetByID(ctx context.Context, id int64) (domain.Sequence, error)

	// CreateVersion 创建草稿版本及其步骤、条件，条件通过步骤position关联
	CreateVersion(ctx context.Context, version domain.SequenceVersion) (domain.SequenceVersion, error)
	ActivateVersion(ctx context.Context, sequenceID, versionID int64) error
	// GetVersion 带步骤和条件的完整版本，读路径走 本地缓存 → redis → db
	GetVersion(ctx context.Context, versionID int64) (domain.SequenceVersion, error)
	GetActiveVersion(ctx context.Context, sequenceID int64) (domain.SequenceVersion, error)
	GetStep(ctx context.Context, stepID int64) (domain.Step, error)
}

type sequenceRepository struct {
	dao        dao.SequenceDAO
	localCache cache.VersionCache
	redisCache cache.VersionCache
	logger     *elog.Component
}

func NewSequenceRepository(d dao.SequenceDAO, localCache, redisCache cache.VersionCache) SequenceRepository {
	return &sequenceRepository{
		dao:        d,
		localCache: localCache,
		redisCache: redisCache,
		logger:     elog.DefaultLogger,
	}
}

func (r *sequenceRepository) Create(ctx context.Context, seq domain.Sequence) (domain.Sequence, error) {
	created, err := r.dao.Create(ctx, dao.Sequence{
		Key:        seq.Key,
		Name:       seq.Name,
		HookModule: seq.HookModule,
	})
	if err != nil {
		return domain.Sequence{}, err
	}
	return r.toSequenceDomain(created), nil
}

func (r *sequenceRepository) GetByKey(ctx context.Context, key string) (domain.Sequence, error) {
	seq, err := r.dao.GetByKey(ctx, key)
	if err != nil {
		return domain.Sequence{}, err
	}
	return r.toSequenceDomain(seq), nil
}

func (r *sequenceRepository) GetByID(ctx context.Context, id int64) (domain.Sequence, error) {
	seq, err := r.dao.GetByID(ctx, id)
	if err != nil {
		return domain.Sequence{}, err
	}
	return r.toSequenceDomain(seq), nil
}

func (r *sequenceRepository) CreateVersion(ctx context.Context, version domain.SequenceVersion) (domain.SequenceVersion, error) {
	steps := make([]dao.SequenceStep, 0, len(version.Steps))
	var conditions []dao.StepCondition
	for i := range version.Steps {
		st := version.Steps[i]
		entity, err := r.toStepEntity(st)
		if err != nil {
			return domain.SequenceVersion{}, err
		}
		steps = append(steps, entity)
		for j := range st.Conditions {
			cond, err := r.toConditionEntity(st.Conditions[j])
			if err != nil {
				return domain.SequenceVersion{}, err
			}
			// DAO 层通过 StepID 字段携带步骤position，落库时再换成真实ID
			cond.StepID = int64(st.Position)
			conditions = append(conditions, cond)
		}
	}

	created, err := r.dao.CreateVersion(ctx, dao.SequenceVersion{
		SequenceID: version.SequenceID,
		Number:     version.Number,
		Status:     domain.VersionStatusDraft.String(),
	}, steps, conditions)
	if err != nil {
		return domain.SequenceVersion{}, err
	}
	return r.GetVersion(ctx, created.ID)
}

func (r *sequenceRepository) ActivateVersion(ctx context.Context, sequenceID, versionID int64) error {
	return r.dao.ActivateVersion(ctx, sequenceID, versionID)
}

func (r *sequenceRepository) GetVersion(ctx context.Context, versionID int64) (domain.SequenceVersion, error) {
	if version, err := r.localCache.Get(ctx, versionID); err == nil {
		return version, nil
	}
	if version, err := r.redisCache.Get(ctx, versionID); err == nil {
		if err1 := r.localCache.Set(ctx, version); err1 != nil {
			r.logger.Warn("回填本地缓存失败", elog.FieldErr(err1))
		}
		return version, nil
	} else if !errors.Is(err, cache.ErrKeyNotFound) {
		r.logger.Warn("读取redis版本缓存失败", elog.FieldErr(err))
	}

	version, err := r.loadVersion(ctx, versionID)
	if err != nil {
		return domain.SequenceVersion{}, err
	}
	// 只缓存激活后的版本，草稿还会变
	if version.Status != domain.VersionStatusDraft {
		if err1 := r.redisCache.Set(ctx, version); err1 != nil {
			r.logger.Warn("写入redis版本缓存失败", elog.FieldErr(err1))
		}
		if err1 := r.localCache.Set(ctx, version); err1 != nil {
			r.logger.Warn("写入本地版本缓存失败", elog.FieldErr(err1))
		}
	}
	return version, nil
}

func (r *sequenceRepository) GetActiveVersion(ctx context.Context, sequenceID int64) (domain.SequenceVersion, error) {
	version, err := r.dao.GetActiveVersion(ctx, sequenceID)
	if err != nil {
		return domain.SequenceVersion{}, err
	}
	return r.GetVersion(ctx, version.ID)
}

func (r *sequenceRepository) GetStep(ctx context.Context, stepID int64) (domain.Step, error) {
	entity, err := r.dao.GetStep(ctx, stepID)
	if err != nil {
		return domain.Step{}, err
	}
	step, err := r.toStepDomain(entity)
	if err != nil {
		return domain.Step{}, err
	}
	conditions, err := r.dao.GetConditions(ctx, []int64{stepID})
	if err != nil {
		return domain.Step{}, err
	}
	step.Conditions, err = r.toConditionDomains(conditions)
	return step, err
}

func (r *sequenceRepository) loadVersion(ctx context.Context, versionID int64) (domain.SequenceVersion, error) {
	entity, err := r.dao.GetVersion(ctx, versionID)
	if err != nil {
		return domain.SequenceVersion{}, err
	}
	stepEntities, err := r.dao.GetSteps(ctx, versionID)
	if err != nil {
		return domain.SequenceVersion{}, err
	}
	stepIDs := slice.Map(stepEntities, func(_ int, src dao.SequenceStep) int64 {
		return src.ID
	})
	condEntities, err := r.dao.GetConditions(ctx, stepIDs)
	if err != nil {
		return domain.SequenceVersion{}, err
	}
	condsByStep := make(map[int64][]domain.Condition, len(stepEntities))
	for i := range condEntities {
		cond, err1 := r.toConditionDomain(condEntities[i])
		if err1 != nil {
			return domain.SequenceVersion{}, err1
		}
		condsByStep[cond.StepID] = append(condsByStep[cond.StepID], cond)
	}

	steps := make([]domain.Step, 0, len(stepEntities))
	for i := range stepEntities {
		step, err1 := r.toStepDomain(stepEntities[i])
		if err1 != nil {
			return domain.SequenceVersion{}, err1
		}
		step.Conditions = condsByStep[step.ID]
		steps = append(steps, step)
	}

	return domain.SequenceVersion{
		ID:         entity.ID,
		SequenceID: entity.SequenceID,
		Number:     entity.Number,
		Status:     domain.VersionStatus(entity.Status),
		Steps:      steps,
	}, nil
}

func (r *sequenceRepository) toSequenceDomain(entity dao.Sequence) domain.Sequence {
	return domain.Sequence{
		ID:         entity.ID,
		Key:        entity.Key,
		Name:       entity.Name,
		HookModule: entity.HookModule,
		Ctime:      entity.Ctime,
		Utime:      entity.Utime,
	}
}

func (r *sequenceRepository) toStepEntity(step domain.Step) (dao.SequenceStep, error) {
	timing, err := json.Marshal(step.Timing)
	if err != nil {
		return dao.SequenceStep{}, fmt.Errorf("序列化调度规则失败: %w", err)
	}
	template, err := json.Marshal(step.Template)
	if err != nil {
		return dao.SequenceStep{}, fmt.Errorf("序列化模板引用失败: %w", err)
	}
	config, err := pkgdao.MarshalMap(step.Config)
	if err != nil {
		return dao.SequenceStep{}, err
	}
	return dao.SequenceStep{
		ID:               step.ID,
		VersionID:        step.VersionID,
		Position:         step.Position,
		Channel:          step.Channel.String(),
		Timing:           pkgdao.JSON(timing),
		Template:         pkgdao.JSON(template),
		AdapterID:        step.AdapterID,
		RotationPolicyID: step.RotationPolicyID,
		Config:           config,
	}, nil
}

func (r *sequenceRepository) toStepDomain(entity dao.SequenceStep) (domain.Step, error) {
	var timing domain.TimingSpec
	if err := json.Unmarshal(entity.Timing, &timing); err != nil {
		return domain.Step{}, fmt.Errorf("反序列化调度规则失败: %w", err)
	}
	var template domain.TemplateRef
	if err := json.Unmarshal(entity.Template, &template); err != nil {
		return domain.Step{}, fmt.Errorf("反序列化模板引用失败: %w", err)
	}
	config, err := pkgdao.UnmarshalMap[map[string]string](entity.Config)
	if err != nil {
		return domain.Step{}, err
	}
	return domain.Step{
		ID:               entity.ID,
		VersionID:        entity.VersionID,
		Position:         entity.Position,
		Channel:          domain.Channel(entity.Channel),
		Timing:           timing,
		Template:         template,
		AdapterID:        entity.AdapterID,
		RotationPolicyID: entity.RotationPolicyID,
		Config:           config,
	}, nil
}

func (r *sequenceRepository) toConditionEntity(cond domain.Condition) (dao.StepCondition, error) {
	expected, err := json.Marshal(cond.Expected)
	if err != nil {
		return dao.StepCondition{}, fmt.Errorf("序列化条件期望值失败: %w", err)
	}
	return dao.StepCondition{
		ID:        cond.ID,
		StepID:    cond.StepID,
		Source:    string(cond.Source),
		HookName:  cond.HookName,
		FieldPath: cond.FieldPath,
		Operator:  string(cond.Operator),
		Expected:  pkgdao.JSON(expected),
	}, nil
}

func (r *sequenceRepository) toConditionDomain(entity dao.StepCondition) (domain.Condition, error) {
	var expected any
	if len(entity.Expected) > 0 {
		if err := json.Unmarshal(entity.Expected, &expected); err != nil {
			return domain.Condition{}, fmt.Errorf("反序列化条件期望值失败: %w", err)
		}
	}
	return domain.Condition{
		ID:        entity.ID,
		StepID:    entity.StepID,
		Source:    domain.ConditionSource(entity.Source),
		HookName:  entity.HookName,
		FieldPath: entity.FieldPath,
		Operator:  domain.ConditionOperator(entity.Operator),
		Expected:  expected,
	}, nil
}

func (r *sequenceRepository) toConditionDomains(entities []dao.StepCondition) ([]domain.Condition, error) {
	res := make([]domain.Condition, 0, len(entities))
	for i := range entities {
		cond, err := r.toConditionDomain(entities[i])
		if err != nil {
			return nil, err
		}
		res = append(res, cond)
	}
	return res, nil
}
