package sequence

import (
	"context"
	"fmt"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/errs"
	"gitee.com/flycash/sequence-platform/internal/repository"
	"gitee.com/flycash/sequence-platform/internal/service/timing"
)

// Service 序列定义管理：序列、版本、步骤、条件、适配器和Hook的增改
// 所有调度规则和引用在定义期校验完，运行期不再拒绝
type Service struct {
	sequences repository.SequenceRepository
	adapters  repository.AdapterRepository
	hooks     repository.HookRepository
	timing    *timing.Resolver
}

func NewService(
	sequences repository.SequenceRepository,
	adapters repository.AdapterRepository,
	hooks repository.HookRepository,
	timingResolver *timing.Resolver,
) *Service {
	return &Service{
		sequences: sequences,
		adapters:  adapters,
		hooks:     hooks,
		timing:    timingResolver,
	}
}

func (s *Service) CreateSequence(ctx context.Context, seq domain.Sequence) (domain.Sequence, error) {
	if err := seq.Validate(); err != nil {
		return domain.Sequence{}, err
	}
	return s.sequences.Create(ctx, seq)
}

func (s *Service) GetSequence(ctx context.Context, key string) (domain.Sequence, error) {
	return s.sequences.GetByKey(ctx, key)
}

// NormalizeTiming 把人写的调度描述（"every day at 9:00"、"in 3 days"、
// 原生cron）规范化成结构化规则，供步骤编辑界面回显
func (s *Service) NormalizeTiming(raw, timezone string) (domain.TimingSpec, error) {
	return s.timing.Normalize(raw, timezone)
}

// CreateVersion 创建草稿版本。步骤、调度规则、条件和各处引用全量校验
func (s *Service) CreateVersion(ctx context.Context, version domain.SequenceVersion) (domain.SequenceVersion, error) {
	if version.SequenceID <= 0 {
		return domain.SequenceVersion{}, fmt.Errorf("%w: SequenceID = %d", errs.ErrInvalidParameter, version.SequenceID)
	}
	if len(version.Steps) == 0 {
		return domain.SequenceVersion{}, fmt.Errorf("%w: 版本至少要有一个步骤", errs.ErrInvalidParameter)
	}
	seen := make(map[int]struct{}, len(version.Steps))
	for i := range version.Steps {
		step := version.Steps[i]
		if err := s.validateStep(ctx, version.SequenceID, step); err != nil {
			return domain.SequenceVersion{}, fmt.Errorf("步骤 position=%d 校验失败: %w", step.Position, err)
		}
		if _, dup := seen[step.Position]; dup {
			return domain.SequenceVersion{}, fmt.Errorf("%w: 步骤位置重复 position=%d", errs.ErrInvalidParameter, step.Position)
		}
		seen[step.Position] = struct{}{}
	}
	return s.sequences.CreateVersion(ctx, version)
}

// ActivateVersion 激活草稿。同一序列旧的激活版本自动归档，
// 进行中的报名继续走各自冻结的版本
func (s *Service) ActivateVersion(ctx context.Context, sequenceID, versionID int64) error {
	return s.sequences.ActivateVersion(ctx, sequenceID, versionID)
}

// ForkVersion 从既有版本复制一份新草稿，激活版本不可改，改动走fork
func (s *Service) ForkVersion(ctx context.Context, versionID int64) (domain.SequenceVersion, error) {
	src, err := s.sequences.GetVersion(ctx, versionID)
	if err != nil {
		return domain.SequenceVersion{}, err
	}
	draft := domain.SequenceVersion{
		SequenceID: src.SequenceID,
		Steps:      make([]domain.Step, 0, len(src.Steps)),
	}
	for i := range src.Steps {
		step := src.Steps[i]
		step.ID = 0
		step.VersionID = 0
		for j := range step.Conditions {
			step.Conditions[j].ID = 0
			step.Conditions[j].StepID = 0
		}
		draft.Steps = append(draft.Steps, step)
	}
	return s.sequences.CreateVersion(ctx, draft)
}

func (s *Service) GetVersion(ctx context.Context, versionID int64) (domain.SequenceVersion, error) {
	return s.sequences.GetVersion(ctx, versionID)
}

func (s *Service) GetActiveVersion(ctx context.Context, sequenceID int64) (domain.SequenceVersion, error) {
	return s.sequences.GetActiveVersion(ctx, sequenceID)
}

// RegisterAdapter 登记渠道适配器。credentialRef 是凭证库里的引用，
// 核心只存引用不存凭证
func (s *Service) RegisterAdapter(ctx context.Context, adapter domain.ChannelAdapter, credentialRef string) (domain.ChannelAdapter, error) {
	if err := adapter.Validate(); err != nil {
		return domain.ChannelAdapter{}, err
	}
	if credentialRef == "" {
		return domain.ChannelAdapter{}, fmt.Errorf("%w: credentialRef 不能为空", errs.ErrInvalidParameter)
	}
	return s.adapters.Create(ctx, adapter, credentialRef)
}

// CreateRotationPolicy 创建轮换策略，候选适配器必须同渠道且存在
func (s *Service) CreateRotationPolicy(ctx context.Context, policy domain.RotationPolicy) (domain.RotationPolicy, error) {
	if err := policy.Validate(); err != nil {
		return domain.RotationPolicy{}, err
	}
	adapters, err := s.adapters.GetByIDs(ctx, policy.AdapterIDs)
	if err != nil {
		return domain.RotationPolicy{}, err
	}
	for _, id := range policy.AdapterIDs {
		adapter, ok := adapters[id]
		if !ok {
			return domain.RotationPolicy{}, fmt.Errorf("%w: id=%d", errs.ErrAdapterNotFound, id)
		}
		if adapter.Channel != policy.Channel {
			return domain.RotationPolicy{}, fmt.Errorf("%w: 适配器 %d 渠道是 %s, 策略渠道是 %s",
				errs.ErrInvalidParameter, id, adapter.Channel, policy.Channel)
		}
	}
	return s.adapters.CreatePolicy(ctx, policy)
}

// CreateHook 登记远程Hook定义
func (s *Service) CreateHook(ctx context.Context, hook domain.HTTPHook) (domain.HTTPHook, error) {
	if err := hook.Validate(); err != nil {
		return domain.HTTPHook{}, err
	}
	return s.hooks.Create(ctx, hook)
}

// validateStep 定义期全量校验：渠道、调度规则、条件和引用
func (s *Service) validateStep(ctx context.Context, sequenceID int64, step domain.Step) error {
	if err := step.Validate(); err != nil {
		return err
	}
	if err := s.timing.Validate(step.Timing); err != nil {
		return err
	}
	if step.AdapterID != 0 {
		adapter, err := s.adapters.GetByID(ctx, step.AdapterID)
		if err != nil {
			return err
		}
		if adapter.Channel != step.Channel {
			return fmt.Errorf("%w: 适配器 %d 渠道是 %s, 步骤渠道是 %s",
				errs.ErrInvalidParameter, step.AdapterID, adapter.Channel, step.Channel)
		}
	}
	if step.RotationPolicyID != 0 {
		policy, err := s.adapters.GetPolicy(ctx, step.RotationPolicyID)
		if err != nil {
			return err
		}
		if policy.Channel != step.Channel {
			return fmt.Errorf("%w: 轮换策略 %d 渠道是 %s, 步骤渠道是 %s",
				errs.ErrInvalidParameter, step.RotationPolicyID, policy.Channel, step.Channel)
		}
	}
	for i := range step.Conditions {
		cond := step.Conditions[i]
		if cond.Source != domain.ConditionSourceRemoteHook {
			continue
		}
		if _, err := s.hooks.GetByName(ctx, sequenceID, cond.HookName); err != nil {
			return err
		}
	}
	return nil
}
