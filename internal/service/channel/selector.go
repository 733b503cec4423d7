package channel

import (
	"context"
	"fmt"
	"math/rand"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/errs"
	"gitee.com/flycash/sequence-platform/internal/repository"
)

const advanceCursorMaxAttempts = 3

// Selector 适配器选取：显式指定 > 轮换策略 > 渠道默认
type Selector struct {
	repo repository.AdapterRepository
}

func NewSelector(repo repository.AdapterRepository) *Selector {
	return &Selector{repo: repo}
}

// Select 为步骤选取适配器。seed 来自执行记录，重试同一次执行时加权选取可复现
func (s *Selector) Select(ctx context.Context, step domain.Step, seed int64) (domain.ChannelAdapter, error) {
	if step.AdapterID != 0 {
		adapter, err := s.repo.GetByID(ctx, step.AdapterID)
		if err != nil {
			return domain.ChannelAdapter{}, err
		}
		if !adapter.Enabled {
			return domain.ChannelAdapter{}, fmt.Errorf("%w: 指定适配器已停用 adapterID=%d", errs.ErrNoAvailableAdapter, step.AdapterID)
		}
		return adapter, nil
	}
	if step.RotationPolicyID != 0 {
		return s.selectByPolicy(ctx, step.RotationPolicyID, seed)
	}
	adapter, err := s.repo.GetDefault(ctx, step.Channel)
	if err != nil {
		return domain.ChannelAdapter{}, fmt.Errorf("%w: 渠道 %s 无默认适配器", errs.ErrNoAvailableAdapter, step.Channel)
	}
	return adapter, nil
}

func (s *Selector) selectByPolicy(ctx context.Context, policyID, seed int64) (domain.ChannelAdapter, error) {
	policy, err := s.repo.GetPolicy(ctx, policyID)
	if err != nil {
		return domain.ChannelAdapter{}, err
	}
	adapters, err := s.repo.GetByIDs(ctx, policy.AdapterIDs)
	if err != nil {
		return domain.ChannelAdapter{}, err
	}
	// 候选顺序保持策略配置顺序，停用的剔除
	candidates := make([]domain.ChannelAdapter, 0, len(policy.AdapterIDs))
	for _, id := range policy.AdapterIDs {
		if adapter, ok := adapters[id]; ok && adapter.Enabled {
			candidates = append(candidates, adapter)
		}
	}
	if len(candidates) == 0 {
		return domain.ChannelAdapter{}, fmt.Errorf("%w: 轮换策略无可用适配器 policyID=%d", errs.ErrNoAvailableAdapter, policyID)
	}

	switch policy.Strategy {
	case domain.RotationWeighted:
		return pickWeighted(candidates, seed), nil
	case domain.RotationRoundRobin:
		return s.pickRoundRobin(ctx, policy, candidates)
	default:
		return domain.ChannelAdapter{}, fmt.Errorf("%w: 未知轮换策略 %q", errs.ErrNoAvailableAdapter, policy.Strategy)
	}
}

// pickWeighted 按权重随机，种子固定则结果固定
func pickWeighted(candidates []domain.ChannelAdapter, seed int64) domain.ChannelAdapter {
	total := 0
	for i := range candidates {
		if candidates[i].Weight > 0 {
			total += candidates[i].Weight
		}
	}
	if total == 0 {
		// 全零权重退化为等权
		rnd := rand.New(rand.NewSource(seed))
		return candidates[rnd.Intn(len(candidates))]
	}
	rnd := rand.New(rand.NewSource(seed))
	n := rnd.Intn(total)
	for i := range candidates {
		if candidates[i].Weight <= 0 {
			continue
		}
		n -= candidates[i].Weight
		if n < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// pickRoundRobin 依游标顺序轮询，游标用CAS推进。并发下CAS失败就用
// 新游标重选，多次失败仍返回当前选取结果，轮询顺序允许偶发重复
func (s *Selector) pickRoundRobin(ctx context.Context, policy domain.RotationPolicy, candidates []domain.ChannelAdapter) (domain.ChannelAdapter, error) {
	cursor := policy.Cursor
	chosen := candidates[int(cursor%int64(len(candidates)))]
	for i := 0; i < advanceCursorMaxAttempts; i++ {
		ok, err := s.repo.AdvanceCursor(ctx, policy.ID, cursor)
		if err != nil {
			return domain.ChannelAdapter{}, err
		}
		if ok {
			return chosen, nil
		}
		fresh, err := s.repo.GetPolicy(ctx, policy.ID)
		if err != nil {
			return domain.ChannelAdapter{}, err
		}
		cursor = fresh.Cursor
		chosen = candidates[int(cursor%int64(len(candidates)))]
	}
	return chosen, nil
}
