package condition

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHookResolver struct {
	localCalls  map[string]int
	remoteCalls map[string]int
	values      map[string]any
	errors      map[string]error
}

func newFakeHookResolver() *fakeHookResolver {
	return &fakeHookResolver{
		localCalls:  make(map[string]int),
		remoteCalls: make(map[string]int),
		values:      make(map[string]any),
		errors:      make(map[string]error),
	}
}

func (f *fakeHookResolver) ResolveLocal(_ context.Context, _, name string, _ domain.Enrollment) (any, error) {
	f.localCalls[name]++
	if err, ok := f.errors[name]; ok {
		return nil, err
	}
	return f.values[name], nil
}

func (f *fakeHookResolver) ResolveRemote(_ context.Context, hook domain.HTTPHook, _ map[string]any) (any, error) {
	f.remoteCalls[hook.Name]++
	if err, ok := f.errors[hook.Name]; ok {
		return nil, err
	}
	return f.values[hook.Name], nil
}

func (f *fakeHookResolver) Test(_ context.Context, _ int64, _ map[string]any) (any, error) {
	return nil, nil
}

type fakeHookRepo struct {
	hooks map[string]domain.HTTPHook
}

func (f *fakeHookRepo) Create(_ context.Context, hook domain.HTTPHook) (domain.HTTPHook, error) {
	return hook, nil
}

func (f *fakeHookRepo) GetByID(_ context.Context, _ int64) (domain.HTTPHook, error) {
	return domain.HTTPHook{}, errs.ErrHookNotFound
}

func (f *fakeHookRepo) GetByName(_ context.Context, _ int64, name string) (domain.HTTPHook, error) {
	hook, ok := f.hooks[name]
	if !ok {
		return domain.HTTPHook{}, fmt.Errorf("%w: %s", errs.ErrHookNotFound, name)
	}
	return hook, nil
}

func (f *fakeHookRepo) RecordTestResult(_ context.Context, _ int64, _ string, _ int64) error {
	return nil
}

func newEvalContext(data map[string]any) *EvalContext {
	return NewEvalContext(domain.Enrollment{
		ID:        1,
		Status:    domain.EnrollmentStatusActive,
		StartedAt: time.Now().Add(-time.Hour).UnixMilli(),
		Data:      data,
	}, 1, "billing", time.Now())
}

func TestEvaluateDataField(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		cond domain.Condition
		data map[string]any
		want bool
	}{
		{
			name: "string equality",
			cond: domain.Condition{Source: domain.ConditionSourceDataField, FieldPath: "plan", Operator: domain.OperatorEquals, Expected: "pro"},
			data: map[string]any{"plan": "pro"},
			want: true,
		},
		{
			name: "nested path",
			cond: domain.Condition{Source: domain.ConditionSourceDataField, FieldPath: "subscription.tier", Operator: domain.OperatorEquals, Expected: "gold"},
			data: map[string]any{"subscription": map[string]any{"tier": "gold"}},
			want: true,
		},
		{
			name: "numeric compare across json types",
			// JSON反序列化后数字是float64，期望值写的是int，也要能比
			cond: domain.Condition{Source: domain.ConditionSourceDataField, FieldPath: "loginCount", Operator: domain.OperatorGreater, Expected: 5},
			data: map[string]any{"loginCount": float64(12)},
			want: true,
		},
		{
			name: "numeric coercion failure is false not crash",
			cond: domain.Condition{Source: domain.ConditionSourceDataField, FieldPath: "plan", Operator: domain.OperatorGreater, Expected: 5},
			data: map[string]any{"plan": "pro"},
			want: false,
		},
		{
			name: "missing field is false",
			cond: domain.Condition{Source: domain.ConditionSourceDataField, FieldPath: "ghost", Operator: domain.OperatorEquals, Expected: "x"},
			data: map[string]any{},
			want: false,
		},
		{
			name: "in membership",
			cond: domain.Condition{Source: domain.ConditionSourceDataField, FieldPath: "plan", Operator: domain.OperatorIn, Expected: []any{"pro", "enterprise"}},
			data: map[string]any{"plan": "enterprise"},
			want: true,
		},
		{
			name: "contains substring",
			cond: domain.Condition{Source: domain.ConditionSourceDataField, FieldPath: "email", Operator: domain.OperatorContains, Expected: "@corp."},
			data: map[string]any{"email": "dev@corp.example"},
			want: true,
		},
		{
			name: "not equals",
			cond: domain.Condition{Source: domain.ConditionSourceDataField, FieldPath: "plan", Operator: domain.OperatorNotEquals, Expected: "free"},
			data: map[string]any{"plan": "pro"},
			want: true,
		},
		{
			name: "equality across json numeric types",
			cond: domain.Condition{Source: domain.ConditionSourceDataField, FieldPath: "loginCount", Operator: domain.OperatorEquals, Expected: 5},
			data: map[string]any{"loginCount": float64(5)},
			want: true,
		},
		{
			name: "string number does not equal number",
			// 相等是结构比较，字符串不做数值强转
			cond: domain.Condition{Source: domain.ConditionSourceDataField, FieldPath: "loginCount", Operator: domain.OperatorEquals, Expected: 5},
			data: map[string]any{"loginCount": "5"},
			want: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			evaluator := NewEvaluator(newFakeHookResolver(), &fakeHookRepo{})
			passed, _ := evaluator.Evaluate(t.Context(), []domain.Condition{tc.cond}, newEvalContext(tc.data))
			assert.Equal(t, tc.want, passed)
		})
	}
}

func TestEvaluateTimeWindow(t *testing.T) {
	t.Parallel()

	evaluator := NewEvaluator(newFakeHookResolver(), &fakeHookRepo{})
	// 报名于一小时前，时长 3600 秒上下
	passed, _ := evaluator.Evaluate(t.Context(), []domain.Condition{
		{Source: domain.ConditionSourceTimeWindow, Operator: domain.OperatorGreaterEqual, Expected: 3000},
	}, newEvalContext(nil))
	assert.True(t, passed)

	passed, _ = evaluator.Evaluate(t.Context(), []domain.Condition{
		{Source: domain.ConditionSourceTimeWindow, Operator: domain.OperatorLess, Expected: 60},
	}, newEvalContext(nil))
	assert.False(t, passed)
}

func TestEvaluateShortCircuit(t *testing.T) {
	t.Parallel()

	hooks := newFakeHookResolver()
	hooks.values["is_vip"] = true
	evaluator := NewEvaluator(hooks, &fakeHookRepo{})

	conditions := []domain.Condition{
		// 第一个条件不通过
		{Source: domain.ConditionSourceDataField, FieldPath: "plan", Operator: domain.OperatorEquals, Expected: "pro"},
		// 第二个条件的Hook不应被调用
		{Source: domain.ConditionSourceLocalHook, HookName: "is_vip", Operator: domain.OperatorEquals, Expected: true},
	}
	passed, reason := evaluator.Evaluate(t.Context(), conditions, newEvalContext(map[string]any{"plan": "free"}))
	assert.False(t, passed)
	assert.NotEmpty(t, reason)
	assert.Zero(t, hooks.localCalls["is_vip"])
}

func TestEvaluateHookMemoization(t *testing.T) {
	t.Parallel()

	hooks := newFakeHookResolver()
	hooks.values["open_rate"] = float64(0.42)
	evaluator := NewEvaluator(hooks, &fakeHookRepo{})

	// 两个条件引用同一个Hook，同一次求值只调用一次
	conditions := []domain.Condition{
		{Source: domain.ConditionSourceLocalHook, HookName: "open_rate", Operator: domain.OperatorGreater, Expected: 0.1},
		{Source: domain.ConditionSourceLocalHook, HookName: "open_rate", Operator: domain.OperatorLess, Expected: 0.5},
	}
	passed, _ := evaluator.Evaluate(t.Context(), conditions, newEvalContext(nil))
	assert.True(t, passed)
	assert.Equal(t, 1, hooks.localCalls["open_rate"])
}

func TestEvaluateUnresolvedHookIsFalse(t *testing.T) {
	t.Parallel()

	hooks := newFakeHookResolver()
	hooks.errors["flaky"] = fmt.Errorf("%w: 超时", errs.ErrHookUnresolved)
	evaluator := NewEvaluator(hooks, &fakeHookRepo{})

	passed, reason := evaluator.Evaluate(t.Context(), []domain.Condition{
		{Source: domain.ConditionSourceLocalHook, HookName: "flaky", Operator: domain.OperatorEquals, Expected: true},
	}, newEvalContext(nil))
	assert.False(t, passed)
	assert.NotEmpty(t, reason)
}

func TestEvaluateHookResolvedToNull(t *testing.T) {
	t.Parallel()

	// Hook合法地解析出null和解析失败是两回事：
	// 前者照常参与比较，等于null的条件要能通过
	hooks := newFakeHookResolver()
	hooks.values["churn_reason"] = nil
	evaluator := NewEvaluator(hooks, &fakeHookRepo{})

	passed, _ := evaluator.Evaluate(t.Context(), []domain.Condition{
		{Source: domain.ConditionSourceLocalHook, HookName: "churn_reason", Operator: domain.OperatorEquals, Expected: nil},
	}, newEvalContext(nil))
	assert.True(t, passed)
	assert.Equal(t, 1, hooks.localCalls["churn_reason"])

	// 解析失败的Hook仍按不通过处理，即便期望值也是null
	hooks2 := newFakeHookResolver()
	hooks2.errors["churn_reason"] = fmt.Errorf("%w: 超时", errs.ErrHookUnresolved)
	evaluator2 := NewEvaluator(hooks2, &fakeHookRepo{})

	passed, _ = evaluator2.Evaluate(t.Context(), []domain.Condition{
		{Source: domain.ConditionSourceLocalHook, HookName: "churn_reason", Operator: domain.OperatorEquals, Expected: nil},
	}, newEvalContext(nil))
	assert.False(t, passed)
}

func TestEvaluateRemoteHook(t *testing.T) {
	t.Parallel()

	hooks := newFakeHookResolver()
	hooks.values["credit_score"] = float64(720)
	repo := &fakeHookRepo{hooks: map[string]domain.HTTPHook{
		"credit_score": {ID: 7, Name: "credit_score"},
	}}
	evaluator := NewEvaluator(hooks, repo)

	passed, _ := evaluator.Evaluate(t.Context(), []domain.Condition{
		{Source: domain.ConditionSourceRemoteHook, HookName: "credit_score", Operator: domain.OperatorGreaterEqual, Expected: 700},
	}, newEvalContext(nil))
	require.True(t, passed)
	assert.Equal(t, 1, hooks.remoteCalls["credit_score"])

	// Hook定义不存在时条件为假而不是报错
	passed, _ = evaluator.Evaluate(t.Context(), []domain.Condition{
		{Source: domain.ConditionSourceRemoteHook, HookName: "missing", Operator: domain.OperatorEquals, Expected: 1},
	}, newEvalContext(nil))
	assert.False(t, passed)
}

func TestEvaluateEmptyConditionsPass(t *testing.T) {
	t.Parallel()

	evaluator := NewEvaluator(newFakeHookResolver(), &fakeHookRepo{})
	passed, reason := evaluator.Evaluate(t.Context(), nil, newEvalContext(nil))
	assert.True(t, passed)
	assert.Empty(t, reason)
}
