package condition

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/repository"
	"gitee.com/flycash/sequence-platform/internal/service/hook"

	"github.com/gotomicro/ego/core/elog"
)

// EvalContext 一次步骤执行的求值上下文
// Hook取值按执行记忆化，同一次执行同一个Hook至多调用一次
type EvalContext struct {
	Enrollment domain.Enrollment
	SequenceID int64
	HookModule string
	Now        time.Time

	hookValues map[string]any
	hookFailed map[string]struct{}
}

func NewEvalContext(enrollment domain.Enrollment, sequenceID int64, hookModule string, now time.Time) *EvalContext {
	return &EvalContext{
		Enrollment: enrollment,
		SequenceID: sequenceID,
		HookModule: hookModule,
		Now:        now,
		hookValues: make(map[string]any),
		hookFailed: make(map[string]struct{}),
	}
}

// Evaluator 条件求值器。条件之间AND组合，第一个不通过的条件短路
// 后续Hook不再解析。未解析的Hook使所属条件为假，绝不让worker崩溃
type Evaluator struct {
	hooks    hook.Resolver
	hookRepo repository.HookRepository
	logger   *elog.Component
}

func NewEvaluator(hooks hook.Resolver, hookRepo repository.HookRepository) *Evaluator {
	return &Evaluator{
		hooks:    hooks,
		hookRepo: hookRepo,
		logger:   elog.DefaultLogger,
	}
}

// Evaluate 返回整体是否通过；不通过时带上第一个失败条件的描述
func (e *Evaluator) Evaluate(ctx context.Context, conditions []domain.Condition, ectx *EvalContext) (bool, string) {
	for i := range conditions {
		cond := conditions[i]
		passed := e.evaluateOne(ctx, cond, ectx)
		if !passed {
			return false, fmt.Sprintf("条件不通过: source=%s operator=%s expected=%v",
				cond.Source, cond.Operator, cond.Expected)
		}
	}
	return true, ""
}

func (e *Evaluator) evaluateOne(ctx context.Context, cond domain.Condition, ectx *EvalContext) bool {
	actual, ok := e.resolveActual(ctx, cond, ectx)
	if !ok {
		return false
	}
	return compare(actual, cond.Operator, cond.Expected)
}

func (e *Evaluator) resolveActual(ctx context.Context, cond domain.Condition, ectx *EvalContext) (any, bool) {
	switch cond.Source {
	case domain.ConditionSourceDataField:
		return ectx.Enrollment.DataField(cond.FieldPath)
	case domain.ConditionSourceTimeWindow:
		// 报名时长（秒）
		age := ectx.Now.UnixMilli() - ectx.Enrollment.StartedAt
		return float64(age) / 1000, true
	case domain.ConditionSourceLocalHook:
		return e.memoized(ectx, "local:"+cond.HookName, func() (any, error) {
			return e.hooks.ResolveLocal(ctx, ectx.HookModule, cond.HookName, ectx.Enrollment)
		})
	case domain.ConditionSourceRemoteHook:
		return e.memoized(ectx, "remote:"+cond.HookName, func() (any, error) {
			def, err := e.hookRepo.GetByName(ctx, ectx.SequenceID, cond.HookName)
			if err != nil {
				return nil, err
			}
			return e.hooks.ResolveRemote(ctx, def, ectx.Enrollment.Data)
		})
	default:
		return nil, false
	}
}

// memoized 失败和"合法地解析出null"分开记，解析出null的Hook照常参与比较
func (e *Evaluator) memoized(ectx *EvalContext, key string, resolve func() (any, error)) (any, bool) {
	if _, failed := ectx.hookFailed[key]; failed {
		return nil, false
	}
	if val, ok := ectx.hookValues[key]; ok {
		return val, true
	}
	val, err := resolve()
	if err != nil {
		// 单个坏条件退化成"不发送"，而不是拖垮整个步骤
		e.logger.Warn("Hook取值失败，条件按不通过处理",
			elog.String("key", key),
			elog.Any("enrollmentID", ectx.Enrollment.ID),
			elog.FieldErr(err))
		ectx.hookFailed[key] = struct{}{}
		return nil, false
	}
	ectx.hookValues[key] = val
	return val, true
}

// compare 类型感知比较。数值比较两侧都强转成数字，转不动按不通过处理
func compare(actual any, operator domain.ConditionOperator, expected any) bool {
	switch operator {
	case domain.OperatorEquals:
		return equalValues(actual, expected)
	case domain.OperatorNotEquals:
		return !equalValues(actual, expected)
	case domain.OperatorGreater, domain.OperatorLess, domain.OperatorGreaterEqual, domain.OperatorLessEqual:
		a, ok1 := toNumber(actual)
		b, ok2 := toNumber(expected)
		if !ok1 || !ok2 {
			return false
		}
		switch operator {
		case domain.OperatorGreater:
			return a > b
		case domain.OperatorLess:
			return a < b
		case domain.OperatorGreaterEqual:
			return a >= b
		default:
			return a <= b
		}
	case domain.OperatorIn:
		set, ok := expected.([]any)
		if !ok {
			return false
		}
		for _, candidate := range set {
			if equalValues(actual, candidate) {
				return true
			}
		}
		return false
	case domain.OperatorContains:
		if s, ok := actual.(string); ok {
			sub, ok1 := expected.(string)
			return ok1 && strings.Contains(s, sub)
		}
		if seq, ok := actual.([]any); ok {
			for _, item := range seq {
				if equalValues(item, expected) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

// equalValues 结构相等；两侧都是数值类型时按数值相等，跨JSON数字类型也能比。
// 字符串不参与数值强转，"5" 和 5 不相等
func equalValues(a, b any) bool {
	fa, ok1 := numericValue(a)
	fb, ok2 := numericValue(b)
	if ok1 && ok2 {
		return fa == fb
	}
	if ok1 != ok2 {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// numericValue 只接受数值类型，序关系比较用 toNumber
func numericValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}

func toNumber(v any) (float64, bool) {
	if f, ok := numericValue(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}
