package domain

import (
	"fmt"

	"gitee.com/flycash/sequence-platform/internal/errs"
)

// ConditionSource 条件取值来源
type ConditionSource string

const (
	ConditionSourceLocalHook  ConditionSource = "LOCAL_HOOK"  // 序列绑定的本地Hook模块
	ConditionSourceRemoteHook ConditionSource = "REMOTE_HOOK" // HTTP Hook
	ConditionSourceDataField  ConditionSource = "DATA_FIELD"  // 报名数据字段路径
	ConditionSourceTimeWindow ConditionSource = "TIME_WINDOW" // 报名时长（秒）
)

// ConditionOperator 条件比较算子
type ConditionOperator string

const (
	OperatorEquals       ConditionOperator = "EQ"
	OperatorNotEquals    ConditionOperator = "NEQ"
	OperatorGreater      ConditionOperator = "GT"
	OperatorLess         ConditionOperator = "LT"
	OperatorGreaterEqual ConditionOperator = "GTE"
	OperatorLessEqual    ConditionOperator = "LTE"
	OperatorIn           ConditionOperator = "IN"
	OperatorContains     ConditionOperator = "CONTAINS"
)

// Condition 步骤触发条件，同一步骤的多个条件之间是 AND 关系
type Condition struct {
	ID     int64
	StepID int64
	Source ConditionSource
	// HookName 对 LOCAL_HOOK 是函数名，对 REMOTE_HOOK 是 HTTPHook 名称
	HookName string
	// FieldPath 对 DATA_FIELD 是点分路径，如 "subscription.planTier"
	FieldPath string
	Operator  ConditionOperator
	Expected  any
}

func (c *Condition) Validate() error {
	switch c.Source {
	case ConditionSourceLocalHook, ConditionSourceRemoteHook:
		if c.HookName == "" {
			return fmt.Errorf("%w: Hook条件缺少HookName", errs.ErrInvalidCondition)
		}
	case ConditionSourceDataField:
		if c.FieldPath == "" {
			return fmt.Errorf("%w: 字段条件缺少FieldPath", errs.ErrInvalidCondition)
		}
	case ConditionSourceTimeWindow:
	default:
		return fmt.Errorf("%w: 未知来源 %q", errs.ErrInvalidCondition, c.Source)
	}

	switch c.Operator {
	case OperatorEquals, OperatorNotEquals,
		OperatorGreater, OperatorLess, OperatorGreaterEqual, OperatorLessEqual,
		OperatorIn, OperatorContains:
		return nil
	default:
		return fmt.Errorf("%w: 未知算子 %q", errs.ErrInvalidCondition, c.Operator)
	}
}
