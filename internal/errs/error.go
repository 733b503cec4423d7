package errs

import (
	"errors"
)

// 定义统一的错误类型
var (
	ErrInvalidParameter = errors.New("参数错误")

	// 定义期错误：一旦定义校验通过，运行期不应该再出现
	ErrInvalidTimingSpec  = errors.New("无效的调度规则")
	ErrInvalidTimezone    = errors.New("无法解析的时区标识")
	ErrInvalidCondition   = errors.New("无效的条件定义")
	ErrUnknownChannel     = errors.New("未支持的渠道")
	ErrNoAvailableAdapter = errors.New("无可用的渠道适配器")
	ErrSequenceNotFound   = errors.New("序列不存在")
	ErrVersionNotFound    = errors.New("序列版本不存在")
	ErrVersionImmutable   = errors.New("序列版本已激活，不可修改")
	ErrStepNotFound       = errors.New("步骤不存在")
	ErrHookNotFound       = errors.New("Hook记录不存在")
	ErrAdapterNotFound    = errors.New("渠道适配器不存在")

	// 报名相关
	ErrEnrollmentNotFound        = errors.New("报名记录不存在")
	ErrEnrollmentDuplicate       = errors.New("报名记录主键冲突")
	ErrInvalidTransition         = errors.New("非法的状态流转")
	ErrEnrollmentTerminated      = errors.New("报名已处于终态")
	ErrEnrollmentVersionMismatch = errors.New("报名记录版本不匹配")

	// 执行相关
	ErrExecutionNotFound        = errors.New("执行记录不存在")
	ErrExecutionDuplicate       = errors.New("执行记录已存在")
	ErrExecutionClaimConflict   = errors.New("执行记录已被其它worker抢占")
	ErrExecutionVersionMismatch = errors.New("执行记录版本不匹配")

	// 投递与Hook
	ErrDeliveryTransient = errors.New("投递临时失败")
	ErrDeliveryPermanent = errors.New("投递永久失败")
	ErrHookUnresolved    = errors.New("Hook取值失败")
	ErrRenderFailed      = errors.New("模板渲染失败")
)
