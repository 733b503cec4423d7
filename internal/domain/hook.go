package domain

import (
	"fmt"
	"net/http"

	"gitee.com/flycash/sequence-platform/internal/errs"
)

// HookResponseType 远程Hook响应值的期望类型
type HookResponseType string

const (
	HookResponseNumber  HookResponseType = "NUMBER"
	HookResponseString  HookResponseType = "STRING"
	HookResponseBoolean HookResponseType = "BOOLEAN"
	HookResponseText    HookResponseType = "TEXT" // 原始响应体，不做JSON解析
)

// HookAuth 远程Hook的鉴权描述
type HookAuth struct {
	Scheme string `json:"scheme"` // none / bearer / basic / header
	// Header 当 Scheme == header 时生效，自定义鉴权头名称
	Header string `json:"header,omitempty"`
	Value  string `json:"value,omitempty"`
}

// HTTPHook 序列级远程取值定义
type HTTPHook struct {
	ID          int64
	SequenceID  int64
	Name        string
	Method      string
	URLTemplate string // 支持 {{field}} 占位符，取值自报名数据
	Headers     map[string]string
	BodyTemplate string
	Auth         HookAuth
	TimeoutMS    int64
	RetryCount   int32
	ExtractPath  string // JSON响应中的点分取值路径
	ResponseType HookResponseType

	// 最近一次手工测试的结果
	LastTestAt     int64
	LastTestResult string

	Ctime int64
	Utime int64
}

func (h *HTTPHook) Validate() error {
	if h.Name == "" {
		return fmt.Errorf("%w: Name = %q", errs.ErrInvalidParameter, h.Name)
	}
	switch h.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return fmt.Errorf("%w: Method = %q", errs.ErrInvalidParameter, h.Method)
	}
	if h.URLTemplate == "" {
		return fmt.Errorf("%w: URLTemplate = %q", errs.ErrInvalidParameter, h.URLTemplate)
	}
	if h.TimeoutMS <= 0 {
		return fmt.Errorf("%w: TimeoutMS = %d", errs.ErrInvalidParameter, h.TimeoutMS)
	}
	if h.RetryCount < 0 {
		return fmt.Errorf("%w: RetryCount = %d", errs.ErrInvalidParameter, h.RetryCount)
	}
	switch h.ResponseType {
	case HookResponseNumber, HookResponseString, HookResponseBoolean, HookResponseText:
		return nil
	default:
		return fmt.Errorf("%w: ResponseType = %q", errs.ErrInvalidParameter, h.ResponseType)
	}
}
