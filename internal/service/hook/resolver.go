package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/errs"
	"gitee.com/flycash/sequence-platform/internal/repository"
	"gitee.com/flycash/sequence-platform/internal/service/template"

	"github.com/go-resty/resty/v2"
	"github.com/gotomicro/ego/core/elog"
)

// 本地Hook的执行时间上限，慢Hook按未解析处理
const localHookTimeout = 3 * time.Second

// Handler 本地Hook处理能力，由宿主应用注册具体实现
type Handler interface {
	// Resolve 返回命名取值，报名数据是只读快照
	Resolve(ctx context.Context, name string, enrollment domain.Enrollment) (any, error)
}

// Registry 本地Hook模块注册表：序列通过模块名绑定一个Handler
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(module string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[module] = handler
}

func (r *Registry) Get(module string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[module]
	return h, ok
}

// Resolver Hook取值服务接口
//
//go:generate mockgen -source=./resolver.go -destination=./mocks/resolver.mock.go -package=hookmocks -typed Resolver
type Resolver interface {
	// ResolveLocal 调用序列绑定模块上的命名函数，超时或报错返回 ErrHookUnresolved
	ResolveLocal(ctx context.Context, module, name string, enrollment domain.Enrollment) (any, error)
	// ResolveRemote 发起Hook定义的HTTP调用并提取响应值
	ResolveRemote(ctx context.Context, hook domain.HTTPHook, data map[string]any) (any, error)
	// Test 用调用方提供的样例数据跑一遍远程解析，并落库测试结果，不影响任何报名
	Test(ctx context.Context, hookID int64, data map[string]any) (any, error)
}

type resolver struct {
	registry *Registry
	repo     repository.HookRepository
	renderer template.Renderer
	client   *resty.Client
	logger   *elog.Component
}

func NewResolver(registry *Registry, repo repository.HookRepository, renderer template.Renderer) Resolver {
	return &resolver{
		registry: registry,
		repo:     repo,
		renderer: renderer,
		client:   resty.New(),
		logger:   elog.DefaultLogger,
	}
}

func (r *resolver) ResolveLocal(ctx context.Context, module, name string, enrollment domain.Enrollment) (any, error) {
	handler, ok := r.registry.Get(module)
	if !ok {
		return nil, fmt.Errorf("%w: 未注册的本地Hook模块 %q", errs.ErrHookUnresolved, module)
	}

	// 本地Hook跑在独立goroutine里，慢Hook不能拖住worker
	hctx, cancel := context.WithTimeout(ctx, localHookTimeout)
	defer cancel()

	type result struct {
		val any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := handler.Resolve(hctx, name, enrollment)
		ch <- result{val: val, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: 本地Hook %s.%s: %w", errs.ErrHookUnresolved, module, name, res.err)
		}
		return res.val, nil
	case <-hctx.Done():
		return nil, fmt.Errorf("%w: 本地Hook %s.%s 超时", errs.ErrHookUnresolved, module, name)
	}
}

func (r *resolver) ResolveRemote(ctx context.Context, hook domain.HTTPHook, data map[string]any) (any, error) {
	url, err := r.renderer.Render(hook.URLTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("%w: URL模板渲染失败: %w", errs.ErrHookUnresolved, err)
	}
	var body string
	if hook.BodyTemplate != "" {
		body, err = r.renderer.Render(hook.BodyTemplate, data)
		if err != nil {
			return nil, fmt.Errorf("%w: Body模板渲染失败: %w", errs.ErrHookUnresolved, err)
		}
	}

	timeout := time.Duration(hook.TimeoutMS) * time.Millisecond
	var lastErr error
	// 网络错误和5xx重试到配置上限，4xx是定义问题不重试
	for attempt := int32(0); attempt <= hook.RetryCount; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err1 := r.doRequest(reqCtx, hook, url, body)
		cancel()
		if err1 != nil {
			lastErr = err1
			continue
		}
		if resp.IsSuccess() {
			return r.extract(hook, resp.Body())
		}
		if resp.StatusCode() >= 500 {
			lastErr = fmt.Errorf("响应状态 %d", resp.StatusCode())
			continue
		}
		// 4xx 直接放弃
		return nil, fmt.Errorf("%w: Hook %q 响应状态 %d", errs.ErrHookUnresolved, hook.Name, resp.StatusCode())
	}
	return nil, fmt.Errorf("%w: Hook %q 重试耗尽: %w", errs.ErrHookUnresolved, hook.Name, lastErr)
}

func (r *resolver) Test(ctx context.Context, hookID int64, data map[string]any) (any, error) {
	hook, err := r.repo.GetByID(ctx, hookID)
	if err != nil {
		return nil, err
	}
	val, err := r.ResolveRemote(ctx, hook, data)
	var outcome string
	if err != nil {
		outcome = err.Error()
	} else {
		outcome = fmt.Sprintf("OK: %v", val)
	}
	if err1 := r.repo.RecordTestResult(ctx, hookID, outcome, time.Now().UnixMilli()); err1 != nil {
		r.logger.Warn("落库Hook测试结果失败", elog.Int64("hookID", hookID), elog.FieldErr(err1))
	}
	return val, err
}

func (r *resolver) doRequest(ctx context.Context, hook domain.HTTPHook, url, body string) (*resty.Response, error) {
	req := r.client.R().SetContext(ctx).SetHeaders(hook.Headers)
	switch hook.Auth.Scheme {
	case "bearer":
		req.SetAuthToken(hook.Auth.Value)
	case "basic":
		req.SetHeader("Authorization", "Basic "+hook.Auth.Value)
	case "header":
		req.SetHeader(hook.Auth.Header, hook.Auth.Value)
	}
	if body != "" {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	return req.Execute(hook.Method, url)
}

// extract 按配置路径提取并强转响应值，失败统一折叠成 ErrHookUnresolved
func (r *resolver) extract(hook domain.HTTPHook, body []byte) (any, error) {
	if hook.ResponseType == domain.HookResponseText {
		return string(body), nil
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: Hook %q 响应不是合法JSON: %w", errs.ErrHookUnresolved, hook.Name, err)
	}
	val, ok := walkPath(decoded, hook.ExtractPath)
	if !ok {
		return nil, fmt.Errorf("%w: Hook %q 响应缺少路径 %q", errs.ErrHookUnresolved, hook.Name, hook.ExtractPath)
	}
	return coerce(hook, val)
}

func walkPath(decoded any, path string) (any, bool) {
	if path == "" {
		return decoded, true
	}
	cur := decoded
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func coerce(hook domain.HTTPHook, val any) (any, error) {
	switch hook.ResponseType {
	case domain.HookResponseNumber:
		switch v := val.(type) {
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: Hook %q 期望数值，得到 %q", errs.ErrHookUnresolved, hook.Name, v)
			}
			return f, nil
		}
	case domain.HookResponseString:
		switch v := val.(type) {
		case string:
			return v, nil
		case float64, bool:
			return fmt.Sprintf("%v", v), nil
		}
	case domain.HookResponseBoolean:
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%w: Hook %q 期望布尔，得到 %q", errs.ErrHookUnresolved, hook.Name, v)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: Hook %q 响应类型不匹配: %T", errs.ErrHookUnresolved, hook.Name, val)
}
