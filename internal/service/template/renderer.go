package template

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gitee.com/flycash/sequence-platform/internal/errs"
)

// Renderer 渲染能力，核心只依赖这一个接口
// 宿主应用可以接入Liquid/Mustache等真正的模板引擎
type Renderer interface {
	Render(template string, data map[string]any) (string, error)
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// PlaceholderRenderer 默认实现：{{field.path}} 占位符替换
// 未命中的占位符视为渲染错误，避免把花括号发给订阅者
type PlaceholderRenderer struct{}

func NewPlaceholderRenderer() *PlaceholderRenderer {
	return &PlaceholderRenderer{}
}

func (p *PlaceholderRenderer) Render(template string, data map[string]any) (string, error) {
	var missing []string
	res := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := lookup(data, path)
		if !ok {
			missing = append(missing, path)
			return match
		}
		return fmt.Sprintf("%v", val)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: 未命中的占位符 %v", errs.ErrRenderFailed, missing)
	}
	return res, nil
}

func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
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

// Registry 命名渲染器注册表，对应模板引用里的 NAMED 类型
type Registry struct {
	mu        sync.RWMutex
	renderers map[string]Renderer
}

func NewRegistry() *Registry {
	return &Registry{renderers: make(map[string]Renderer)}
}

func (r *Registry) Register(name string, renderer Renderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers[name] = renderer
}

func (r *Registry) Get(name string) (Renderer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	renderer, ok := r.renderers[name]
	if !ok {
		return nil, fmt.Errorf("%w: 未注册的命名渲染器 %q", errs.ErrRenderFailed, name)
	}
	return renderer, nil
}
