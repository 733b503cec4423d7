package template

import (
	"testing"

	"gitee.com/flycash/sequence-platform/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholderRender(t *testing.T) {
	t.Parallel()
	renderer := NewPlaceholderRenderer()
	data := map[string]any{
		"name": "Avery",
		"subscription": map[string]any{
			"planTier": "pro",
			"seats":    float64(12),
		},
	}

	testCases := []struct {
		name     string
		template string
		want     string
		wantErr  error
	}{
		{
			name:     "单个占位符",
			template: "你好 {{name}}",
			want:     "你好 Avery",
		},
		{
			name:     "嵌套路径",
			template: "当前套餐 {{subscription.planTier}}",
			want:     "当前套餐 pro",
		},
		{
			name:     "数值占位符",
			template: "席位 {{subscription.seats}} 个",
			want:     "席位 12 个",
		},
		{
			name:     "占位符两侧空白",
			template: "你好 {{ name }}",
			want:     "你好 Avery",
		},
		{
			name:     "无占位符原样返回",
			template: "纯文本内容",
			want:     "纯文本内容",
		},
		{
			name:     "未命中占位符报错",
			template: "你好 {{nickname}}",
			wantErr:  errs.ErrRenderFailed,
		},
		{
			name:     "路径中途不是对象",
			template: "{{name.first}}",
			wantErr:  errs.ErrRenderFailed,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := renderer.Render(tc.template, data)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

type upperRenderer struct{}

func (upperRenderer) Render(template string, _ map[string]any) (string, error) {
	return "UPPER:" + template, nil
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	registry.Register("upper", upperRenderer{})

	renderer, err := registry.Get("upper")
	require.NoError(t, err)
	got, err := renderer.Render("hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "UPPER:hello", got)

	_, err = registry.Get("missing")
	assert.ErrorIs(t, err, errs.ErrRenderFailed)
}
