package domain

import (
	"fmt"

	"gitee.com/flycash/sequence-platform/internal/errs"
)

// Channel 投递渠道
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
	ChannelInApp Channel = "IN_APP"
)

func (c Channel) String() string {
	return string(c)
}

func (c Channel) IsValid() bool {
	return c == ChannelSMS || c == ChannelEmail || c == ChannelInApp
}

// VersionStatus 序列版本状态
type VersionStatus string

const (
	VersionStatusDraft    VersionStatus = "DRAFT"    // 草稿，可编辑
	VersionStatusActive   VersionStatus = "ACTIVE"   // 激活中，步骤不可修改
	VersionStatusArchived VersionStatus = "ARCHIVED" // 已归档
)

func (s VersionStatus) String() string {
	return string(s)
}

// Sequence 序列（营销活动）定义
type Sequence struct {
	ID         int64
	Key        string // 业务内唯一标识
	Name       string
	HookModule string // 本地Hook解析模块名，可为空
	Ctime      int64
	Utime      int64
}

func (s *Sequence) Validate() error {
	if s.Key == "" {
		return fmt.Errorf("%w: Key = %q", errs.ErrInvalidParameter, s.Key)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: Name = %q", errs.ErrInvalidParameter, s.Name)
	}
	return nil
}

// SequenceVersion 序列的一个不可变快照，同一序列至多一个 ACTIVE 版本
type SequenceVersion struct {
	ID         int64
	SequenceID int64
	Number     int
	Status     VersionStatus
	Steps      []Step
}

// FirstStep 返回版本中位置最靠前的步骤
func (v *SequenceVersion) FirstStep() (Step, bool) {
	return v.NextStepAfter(-1)
}

// NextStepAfter 返回 position 之后的下一个步骤
func (v *SequenceVersion) NextStepAfter(position int) (Step, bool) {
	var next Step
	found := false
	for i := range v.Steps {
		st := v.Steps[i]
		if st.Position <= position {
			continue
		}
		if !found || st.Position < next.Position {
			next = st
			found = true
		}
	}
	return next, found
}

// StepByID 按ID查找版本内步骤
func (v *SequenceVersion) StepByID(stepID int64) (Step, bool) {
	for i := range v.Steps {
		if v.Steps[i].ID == stepID {
			return v.Steps[i], true
		}
	}
	return Step{}, false
}

// TemplateKind 步骤模板引用类型
type TemplateKind string

const (
	TemplateKindInline   TemplateKind = "INLINE"   // 行内模板内容
	TemplateKindNamed    TemplateKind = "NAMED"    // 代码级命名渲染器
	TemplateKindExternal TemplateKind = "EXTERNAL" // 外部模板引用
)

// TemplateRef 步骤的模板引用
type TemplateRef struct {
	Kind       TemplateKind      `json:"kind"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body,omitempty"`
	Name       string            `json:"name,omitempty"`
	ExternalID string            `json:"externalId,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// Step 版本内的一个有序步骤
type Step struct {
	ID               int64
	VersionID        int64
	Position         int // 版本内唯一
	Channel          Channel
	Timing           TimingSpec
	Template         TemplateRef
	AdapterID        int64 // 显式指定的适配器，0表示未指定
	RotationPolicyID int64 // 轮换策略，0表示未配置
	Config           map[string]string
	Conditions       []Condition
}

// RecipientField 步骤配置中收件人字段名，默认按渠道取约定字段
func (s *Step) RecipientField() string {
	if f, ok := s.Config["recipientField"]; ok && f != "" {
		return f
	}
	switch s.Channel {
	case ChannelEmail:
		return "email"
	case ChannelSMS:
		return "phone"
	default:
		return "userId"
	}
}

func (s *Step) Validate() error {
	if !s.Channel.IsValid() {
		return fmt.Errorf("%w: %s", errs.ErrUnknownChannel, s.Channel)
	}
	if s.Position < 0 {
		return fmt.Errorf("%w: Position = %d", errs.ErrInvalidParameter, s.Position)
	}
	for i := range s.Conditions {
		if err := s.Conditions[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
