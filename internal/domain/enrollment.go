package domain

import (
	"fmt"
	"strings"

	"gitee.com/flycash/sequence-platform/internal/errs"
)

// EnrollmentStatus 报名生命周期状态
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "ACTIVE"
	EnrollmentStatusPaused    EnrollmentStatus = "PAUSED"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStatusCancelled EnrollmentStatus = "CANCELLED"
)

func (s EnrollmentStatus) String() string {
	return string(s)
}

// IsTerminal COMPLETED 和 CANCELLED 是终态
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusCancelled
}

// CanTransitionTo 状态机：active → {paused, completed, cancelled}；paused → {active, cancelled}
func (s EnrollmentStatus) CanTransitionTo(to EnrollmentStatus) bool {
	switch s {
	case EnrollmentStatusActive:
		return to == EnrollmentStatusPaused || to == EnrollmentStatusCompleted || to == EnrollmentStatusCancelled
	case EnrollmentStatusPaused:
		return to == EnrollmentStatusActive || to == EnrollmentStatusCancelled
	default:
		return false
	}
}

// Enrollment 一个订阅者在一个序列版本上的完整旅程
// (SequenceID, Subscriber) 全局唯一
type Enrollment struct {
	ID         uint64
	SequenceID int64
	// VersionID 报名时冻结的版本，后续编辑序列不影响进行中的报名
	VersionID  int64
	Subscriber string
	Status     EnrollmentStatus
	// CurrentStepID 当前步骤，0 表示尚无（刚完成最后一步或已终止）
	CurrentStepID int64
	StartedAt     int64
	PausedAt      int64
	CompletedAt   int64
	CancelledAt   int64
	// Data 订阅者数据，模板与条件都从这里取值
	Data     map[string]any
	Metadata map[string]string
	Version  int // 乐观锁
}

func (e *Enrollment) Validate() error {
	if e.SequenceID <= 0 {
		return fmt.Errorf("%w: SequenceID = %d", errs.ErrInvalidParameter, e.SequenceID)
	}
	if e.Subscriber == "" {
		return fmt.Errorf("%w: Subscriber = %q", errs.ErrInvalidParameter, e.Subscriber)
	}
	return nil
}

// DataField 按点分路径从报名数据中取值
func (e *Enrollment) DataField(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = e.Data
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

// EventKind 事件类别
type EventKind string

const (
	EventKindUserAction EventKind = "USER_ACTION"
	EventKindMilestone  EventKind = "MILESTONE"
	EventKindCustom     EventKind = "CUSTOM"
)

// Event 追加到报名时间线上的不可变事实
type Event struct {
	ID           uint64
	EnrollmentID uint64
	Name         string
	Kind         EventKind
	Payload      map[string]any
	OccurredAt   int64
}

func (ev *Event) Validate() error {
	if ev.EnrollmentID == 0 {
		return fmt.Errorf("%w: EnrollmentID = 0", errs.ErrInvalidParameter)
	}
	if ev.Name == "" {
		return fmt.Errorf("%w: 事件名不能为空", errs.ErrInvalidParameter)
	}
	return nil
}
