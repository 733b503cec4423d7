package domain

// ExecutionStatus 步骤执行状态
// scheduled → {sending → {sent, failed}, skipped}；failed 重试时回到 scheduled
type ExecutionStatus string

const (
	ExecutionStatusScheduled ExecutionStatus = "SCHEDULED"
	ExecutionStatusSending   ExecutionStatus = "SENDING"
	ExecutionStatusSent      ExecutionStatus = "SENT"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusSkipped   ExecutionStatus = "SKIPPED"
)

func (s ExecutionStatus) String() string {
	return string(s)
}

// IsTerminal sent/skipped/failed 之后 Advance 才会推进报名
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSent || s == ExecutionStatusSkipped || s == ExecutionStatusFailed
}

// StepExecution 某次报名对某个步骤的一次执行
type StepExecution struct {
	ID           uint64
	EnrollmentID uint64
	// VersionID/StepID 冻结引用，序列被编辑也不变
	VersionID int64
	StepID    int64
	Status    ExecutionStatus
	// ScheduledAt 计划执行时间（毫秒），EVENT 型步骤在事件到达前不存在执行记录
	ScheduledAt int64
	ExecutedAt  int64
	RetryCount  int32
	// WorkerID 抢占成功的worker标识，用于审计
	WorkerID string
	// RotationSeed 记录在执行上的轮换种子，使适配器选择可复现
	RotationSeed int64
	AdapterID    int64
	Recipient    string
	Payload      string
	// ProviderResponse 最后一次供应商响应，诊断用
	ProviderResponse string
	LastError        string
	Version          int // 乐观锁
}
