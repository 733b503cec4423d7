package execution

import (
	"context"
	"fmt"
	"sync"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/errs"
	"gitee.com/flycash/sequence-platform/internal/repository"
	"gitee.com/flycash/sequence-platform/internal/service/channel"
)

// 内存版仓储，状态机语义与 MySQL 实现一致

type memExecutionRepo struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[uint64]domain.StepExecution

	// enrollments 补偿扫描要联表看报名游标，和真实DAO的JOIN对应
	enrollments *memEnrollmentRepo
}

func newMemExecutionRepo() *memExecutionRepo {
	return &memExecutionRepo{rows: make(map[uint64]domain.StepExecution)}
}

var _ repository.ExecutionRepository = (*memExecutionRepo)(nil)

func (m *memExecutionRepo) Create(_ context.Context, execution domain.StepExecution) (domain.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.EnrollmentID == execution.EnrollmentID && row.StepID == execution.StepID {
			return domain.StepExecution{}, fmt.Errorf("%w: enrollmentID=%d stepID=%d",
				errs.ErrExecutionDuplicate, execution.EnrollmentID, execution.StepID)
		}
	}
	m.nextID++
	execution.ID = m.nextID
	execution.Version = 1
	m.rows[execution.ID] = execution
	return execution, nil
}

func (m *memExecutionRepo) GetByID(_ context.Context, id uint64) (domain.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return domain.StepExecution{}, fmt.Errorf("%w: id=%d", errs.ErrExecutionNotFound, id)
	}
	return row, nil
}

func (m *memExecutionRepo) GetByEnrollmentAndStep(_ context.Context, enrollmentID uint64, stepID int64) (domain.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.EnrollmentID == enrollmentID && row.StepID == stepID {
			return row, nil
		}
	}
	return domain.StepExecution{}, fmt.Errorf("%w: enrollmentID=%d stepID=%d",
		errs.ErrExecutionNotFound, enrollmentID, stepID)
}

func (m *memExecutionRepo) ListByEnrollment(_ context.Context, enrollmentID uint64) ([]domain.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.StepExecution
	for _, row := range m.rows {
		if row.EnrollmentID == enrollmentID {
			res = append(res, row)
		}
	}
	return res, nil
}

func (m *memExecutionRepo) Claim(_ context.Context, id uint64, workerID string, now int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status != domain.ExecutionStatusScheduled || row.ScheduledAt > now {
		return false, nil
	}
	row.Status = domain.ExecutionStatusSending
	row.WorkerID = workerID
	row.Version++
	m.rows[id] = row
	return true, nil
}

func (m *memExecutionRepo) MarkSent(_ context.Context, execution domain.StepExecution) error {
	return m.transition(execution.ID, domain.ExecutionStatusSending, func(row *domain.StepExecution) {
		row.Status = domain.ExecutionStatusSent
		row.ExecutedAt = execution.ExecutedAt
		row.AdapterID = execution.AdapterID
		row.Recipient = execution.Recipient
		row.Payload = execution.Payload
		row.ProviderResponse = execution.ProviderResponse
	})
}

func (m *memExecutionRepo) MarkSkipped(_ context.Context, id uint64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", errs.ErrExecutionNotFound, id)
	}
	if row.Status != domain.ExecutionStatusScheduled && row.Status != domain.ExecutionStatusSending {
		return fmt.Errorf("%w: status=%s", errs.ErrExecutionVersionMismatch, row.Status)
	}
	row.Status = domain.ExecutionStatusSkipped
	row.LastError = reason
	row.Version++
	m.rows[id] = row
	return nil
}

func (m *memExecutionRepo) MarkFailed(_ context.Context, execution domain.StepExecution) error {
	return m.transition(execution.ID, domain.ExecutionStatusSending, func(row *domain.StepExecution) {
		row.Status = domain.ExecutionStatusFailed
		row.ExecutedAt = execution.ExecutedAt
		row.LastError = execution.LastError
	})
}

func (m *memExecutionRepo) Reschedule(_ context.Context, id uint64, retryCount int32, scheduledAt int64, lastError string) error {
	return m.transition(id, domain.ExecutionStatusSending, func(row *domain.StepExecution) {
		row.Status = domain.ExecutionStatusScheduled
		row.RetryCount = retryCount
		row.ScheduledAt = scheduledAt
		row.LastError = lastError
	})
}

func (m *memExecutionRepo) ShiftSchedule(_ context.Context, id uint64, deltaMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if ok && row.Status == domain.ExecutionStatusScheduled {
		row.ScheduledAt += deltaMS
		row.Version++
		m.rows[id] = row
	}
	return nil
}

func (m *memExecutionRepo) FindDueScheduled(_ context.Context, now int64, limit int) ([]domain.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.StepExecution
	for _, row := range m.rows {
		if row.Status == domain.ExecutionStatusScheduled && row.ScheduledAt <= now {
			res = append(res, row)
			if len(res) >= limit {
				break
			}
		}
	}
	return res, nil
}

func (m *memExecutionRepo) MarkTimeoutSendingAsFailed(_ context.Context, ddl int64, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, row := range m.rows {
		if row.Status == domain.ExecutionStatusSending {
			row.Status = domain.ExecutionStatusFailed
			row.LastError = "SENDING超时"
			m.rows[id] = row
			n++
			if int(n) >= batchSize {
				break
			}
		}
	}
	_ = ddl
	return n, nil
}

func (m *memExecutionRepo) FindStalledTerminal(ctx context.Context, limit int) ([]domain.StepExecution, error) {
	m.mu.Lock()
	rows := make([]domain.StepExecution, 0, len(m.rows))
	for _, row := range m.rows {
		rows = append(rows, row)
	}
	m.mu.Unlock()

	var res []domain.StepExecution
	for _, row := range rows {
		if !row.Status.IsTerminal() {
			continue
		}
		enrollment, err := m.enrollments.GetByID(ctx, row.EnrollmentID)
		if err != nil {
			continue
		}
		if enrollment.Status != domain.EnrollmentStatusActive || enrollment.CurrentStepID != row.StepID {
			continue
		}
		res = append(res, row)
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (m *memExecutionRepo) transition(id uint64, from domain.ExecutionStatus, mutate func(*domain.StepExecution)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", errs.ErrExecutionNotFound, id)
	}
	if row.Status != from {
		return fmt.Errorf("%w: status=%s", errs.ErrExecutionVersionMismatch, row.Status)
	}
	mutate(&row)
	row.Version++
	m.rows[id] = row
	return nil
}

type memEnrollmentRepo struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[uint64]domain.Enrollment
	events map[uint64][]domain.Event
}

func newMemEnrollmentRepo() *memEnrollmentRepo {
	return &memEnrollmentRepo{
		rows:   make(map[uint64]domain.Enrollment),
		events: make(map[uint64][]domain.Event),
	}
}

var _ repository.EnrollmentRepository = (*memEnrollmentRepo)(nil)

func (m *memEnrollmentRepo) Create(_ context.Context, enrollment domain.Enrollment) (domain.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.SequenceID == enrollment.SequenceID && row.Subscriber == enrollment.Subscriber {
			return domain.Enrollment{}, fmt.Errorf("%w: subscriber=%q",
				errs.ErrEnrollmentDuplicate, enrollment.Subscriber)
		}
	}
	m.nextID++
	enrollment.ID = m.nextID
	enrollment.Version = 1
	m.rows[enrollment.ID] = enrollment
	return enrollment, nil
}

func (m *memEnrollmentRepo) GetByID(_ context.Context, id uint64) (domain.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return domain.Enrollment{}, fmt.Errorf("%w: id=%d", errs.ErrEnrollmentNotFound, id)
	}
	return row, nil
}

func (m *memEnrollmentRepo) GetBySubscriber(_ context.Context, sequenceID int64, subscriber string) (domain.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.SequenceID == sequenceID && row.Subscriber == subscriber {
			return row, nil
		}
	}
	return domain.Enrollment{}, errs.ErrEnrollmentNotFound
}

func (m *memEnrollmentRepo) CASUpdate(_ context.Context, enrollment domain.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[enrollment.ID]
	if !ok || row.Version != enrollment.Version {
		return fmt.Errorf("%w: id=%d", errs.ErrEnrollmentVersionMismatch, enrollment.ID)
	}
	enrollment.Version++
	m.rows[enrollment.ID] = enrollment
	return nil
}

func (m *memEnrollmentRepo) AppendEvent(_ context.Context, event domain.Event) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = uint64(len(m.events[event.EnrollmentID]) + 1)
	m.events[event.EnrollmentID] = append(m.events[event.EnrollmentID], event)
	return event, nil
}

func (m *memEnrollmentRepo) GetEvents(_ context.Context, enrollmentID uint64) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[enrollmentID], nil
}

type memSequenceRepo struct {
	sequences map[int64]domain.Sequence
	versions  map[int64]domain.SequenceVersion
	active    map[int64]int64
}

func newMemSequenceRepo() *memSequenceRepo {
	return &memSequenceRepo{
		sequences: make(map[int64]domain.Sequence),
		versions:  make(map[int64]domain.SequenceVersion),
		active:    make(map[int64]int64),
	}
}

var _ repository.SequenceRepository = (*memSequenceRepo)(nil)

func (m *memSequenceRepo) add(seq domain.Sequence, version domain.SequenceVersion) {
	m.sequences[seq.ID] = seq
	m.versions[version.ID] = version
	if version.Status == domain.VersionStatusActive {
		m.active[seq.ID] = version.ID
	}
}

func (m *memSequenceRepo) Create(_ context.Context, seq domain.Sequence) (domain.Sequence, error) {
	m.sequences[seq.ID] = seq
	return seq, nil
}

func (m *memSequenceRepo) GetByKey(_ context.Context, key string) (domain.Sequence, error) {
	for _, seq := range m.sequences {
		if seq.Key == key {
			return seq, nil
		}
	}
	return domain.Sequence{}, fmt.Errorf("%w: key=%q", errs.ErrSequenceNotFound, key)
}

func (m *memSequenceRepo) GetByID(_ context.Context, id int64) (domain.Sequence, error) {
	seq, ok := m.sequences[id]
	if !ok {
		return domain.Sequence{}, fmt.Errorf("%w: id=%d", errs.ErrSequenceNotFound, id)
	}
	return seq, nil
}

func (m *memSequenceRepo) CreateVersion(_ context.Context, version domain.SequenceVersion) (domain.SequenceVersion, error) {
	m.versions[version.ID] = version
	return version, nil
}

func (m *memSequenceRepo) ActivateVersion(_ context.Context, sequenceID, versionID int64) error {
	m.active[sequenceID] = versionID
	return nil
}

func (m *memSequenceRepo) GetVersion(_ context.Context, versionID int64) (domain.SequenceVersion, error) {
	version, ok := m.versions[versionID]
	if !ok {
		return domain.SequenceVersion{}, fmt.Errorf("%w: id=%d", errs.ErrVersionNotFound, versionID)
	}
	return version, nil
}

func (m *memSequenceRepo) GetActiveVersion(_ context.Context, sequenceID int64) (domain.SequenceVersion, error) {
	versionID, ok := m.active[sequenceID]
	if !ok {
		return domain.SequenceVersion{}, fmt.Errorf("%w: sequenceID=%d", errs.ErrVersionNotFound, sequenceID)
	}
	return m.versions[versionID], nil
}

func (m *memSequenceRepo) GetStep(_ context.Context, stepID int64) (domain.Step, error) {
	for _, version := range m.versions {
		if step, ok := version.StepByID(stepID); ok {
			return step, nil
		}
	}
	return domain.Step{}, fmt.Errorf("%w: id=%d", errs.ErrStepNotFound, stepID)
}

type memAdapterRepo struct {
	adapter domain.ChannelAdapter
}

var _ repository.AdapterRepository = (*memAdapterRepo)(nil)

func (m *memAdapterRepo) Create(_ context.Context, adapter domain.ChannelAdapter, _ string) (domain.ChannelAdapter, error) {
	return adapter, nil
}

func (m *memAdapterRepo) GetByID(_ context.Context, _ int64) (domain.ChannelAdapter, error) {
	return m.adapter, nil
}

func (m *memAdapterRepo) GetByIDs(_ context.Context, ids []int64) (map[int64]domain.ChannelAdapter, error) {
	res := make(map[int64]domain.ChannelAdapter, len(ids))
	for _, id := range ids {
		res[id] = m.adapter
	}
	return res, nil
}

func (m *memAdapterRepo) GetDefault(_ context.Context, _ domain.Channel) (domain.ChannelAdapter, error) {
	return m.adapter, nil
}

func (m *memAdapterRepo) CreatePolicy(_ context.Context, policy domain.RotationPolicy) (domain.RotationPolicy, error) {
	return policy, nil
}

func (m *memAdapterRepo) GetPolicy(_ context.Context, _ int64) (domain.RotationPolicy, error) {
	return domain.RotationPolicy{}, errs.ErrAdapterNotFound
}

func (m *memAdapterRepo) AdvanceCursor(_ context.Context, _, _ int64) (bool, error) {
	return true, nil
}

type stubHookRepo struct{}

var _ repository.HookRepository = (*stubHookRepo)(nil)

func (stubHookRepo) Create(_ context.Context, hook domain.HTTPHook) (domain.HTTPHook, error) {
	return hook, nil
}

func (stubHookRepo) GetByID(_ context.Context, id int64) (domain.HTTPHook, error) {
	return domain.HTTPHook{}, fmt.Errorf("%w: id=%d", errs.ErrHookNotFound, id)
}

func (stubHookRepo) GetByName(_ context.Context, _ int64, name string) (domain.HTTPHook, error) {
	return domain.HTTPHook{}, fmt.Errorf("%w: name=%q", errs.ErrHookNotFound, name)
}

func (stubHookRepo) RecordTestResult(_ context.Context, _ int64, _ string, _ int64) error {
	return nil
}

// recordingChannel 记录投递并按脚本返回错误
type recordingChannel struct {
	mu        sync.Mutex
	delivered []deliveredMsg
	errScript []error // 依次消耗，耗尽后成功
}

type deliveredMsg struct {
	adapterID int64
	recipient string
	subject   string
	payload   string
}

var _ channel.Channel = (*recordingChannel)(nil)

func (c *recordingChannel) Deliver(_ context.Context, adapter domain.ChannelAdapter, msg channel.Message) (domain.DeliveryReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errScript) > 0 {
		err := c.errScript[0]
		c.errScript = c.errScript[1:]
		if err != nil {
			return domain.DeliveryReceipt{}, err
		}
	}
	c.delivered = append(c.delivered, deliveredMsg{
		adapterID: adapter.ID,
		recipient: msg.Recipient,
		subject:   msg.Subject,
		payload:   msg.Payload,
	})
	return domain.DeliveryReceipt{MessageID: fmt.Sprintf("msg-%d", len(c.delivered)), Response: "ok"}, nil
}

func (c *recordingChannel) deliveredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func (c *recordingChannel) last() deliveredMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered[len(c.delivered)-1]
}
