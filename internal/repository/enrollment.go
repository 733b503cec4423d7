package repository

import (
	"context"

	"gitee.com/flycash/sequence-platform/internal/domain"
	pkgdao "gitee.com/flycash/sequence-platform/internal/pkg/dao"
	"gitee.com/flycash/sequence-platform/internal/repository/dao"
)

// EnrollmentRepository 报名仓储接口
type EnrollmentRepository interface {
	Create(ctx context.Context, enrollment domain.Enrollment) (domain.Enrollment, error)
	GetByID(ctx context.Context, id uint64) (domain.Enrollment, error)
	GetBySubscriber(ctx context.Context, sequenceID int64, subscriber string) (domain.Enrollment, error)
	// CASUpdate 乐观锁更新，调用方传入读取时的版本号
	CASUpdate(ctx context.Context, enrollment domain.Enrollment) error

	AppendEvent(ctx context.Context, event domain.Event) (domain.Event, error)
	GetEvents(ctx context.Context, enrollmentID uint64) ([]domain.Event, error)
}

type enrollmentRepository struct {
	dao dao.EnrollmentDAO
}

func NewEnrollmentRepository(d dao.EnrollmentDAO) EnrollmentRepository {
	return &enrollmentRepository{dao: d}
}

func (r *enrollmentRepository) Create(ctx context.Context, enrollment domain.Enrollment) (domain.Enrollment, error) {
	entity, err := r.toEntity(enrollment)
	if err != nil {
		return domain.Enrollment{}, err
	}
	created, err := r.dao.Create(ctx, entity)
	if err != nil {
		return domain.Enrollment{}, err
	}
	return r.toDomain(created)
}

func (r *enrollmentRepository) GetByID(ctx context.Context, id uint64) (domain.Enrollment, error) {
	entity, err := r.dao.GetByID(ctx, id)
	if err != nil {
		return domain.Enrollment{}, err
	}
	return r.toDomain(entity)
}

func (r *enrollmentRepository) GetBySubscriber(ctx context.Context, sequenceID int64, subscriber string) (domain.Enrollment, error) {
	entity, err := r.dao.GetBySubscriber(ctx, sequenceID, subscriber)
	if err != nil {
		return domain.Enrollment{}, err
	}
	return r.toDomain(entity)
}

func (r *enrollmentRepository) CASUpdate(ctx context.Context, enrollment domain.Enrollment) error {
	entity, err := r.toEntity(enrollment)
	if err != nil {
		return err
	}
	return r.dao.CASUpdate(ctx, entity)
}

func (r *enrollmentRepository) AppendEvent(ctx context.Context, event domain.Event) (domain.Event, error) {
	payload, err := pkgdao.MarshalMap(event.Payload)
	if err != nil {
		return domain.Event{}, err
	}
	created, err := r.dao.CreateEvent(ctx, dao.EnrollmentEvent{
		ID:           event.ID,
		EnrollmentID: event.EnrollmentID,
		Name:         event.Name,
		Kind:         string(event.Kind),
		Payload:      payload,
		OccurredAt:   event.OccurredAt,
	})
	if err != nil {
		return domain.Event{}, err
	}
	return r.toEventDomain(created)
}

func (r *enrollmentRepository) GetEvents(ctx context.Context, enrollmentID uint64) ([]domain.Event, error) {
	entities, err := r.dao.GetEvents(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	events := make([]domain.Event, 0, len(entities))
	for i := range entities {
		event, err1 := r.toEventDomain(entities[i])
		if err1 != nil {
			return nil, err1
		}
		events = append(events, event)
	}
	return events, nil
}

func (r *enrollmentRepository) toEntity(enrollment domain.Enrollment) (dao.Enrollment, error) {
	data, err := pkgdao.MarshalMap(enrollment.Data)
	if err != nil {
		return dao.Enrollment{}, err
	}
	metadata, err := pkgdao.MarshalMap(enrollment.Metadata)
	if err != nil {
		return dao.Enrollment{}, err
	}
	return dao.Enrollment{
		ID:            enrollment.ID,
		SequenceID:    enrollment.SequenceID,
		VersionID:     enrollment.VersionID,
		Subscriber:    enrollment.Subscriber,
		Status:        enrollment.Status.String(),
		CurrentStepID: enrollment.CurrentStepID,
		StartedAt:     enrollment.StartedAt,
		PausedAt:      enrollment.PausedAt,
		CompletedAt:   enrollment.CompletedAt,
		CancelledAt:   enrollment.CancelledAt,
		Data:          data,
		Metadata:      metadata,
		Version:       enrollment.Version,
	}, nil
}

func (r *enrollmentRepository) toDomain(entity dao.Enrollment) (domain.Enrollment, error) {
	data, err := pkgdao.UnmarshalMap[map[string]any](entity.Data)
	if err != nil {
		return domain.Enrollment{}, err
	}
	metadata, err := pkgdao.UnmarshalMap[map[string]string](entity.Metadata)
	if err != nil {
		return domain.Enrollment{}, err
	}
	return domain.Enrollment{
		ID:            entity.ID,
		SequenceID:    entity.SequenceID,
		VersionID:     entity.VersionID,
		Subscriber:    entity.Subscriber,
		Status:        domain.EnrollmentStatus(entity.Status),
		CurrentStepID: entity.CurrentStepID,
		StartedAt:     entity.StartedAt,
		PausedAt:      entity.PausedAt,
		CompletedAt:   entity.CompletedAt,
		CancelledAt:   entity.CancelledAt,
		Data:          data,
		Metadata:      metadata,
		Version:       entity.Version,
	}, nil
}

func (r *enrollmentRepository) toEventDomain(entity dao.EnrollmentEvent) (domain.Event, error) {
	payload, err := pkgdao.UnmarshalMap[map[string]any](entity.Payload)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:           entity.ID,
		EnrollmentID: entity.EnrollmentID,
		Name:         entity.Name,
		Kind:         domain.EventKind(entity.Kind),
		Payload:      payload,
		OccurredAt:   entity.OccurredAt,
	}, nil
}
