package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tripsaga/internal/saga/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, instance *domain.Instance) error {
	return db.WithContext(ctx).Create(instance).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, sagaID string) (*domain.Instance, error) {
	var item domain.Instance
	err := db.WithContext(ctx).Where("saga_id = ?", sagaID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindByBookingID(ctx context.Context, db *gorm.DB, bookingID string) (*domain.Instance, error) {
	var item domain.Instance
	err := db.WithContext(ctx).Where("booking_id = ?", bookingID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) UpdateVersioned(ctx context.Context, db *gorm.DB, instance *domain.Instance, expected int64) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE saga_instances
		 SET current_state = ?, last_updated_at = ?, completed_at = ?, is_compensating = ?,
		     compensation_reason = ?, step_context = ?, stuck_reported_at = NULL, version = version + 1
		 WHERE saga_id = ? AND version = ?`,
		instance.CurrentState,
		instance.LastUpdatedAt,
		instance.CompletedAt,
		instance.IsCompensating,
		instance.CompensationReason,
		instance.StepContext,
		instance.SagaID,
		expected,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	instance.Version = expected + 1
	return nil
}

func (r *repo) AppendStep(ctx context.Context, db *gorm.DB, step *domain.Step) error {
	return db.WithContext(ctx).Create(step).Error
}

func (r *repo) ListSteps(ctx context.Context, db *gorm.DB, sagaID string) ([]domain.Step, error) {
	var items []domain.Step
	err := db.WithContext(ctx).
		Where("saga_id = ?", sagaID).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

func (r *repo) AppendStateLog(ctx context.Context, db *gorm.DB, entry *domain.StateLog) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) ListStateLogs(ctx context.Context, db *gorm.DB, sagaID string) ([]domain.StateLog, error) {
	var items []domain.StateLog
	err := db.WithContext(ctx).
		Where("saga_id = ?", sagaID).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

var terminalStates = []domain.State{domain.StateBookingCompleted, domain.StateBookingCancelled}

func (r *repo) ListStuck(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Instance, error) {
	var items []domain.Instance
	err := db.WithContext(ctx).
		Where("current_state NOT IN ?", terminalStates).
		Where("last_updated_at < ?", before).
		Where("stuck_reported_at IS NULL").
		Order("last_updated_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *repo) MarkStuckReported(ctx context.Context, db *gorm.DB, sagaID string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE saga_instances SET stuck_reported_at = ? WHERE saga_id = ? AND stuck_reported_at IS NULL`,
		at, sagaID,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *repo) CountStuck(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Instance{}).
		Where("current_state NOT IN ?", terminalStates).
		Where("stuck_reported_at IS NOT NULL").
		Count(&count).Error
	return count, err
}
