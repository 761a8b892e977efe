package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/tripsaga/internal/notification/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, item *domain.Notification) error {
	return db.WithContext(ctx).Create(item).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, bookingID, template string) (*domain.Notification, error) {
	var item domain.Notification
	err := db.WithContext(ctx).
		Where("booking_id = ? AND template = ?", bookingID, template).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
