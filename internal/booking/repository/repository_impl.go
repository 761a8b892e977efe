package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tripsaga/internal/booking/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, booking *domain.Booking) error {
	return db.WithContext(ctx).Create(booking).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, bookingID string) (*domain.Booking, error) {
	var item domain.Booking
	err := db.WithContext(ctx).Where("booking_id = ?", bookingID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, bookingID string, status domain.Status, confirmationNumber string, at time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE bookings SET status = ?, confirmation_number = ?, updated_at = ? WHERE booking_id = ?`,
		status, confirmationNumber, at, bookingID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrBookingNotFound
	}
	return nil
}
