package domain

import (
	"context"
	"time"

	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

type Booking struct {
	BookingID          string                 `json:"booking_id" gorm:"primaryKey;type:text"`
	CustomerID         string                 `json:"customer_id" gorm:"type:text;not null"`
	BookingType        sagadomain.BookingType `json:"booking_type" gorm:"type:text;not null"`
	TotalAmount        int64                  `json:"total_amount" gorm:"not null"`
	Currency           string                 `json:"currency" gorm:"type:text;not null"`
	Status             Status                 `json:"status" gorm:"type:text;not null"`
	ConfirmationNumber string                 `json:"confirmation_number,omitempty" gorm:"type:text"`
	CreatedAt          time.Time              `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time              `json:"updated_at" gorm:"not null"`
}

func (Booking) TableName() string { return "bookings" }

// CreateRequest is the input for a new booking and its saga.
type CreateRequest struct {
	CustomerID  string                         `json:"customerId"`
	BookingType sagadomain.BookingType         `json:"bookingType"`
	TotalAmount int64                          `json:"totalAmount"`
	Currency    string                         `json:"currency"`
	Flight      *sagadomain.ReservationDetails `json:"flight,omitempty"`
	Hotel       *sagadomain.ReservationDetails `json:"hotel,omitempty"`
}

type CreateResult struct {
	Booking Booking `json:"booking"`
	SagaID  string  `json:"sagaId"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, booking *Booking) error
	FindByID(ctx context.Context, db *gorm.DB, bookingID string) (*Booking, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, bookingID string, status Status, confirmationNumber string, at time.Time) error
}
