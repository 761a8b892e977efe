package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
	StatusCancelled Status = "CANCELLED"
)

type TransactionType string

const (
	TransactionPayment      TransactionType = "PAYMENT"
	TransactionRefund       TransactionType = "REFUND"
	TransactionCancellation TransactionType = "CANCELLATION"
)

type Payment struct {
	PaymentID     string    `json:"payment_id" gorm:"primaryKey;type:text"`
	BookingID     string    `json:"booking_id" gorm:"type:text;not null"`
	SagaID        string    `json:"saga_id" gorm:"type:text;not null"`
	CustomerID    string    `json:"customer_id" gorm:"type:text"`
	Amount        int64     `json:"amount" gorm:"not null"`
	Currency      string    `json:"currency" gorm:"type:text;not null"`
	Status        Status    `json:"status" gorm:"type:text;not null"`
	Reference     string    `json:"reference,omitempty" gorm:"type:text"`
	FailureReason string    `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

type Transaction struct {
	ID        snowflake.ID    `json:"id" gorm:"primaryKey"`
	PaymentID string          `json:"payment_id" gorm:"type:text;not null"`
	Type      TransactionType `json:"type" gorm:"type:text;not null"`
	Status    Status          `json:"status" gorm:"type:text;not null"`
	Amount    int64           `json:"amount" gorm:"not null"`
	SagaStep  string          `json:"saga_step" gorm:"type:text"`
	CreatedAt time.Time       `json:"created_at" gorm:"not null"`
}

func (Transaction) TableName() string { return "payment_transactions" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByBookingID(ctx context.Context, db *gorm.DB, bookingID string) (*Payment, error)
	Update(ctx context.Context, db *gorm.DB, payment *Payment) error
	InsertTransaction(ctx context.Context, db *gorm.DB, tx *Transaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, paymentID string) ([]Transaction, error)
}
