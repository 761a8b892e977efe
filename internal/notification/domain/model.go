package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	StatusSent = "SENT"

	// StatusSkipped records a notification that had no deliverable recipient or template.
	StatusSkipped = "SKIPPED"
)

type Notification struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	BookingID string       `json:"booking_id" gorm:"type:text;not null"`
	SagaID    string       `json:"saga_id" gorm:"type:text;not null"`
	Channel   string       `json:"channel" gorm:"type:text;not null"`
	Template  string       `json:"template" gorm:"type:text;not null"`
	Status    string       `json:"status" gorm:"type:text;not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
}

func (Notification) TableName() string { return "notifications" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, item *Notification) error
	Find(ctx context.Context, db *gorm.DB, bookingID, template string) (*Notification, error)
}
