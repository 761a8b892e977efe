package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"gorm.io/gorm"
)

// Kind selects the flight or hotel flavour of the inventory service.
type Kind string

const (
	KindFlight Kind = "flight"
	KindHotel  Kind = "hotel"
)

func (k Kind) InventoryTable() string   { return string(k) + "_inventories" }
func (k Kind) ReservationTable() string { return string(k) + "_reservations" }

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// Inventory is the remaining capacity of one flight or hotel resource.
type Inventory struct {
	ResourceID string    `json:"resource_id" gorm:"primaryKey;type:text"`
	Available  int       `json:"available" gorm:"not null"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"not null"`
}

type Reservation struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	BookingID  string            `json:"booking_id" gorm:"type:text;not null"`
	SagaID     string            `json:"saga_id" gorm:"type:text;not null"`
	ResourceID string            `json:"resource_id" gorm:"type:text;not null"`
	Quantity   int               `json:"quantity" gorm:"not null"`
	Status     ReservationStatus `json:"status" gorm:"type:text;not null"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt  time.Time         `json:"updated_at" gorm:"not null"`
}

var (
	ErrUnknownResource       = errors.New("unknown_inventory_resource")
	ErrInsufficientInventory = errors.New("insufficient_inventory")
)

type Repository interface {
	UpsertInventory(ctx context.Context, db *gorm.DB, kind Kind, item *Inventory) error
	FindInventory(ctx context.Context, db *gorm.DB, kind Kind, resourceID string) (*Inventory, error)
	// Decrement lowers availability if at least quantity remains and reports whether it did.
	Decrement(ctx context.Context, db *gorm.DB, kind Kind, resourceID string, quantity int, at time.Time) (bool, error)
	Increment(ctx context.Context, db *gorm.DB, kind Kind, resourceID string, quantity int, at time.Time) error
	InsertReservation(ctx context.Context, db *gorm.DB, kind Kind, item *Reservation) error
	FindReservation(ctx context.Context, db *gorm.DB, kind Kind, bookingID string) (*Reservation, error)
	UpdateReservationStatus(ctx context.Context, db *gorm.DB, kind Kind, id snowflake.ID, status ReservationStatus, at time.Time) error
}

// Vocabulary names the commands and result events of one inventory kind.
type Vocabulary struct {
	Aggregate string
	Reserve   sagadomain.Action
	Cancel    sagadomain.Action
	Reserved  string
	Failed    string
	Cancelled string
}

func (k Kind) Vocabulary() Vocabulary {
	if k == KindHotel {
		return Vocabulary{
			Aggregate: "Hotel",
			Reserve:   sagadomain.ActionReserveHotel,
			Cancel:    sagadomain.ActionCancelHotel,
			Reserved:  sagadomain.EventHotelReserved,
			Failed:    sagadomain.EventHotelReservationFailed,
			Cancelled: sagadomain.EventHotelReservationCancelled,
		}
	}
	return Vocabulary{
		Aggregate: "Flight",
		Reserve:   sagadomain.ActionReserveFlight,
		Cancel:    sagadomain.ActionCancelFlight,
		Reserved:  sagadomain.EventFlightReserved,
		Failed:    sagadomain.EventFlightReservationFailed,
		Cancelled: sagadomain.EventFlightReservationCancelled,
	}
}
