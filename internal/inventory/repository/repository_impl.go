package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tripsaga/internal/inventory/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errUnknownKind = errors.New("unknown_inventory_kind")

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func checkKind(kind domain.Kind) error {
	if kind != domain.KindFlight && kind != domain.KindHotel {
		return fmt.Errorf("%w: %q", errUnknownKind, kind)
	}
	return nil
}

func (r *repo) UpsertInventory(ctx context.Context, db *gorm.DB, kind domain.Kind, item *domain.Inventory) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	return db.WithContext(ctx).Table(kind.InventoryTable()).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"available", "updated_at"}),
	}).Create(item).Error
}

func (r *repo) FindInventory(ctx context.Context, db *gorm.DB, kind domain.Kind, resourceID string) (*domain.Inventory, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var item domain.Inventory
	err := db.WithContext(ctx).Table(kind.InventoryTable()).Where("resource_id = ?", resourceID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) Decrement(ctx context.Context, db *gorm.DB, kind domain.Kind, resourceID string, quantity int, at time.Time) (bool, error) {
	if err := checkKind(kind); err != nil {
		return false, err
	}
	result := db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET available = available - ?, updated_at = ?
		 WHERE resource_id = ? AND available >= ?`, kind.InventoryTable()),
		quantity, at, resourceID, quantity,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, kind domain.Kind, resourceID string, quantity int, at time.Time) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET available = available + ?, updated_at = ? WHERE resource_id = ?`, kind.InventoryTable()),
		quantity, at, resourceID,
	).Error
}

func (r *repo) InsertReservation(ctx context.Context, db *gorm.DB, kind domain.Kind, item *domain.Reservation) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	return db.WithContext(ctx).Table(kind.ReservationTable()).Create(item).Error
}

func (r *repo) FindReservation(ctx context.Context, db *gorm.DB, kind domain.Kind, bookingID string) (*domain.Reservation, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var item domain.Reservation
	err := db.WithContext(ctx).Table(kind.ReservationTable()).Where("booking_id = ?", bookingID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) UpdateReservationStatus(ctx context.Context, db *gorm.DB, kind domain.Kind, id snowflake.ID, status domain.ReservationStatus, at time.Time) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE id = ?`, kind.ReservationTable()),
		status, at, id,
	).Error
}
