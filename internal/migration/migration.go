package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	bookingdomain "github.com/smallbiznis/tripsaga/internal/booking/domain"
	inventorydomain "github.com/smallbiznis/tripsaga/internal/inventory/domain"
	notificationdomain "github.com/smallbiznis/tripsaga/internal/notification/domain"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	paymentdomain "github.com/smallbiznis/tripsaga/internal/payment/domain"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/pkg/db"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "sql"

// Apply brings the schema up to date: versioned SQL migrations on postgres, gorm
// auto-migration elsewhere.
func Apply(conn *gorm.DB) error {
	if db.IsPostgres(conn) {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}
	return AutoMigrate(conn)
}

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(sqlDB *sql.DB) error {
	if sqlDB == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

type index struct {
	table   string
	name    string
	columns string
	unique  bool
}

// AutoMigrate creates every table from the gorm models. Used for sqlite and tests.
func AutoMigrate(conn *gorm.DB) error {
	var indexes []index

	for _, service := range outboxdomain.Services {
		table := outboxdomain.TableName(service)
		if err := conn.Table(table).AutoMigrate(&outboxdomain.Event{}); err != nil {
			return fmt.Errorf("migrate %s: %w", table, err)
		}
		indexes = append(indexes,
			index{table, "ux_" + table + "_event_id", "event_id", true},
			index{table, "ix_" + table + "_relay", "processed, id", false},
		)
	}

	if err := conn.AutoMigrate(
		&sagadomain.Instance{},
		&sagadomain.Step{},
		&sagadomain.StateLog{},
		&bookingdomain.Booking{},
		&paymentdomain.Payment{},
		&paymentdomain.Transaction{},
		&notificationdomain.Notification{},
	); err != nil {
		return fmt.Errorf("migrate models: %w", err)
	}
	indexes = append(indexes,
		index{"saga_instances", "ux_saga_instances_booking_id", "booking_id", true},
		index{"saga_steps", "ix_saga_steps_saga_id", "saga_id, id", false},
		index{"saga_state_logs", "ix_saga_state_logs_saga_id", "saga_id, id", false},
		index{"payments", "ux_payments_booking_id", "booking_id", true},
		index{"notifications", "ux_notifications_booking_template", "booking_id, template", true},
	)

	for _, kind := range []inventorydomain.Kind{inventorydomain.KindFlight, inventorydomain.KindHotel} {
		if err := conn.Table(kind.InventoryTable()).AutoMigrate(&inventorydomain.Inventory{}); err != nil {
			return fmt.Errorf("migrate %s: %w", kind.InventoryTable(), err)
		}
		if err := conn.Table(kind.ReservationTable()).AutoMigrate(&inventorydomain.Reservation{}); err != nil {
			return fmt.Errorf("migrate %s: %w", kind.ReservationTable(), err)
		}
		table := kind.ReservationTable()
		indexes = append(indexes, index{table, "ux_" + table + "_booking_id", "booking_id", true})
	}

	for _, idx := range indexes {
		if err := ensureIndex(conn, idx); err != nil {
			return err
		}
	}
	return nil
}

func ensureIndex(conn *gorm.DB, idx index) error {
	if conn.Migrator().HasIndex(idx.table, idx.name) {
		return nil
	}
	kind := "INDEX"
	if idx.unique {
		kind = "UNIQUE INDEX"
	}
	stmt := fmt.Sprintf("CREATE %s %s ON %s (%s)", kind, idx.name, idx.table, idx.columns)
	if err := conn.Exec(stmt).Error; err != nil {
		return fmt.Errorf("create index %s: %w", idx.name, err)
	}
	return nil
}
