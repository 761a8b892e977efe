package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Instance is the orchestrator's durable view of one booking saga.
type Instance struct {
	SagaID             string         `json:"saga_id" gorm:"primaryKey;type:text"`
	BookingID          string         `json:"booking_id" gorm:"type:text;not null"`
	CurrentState       State          `json:"current_state" gorm:"type:text;not null"`
	StartedAt          time.Time      `json:"started_at" gorm:"not null"`
	LastUpdatedAt      time.Time      `json:"last_updated_at" gorm:"not null"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	IsCompensating     bool           `json:"is_compensating" gorm:"not null;default:false"`
	CompensationReason string         `json:"compensation_reason,omitempty" gorm:"type:text"`
	StepContext        datatypes.JSON `json:"step_context" gorm:"type:jsonb"`
	Version            int64          `json:"version" gorm:"not null;default:0"`
	StuckReportedAt    *time.Time     `json:"stuck_reported_at,omitempty"`
}

func (Instance) TableName() string { return "saga_instances" }

// Context decodes the step context column.
func (i *Instance) Context() (StepContext, error) {
	var sc StepContext
	if len(i.StepContext) == 0 {
		return sc, nil
	}
	if err := json.Unmarshal(i.StepContext, &sc); err != nil {
		return sc, err
	}
	return sc, nil
}

func (i *Instance) SetContext(sc StepContext) error {
	body, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	i.StepContext = datatypes.JSON(body)
	return nil
}

// Step is an append-only status record; the latest row per step name wins.
type Step struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	SagaID          string         `json:"saga_id" gorm:"type:text;not null"`
	StepName        StepName       `json:"step_name" gorm:"type:text;not null"`
	Status          StepStatus     `json:"status" gorm:"type:text;not null"`
	RequestPayload  datatypes.JSON `json:"request_payload,omitempty" gorm:"type:jsonb"`
	ResponsePayload datatypes.JSON `json:"response_payload,omitempty" gorm:"type:jsonb"`
	StartTime       time.Time      `json:"start_time" gorm:"not null"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	EventID         string         `json:"event_id,omitempty" gorm:"type:text"`
}

func (Step) TableName() string { return "saga_steps" }

type StateLog struct {
	ID        snowflake.ID   `json:"id" gorm:"primaryKey"`
	SagaID    string         `json:"saga_id" gorm:"type:text;not null"`
	FromState State          `json:"from_state" gorm:"type:text"`
	ToState   State          `json:"to_state" gorm:"type:text;not null"`
	EventType string         `json:"event_type" gorm:"type:text;not null"`
	Payload   datatypes.JSON `json:"payload,omitempty" gorm:"type:jsonb"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null"`
}

func (StateLog) TableName() string { return "saga_state_logs" }

// ReservationDetails describes the inventory a reservation step claims.
type ReservationDetails struct {
	ResourceID string `json:"resourceId"`
	Quantity   int    `json:"quantity"`
}

// StepContext is the JSON document the saga carries between steps.
type StepContext struct {
	BookingType BookingType         `json:"bookingType"`
	Plan        []StepName          `json:"plan"`
	CustomerID  string              `json:"customerId"`
	TotalAmount int64               `json:"totalAmount"`
	Currency    string              `json:"currency"`
	Flight      *ReservationDetails `json:"flight,omitempty"`
	Hotel       *ReservationDetails `json:"hotel,omitempty"`

	// PendingCompensation holds completed steps still to undo, next first.
	PendingCompensation  []StepName `json:"pendingCompensation,omitempty"`
	CompensationInFlight StepName   `json:"compensationInFlight,omitempty"`
	// InterruptedStep was running when cancellation arrived; its late forward result is still accepted.
	InterruptedStep StepName `json:"interruptedStep,omitempty"`

	CancelRequested    bool   `json:"cancelRequested,omitempty"`
	PaymentReference   string `json:"paymentReference,omitempty"`
	ConfirmationNumber string `json:"confirmationNumber,omitempty"`
}

func (sc StepContext) clone() StepContext {
	out := sc
	out.Plan = append([]StepName(nil), sc.Plan...)
	out.PendingCompensation = append([]StepName(nil), sc.PendingCompensation...)
	return out
}

// Details returns the reservation details for an inventory step.
func (sc StepContext) Details(step StepName) *ReservationDetails {
	switch step {
	case StepFlightReservation:
		return sc.Flight
	case StepHotelReservation:
		return sc.Hotel
	}
	return nil
}

// LatestStatuses folds append-only step rows into the current status per step.
// Rows must be ordered oldest first.
func LatestStatuses(steps []Step) map[StepName]StepStatus {
	out := make(map[StepName]StepStatus, len(steps))
	for _, s := range steps {
		out[s.StepName] = s.Status
	}
	return out
}

// Repository persists saga state. Writes take the handle so they join the caller's transaction.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, instance *Instance) error
	FindByID(ctx context.Context, db *gorm.DB, sagaID string) (*Instance, error)
	FindByBookingID(ctx context.Context, db *gorm.DB, bookingID string) (*Instance, error)
	// UpdateVersioned writes instance if its stored version equals expected and bumps it;
	// it returns ErrConcurrentUpdate when another writer got there first.
	UpdateVersioned(ctx context.Context, db *gorm.DB, instance *Instance, expected int64) error
	AppendStep(ctx context.Context, db *gorm.DB, step *Step) error
	ListSteps(ctx context.Context, db *gorm.DB, sagaID string) ([]Step, error)
	AppendStateLog(ctx context.Context, db *gorm.DB, entry *StateLog) error
	ListStateLogs(ctx context.Context, db *gorm.DB, sagaID string) ([]StateLog, error)
	// ListStuck returns non-terminal, unreported sagas untouched since before.
	ListStuck(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Instance, error)
	MarkStuckReported(ctx context.Context, db *gorm.DB, sagaID string, at time.Time) (bool, error)
	CountStuck(ctx context.Context, db *gorm.DB) (int64, error)
}
