package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/command"
	"github.com/smallbiznis/tripsaga/internal/inventory/domain"
	"github.com/smallbiznis/tripsaga/internal/logger"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/internal/selfevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	Kind   domain.Kind
	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Outbox *outboxservice.Service
}

// Service reserves and releases capacity of one inventory kind.
type Service struct {
	kind   domain.Kind
	vocab  domain.Vocabulary
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   domain.Repository
	writer *outboxservice.Writer
}

func NewService(p Params) *Service {
	return &Service{
		kind:   p.Kind,
		vocab:  p.Kind.Vocabulary(),
		db:     p.DB,
		log:    p.Log.Named(string(p.Kind) + ".inventory"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		writer: p.Outbox.Writer(string(p.Kind)),
	}
}

func (s *Service) Kind() domain.Kind { return s.kind }

// Stock sets the available capacity of a resource.
func (s *Service) Stock(ctx context.Context, resourceID string, available int) error {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" || available < 0 {
		return domain.ErrUnknownResource
	}
	return s.repo.UpsertInventory(ctx, s.db, s.kind, &domain.Inventory{
		ResourceID: resourceID,
		Available:  available,
		UpdatedAt:  s.clock.Now(),
	})
}

func (s *Service) Available(ctx context.Context, resourceID string) (int, error) {
	item, err := s.repo.FindInventory(ctx, s.db, s.kind, resourceID)
	if err != nil {
		return 0, err
	}
	if item == nil {
		return 0, domain.ErrUnknownResource
	}
	return item.Available, nil
}

func (s *Service) Reservation(ctx context.Context, bookingID string) (*domain.Reservation, error) {
	return s.repo.FindReservation(ctx, s.db, s.kind, bookingID)
}

// RegisterCommands adds the reserve and cancel handlers to d.
func (s *Service) RegisterCommands(d *command.Dispatcher) error {
	if err := d.Register(s.vocab.Reserve, s.reserve); err != nil {
		return err
	}
	return d.Register(s.vocab.Cancel, s.cancel)
}

func (s *Service) reserve(ctx context.Context, tx *gorm.DB, cmd sagadomain.Command) error {
	var req sagadomain.ReservationCommand
	if err := decode(cmd, &req); err != nil {
		return s.reply(ctx, tx, cmd, s.vocab.Failed, map[string]any{"reason": "invalid reservation command"})
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	existing, err := s.repo.FindReservation(ctx, tx, s.kind, cmd.BookingID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status == domain.ReservationReserved {
			return s.reply(ctx, tx, cmd, s.vocab.Reserved, reservationFields(existing))
		}
		return s.reply(ctx, tx, cmd, s.vocab.Failed, map[string]any{"reason": "reservation already cancelled"})
	}

	now := s.clock.Now()
	ok, err := s.repo.Decrement(ctx, tx, s.kind, req.ResourceID, req.Quantity, now)
	if err != nil {
		return err
	}
	if !ok {
		reason := domain.ErrInsufficientInventory.Error()
		item, err := s.repo.FindInventory(ctx, tx, s.kind, req.ResourceID)
		if err != nil {
			return err
		}
		if item == nil {
			reason = domain.ErrUnknownResource.Error()
		}
		logger.WithContext(ctx, s.log).Info("reservation refused",
			zap.String("booking_id", cmd.BookingID),
			zap.String("resource_id", req.ResourceID),
			zap.String("reason", reason),
		)
		return s.reply(ctx, tx, cmd, s.vocab.Failed, map[string]any{
			"reason":     reason,
			"resourceId": req.ResourceID,
		})
	}

	reservation := &domain.Reservation{
		ID:         s.genID.Generate(),
		BookingID:  cmd.BookingID,
		SagaID:     cmd.SagaID,
		ResourceID: req.ResourceID,
		Quantity:   req.Quantity,
		Status:     domain.ReservationReserved,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.InsertReservation(ctx, tx, s.kind, reservation); err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return s.reply(ctx, tx, cmd, s.vocab.Reserved, reservationFields(reservation))
}

// cancel releases the booking's reservation. A booking with nothing reserved is
// still acknowledged so compensation can finish.
func (s *Service) cancel(ctx context.Context, tx *gorm.DB, cmd sagadomain.Command) error {
	existing, err := s.repo.FindReservation(ctx, tx, s.kind, cmd.BookingID)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.reply(ctx, tx, cmd, s.vocab.Cancelled, map[string]any{"released": 0})
	}
	released := 0
	if existing.Status == domain.ReservationReserved {
		now := s.clock.Now()
		if err := s.repo.Increment(ctx, tx, s.kind, existing.ResourceID, existing.Quantity, now); err != nil {
			return err
		}
		if err := s.repo.UpdateReservationStatus(ctx, tx, s.kind, existing.ID, domain.ReservationCancelled, now); err != nil {
			return err
		}
		existing.Status = domain.ReservationCancelled
		released = existing.Quantity
	}
	fields := reservationFields(existing)
	fields["released"] = released
	return s.reply(ctx, tx, cmd, s.vocab.Cancelled, fields)
}

func (s *Service) reply(ctx context.Context, tx *gorm.DB, cmd sagadomain.Command, eventType string, fields map[string]any) error {
	return command.Reply(ctx, tx, s.writer, cmd, eventType, s.vocab.Aggregate, fields)
}

func reservationFields(r *domain.Reservation) map[string]any {
	return map[string]any{
		"reservationId": r.ID.String(),
		"resourceId":    r.ResourceID,
		"quantity":      r.Quantity,
		"status":        string(r.Status),
	}
}

func decode(cmd sagadomain.Command, v any) error {
	if len(cmd.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", command.ErrInvalidCommand)
	}
	return json.Unmarshal(cmd.Payload, v)
}

// SelfEventTopics returns the topic the kind's result events publish to.
func (s *Service) SelfEventTopics() []string {
	return []string{outboxdomain.DefaultTopic(string(s.kind), s.vocab.Aggregate)}
}

// RegisterVerifiers checks reservation rows against the kind's own result events.
func (s *Service) RegisterVerifiers(c *selfevent.Consumer) error {
	if err := c.Register(s.vocab.Reserved, s.verify(domain.ReservationReserved, domain.ReservationCancelled)); err != nil {
		return err
	}
	if err := c.Register(s.vocab.Cancelled, s.verify(domain.ReservationCancelled)); err != nil {
		return err
	}
	// failures leave no local row to check
	return c.Register(s.vocab.Failed, func(context.Context, selfevent.Event) error { return nil })
}

func (s *Service) verify(allowed ...domain.ReservationStatus) selfevent.Handler {
	return func(ctx context.Context, evt selfevent.Event) error {
		var ref struct {
			BookingID string `json:"bookingId"`
			Released  *int   `json:"released"`
		}
		if err := evt.Decode(&ref); err != nil {
			return selfevent.Mismatch("undecodable payload: %v", err)
		}
		bookingID := ref.BookingID
		if bookingID == "" {
			bookingID = evt.AggregateID
		}
		reservation, err := s.repo.FindReservation(ctx, s.db, s.kind, bookingID)
		if err != nil {
			return err
		}
		if reservation == nil {
			if ref.Released != nil && *ref.Released == 0 {
				return nil
			}
			return selfevent.Mismatch("%s reservation for booking %s not found", s.kind, bookingID)
		}
		for _, st := range allowed {
			if reservation.Status == st {
				return nil
			}
		}
		return selfevent.Mismatch("%s reservation for booking %s is %s after %s", s.kind, bookingID, reservation.Status, evt.EventType)
	}
}
