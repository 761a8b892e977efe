package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/tripsaga/internal/booking/domain"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/logger"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	sagaservice "github.com/smallbiznis/tripsaga/internal/saga/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Repo         domain.Repository
	Sagas        sagadomain.Repository
	Orchestrator *sagaservice.Orchestrator
	Outbox       *outboxservice.Service
}

// Service owns bookings and starts their sagas.
type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	repo         domain.Repository
	sagas        sagadomain.Repository
	orchestrator *sagaservice.Orchestrator
	writer       *outboxservice.Writer
}

func NewService(p Params) *Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("booking.service"),
		clock:        p.Clock,
		repo:         p.Repo,
		sagas:        p.Sagas,
		orchestrator: p.Orchestrator,
		writer:       p.Outbox.Writer(outboxdomain.ServiceBooking),
	}
}

// Create stores a pending booking, its BookingCreated event and its saga in one
// transaction. Nothing reaches the broker until the relay picks the rows up.
func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.CreateResult, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	booking := domain.Booking{
		BookingID:   "BK-" + ulid.Make().String(),
		CustomerID:  req.CustomerID,
		BookingType: req.BookingType,
		TotalAmount: req.TotalAmount,
		Currency:    req.Currency,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var sagaID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &booking); err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		if _, err := s.writer.Append(ctx, tx, sagadomain.EventBookingCreated, sagadomain.AggregateBooking, booking.BookingID, map[string]any{
			"bookingId":   booking.BookingID,
			"customerId":  booking.CustomerID,
			"bookingType": string(booking.BookingType),
			"totalAmount": booking.TotalAmount,
			"currency":    booking.Currency,
		}); err != nil {
			return err
		}
		instance, err := s.orchestrator.StartTx(ctx, tx, booking.BookingID, sagadomain.StepContext{
			BookingType: req.BookingType,
			CustomerID:  req.CustomerID,
			TotalAmount: req.TotalAmount,
			Currency:    req.Currency,
			Flight:      req.Flight,
			Hotel:       req.Hotel,
		})
		if err != nil {
			return err
		}
		sagaID = instance.SagaID
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithContext(ctx, s.log).Info("booking created",
		zap.String("booking_id", booking.BookingID),
		zap.String("saga_id", sagaID),
	)
	return &domain.CreateResult{Booking: booking, SagaID: sagaID}, nil
}

func validate(req *domain.CreateRequest) error {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.BookingType = sagadomain.BookingType(strings.ToUpper(strings.TrimSpace(string(req.BookingType))))

	if req.CustomerID == "" || req.Currency == "" || req.TotalAmount <= 0 {
		return domain.ErrInvalidRequest
	}
	plan, err := sagadomain.PlanFor(req.BookingType)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	for _, step := range plan {
		switch step {
		case sagadomain.StepFlightReservation:
			if !validDetails(req.Flight) {
				return fmt.Errorf("%w: flight details required", domain.ErrInvalidRequest)
			}
		case sagadomain.StepHotelReservation:
			if !validDetails(req.Hotel) {
				return fmt.Errorf("%w: hotel details required", domain.ErrInvalidRequest)
			}
		}
	}
	return nil
}

func validDetails(d *sagadomain.ReservationDetails) bool {
	if d == nil || strings.TrimSpace(d.ResourceID) == "" {
		return false
	}
	if d.Quantity <= 0 {
		d.Quantity = 1
	}
	return true
}

// Cancel injects a cancellation request into the booking's saga through the outbox.
func (s *Service) Cancel(ctx context.Context, bookingID, reason string) error {
	booking, err := s.repo.FindByID(ctx, s.db, bookingID)
	if err != nil {
		return err
	}
	if booking == nil {
		return domain.ErrBookingNotFound
	}
	if booking.Status != domain.StatusPending {
		return domain.ErrNotCancellable
	}
	instance, err := s.sagas.FindByBookingID(ctx, s.db, bookingID)
	if err != nil {
		return err
	}
	if instance == nil || instance.CurrentState.IsTerminal() || instance.IsCompensating {
		return domain.ErrNotCancellable
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by customer"
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.writer.Append(ctx, tx, sagadomain.EventCancellationRequested, sagadomain.AggregateBooking, bookingID, map[string]any{
			"bookingId": bookingID,
			"sagaId":    instance.SagaID,
			"reason":    reason,
		})
		return err
	})
	if err != nil {
		return err
	}
	logger.WithContext(ctx, s.log).Info("booking cancellation requested",
		zap.String("booking_id", bookingID),
		zap.String("saga_id", instance.SagaID),
	)
	return nil
}

func (s *Service) Get(ctx context.Context, bookingID string) (*domain.Booking, error) {
	booking, err := s.repo.FindByID(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, domain.ErrBookingNotFound
	}
	return booking, nil
}
