package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/command"
	"github.com/smallbiznis/tripsaga/internal/logger"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	paymentdomain "github.com/smallbiznis/tripsaga/internal/payment/domain"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const aggregatePayment = "Payment"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    paymentdomain.Repository
	Gateway paymentdomain.Gateway
	Outbox  *outboxservice.Service
}

// Service charges, refunds and voids booking payments on behalf of the saga.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    paymentdomain.Repository
	gateway paymentdomain.Gateway
	writer  *outboxservice.Writer
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("payment.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		gateway: p.Gateway,
		writer:  p.Outbox.Writer(outboxdomain.ServicePayment),
	}
}

func (s *Service) Get(ctx context.Context, bookingID string) (*paymentdomain.Payment, error) {
	payment, err := s.repo.FindByBookingID(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) Transactions(ctx context.Context, paymentID string) ([]paymentdomain.Transaction, error) {
	return s.repo.ListTransactions(ctx, s.db, paymentID)
}

// RegisterCommands adds the payment handlers to d.
func (s *Service) RegisterCommands(d *command.Dispatcher) error {
	handlers := map[sagadomain.Action]command.Handler{
		sagadomain.ActionProcessPayment: s.process,
		sagadomain.ActionRefundPayment:  s.refund,
		sagadomain.ActionCancelPayment:  s.cancel,
	}
	for action, h := range handlers {
		if err := d.Register(action, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) process(ctx context.Context, tx *gorm.DB, cmd sagadomain.Command) error {
	var req sagadomain.PaymentCommand
	if err := decode(cmd, &req); err != nil {
		return s.reply(ctx, tx, cmd, sagadomain.EventPaymentFailed, map[string]any{"reason": "invalid payment command"})
	}

	payment, err := s.repo.FindByBookingID(ctx, tx, cmd.BookingID)
	if err != nil {
		return err
	}
	if payment != nil {
		switch payment.Status {
		case paymentdomain.StatusCompleted:
			return s.reply(ctx, tx, cmd, sagadomain.EventPaymentProcessed, paymentFields(payment))
		case paymentdomain.StatusFailed:
			fields := paymentFields(payment)
			fields["reason"] = payment.FailureReason
			return s.reply(ctx, tx, cmd, sagadomain.EventPaymentFailed, fields)
		case paymentdomain.StatusRefunded, paymentdomain.StatusCancelled:
			fields := paymentFields(payment)
			fields["reason"] = "payment already reversed"
			return s.reply(ctx, tx, cmd, sagadomain.EventPaymentFailed, fields)
		}
	}

	now := s.clock.Now()
	if payment == nil {
		payment = &paymentdomain.Payment{
			PaymentID:  "pay_" + uuid.NewString(),
			BookingID:  cmd.BookingID,
			SagaID:     cmd.SagaID,
			CustomerID: req.CustomerID,
			Amount:     req.Amount,
			Currency:   req.Currency,
			Status:     paymentdomain.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.Insert(ctx, tx, payment); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
	}

	result, err := s.gateway.Charge(ctx, paymentdomain.ChargeRequest{
		PaymentID:  payment.PaymentID,
		BookingID:  payment.BookingID,
		CustomerID: payment.CustomerID,
		Amount:     payment.Amount,
		Currency:   payment.Currency,
	})
	switch {
	case errors.Is(err, paymentdomain.ErrDeclined):
		payment.Status = paymentdomain.StatusFailed
		payment.FailureReason = err.Error()
	case err != nil:
		// rolled back and redelivered
		return fmt.Errorf("charge payment: %w", err)
	default:
		payment.Status = paymentdomain.StatusCompleted
		payment.Reference = result.Reference
	}
	payment.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, payment); err != nil {
		return err
	}
	if err := s.record(ctx, tx, payment, paymentdomain.TransactionPayment, payment.Status, payment.Amount, cmd); err != nil {
		return err
	}

	fields := paymentFields(payment)
	if payment.Status == paymentdomain.StatusFailed {
		logger.WithContext(ctx, s.log).Info("payment declined",
			zap.String("booking_id", cmd.BookingID),
			zap.String("payment_id", payment.PaymentID),
			zap.String("reason", payment.FailureReason),
		)
		fields["reason"] = payment.FailureReason
		return s.reply(ctx, tx, cmd, sagadomain.EventPaymentFailed, fields)
	}
	return s.reply(ctx, tx, cmd, sagadomain.EventPaymentProcessed, fields)
}

// refund returns a captured payment. Anything else is acknowledged with nothing
// refunded so compensation can finish.
func (s *Service) refund(ctx context.Context, tx *gorm.DB, cmd sagadomain.Command) error {
	payment, err := s.repo.FindByBookingID(ctx, tx, cmd.BookingID)
	if err != nil {
		return err
	}
	if payment == nil {
		return s.reply(ctx, tx, cmd, sagadomain.EventPaymentRefunded, map[string]any{"refunded": 0})
	}
	refunded := int64(0)
	if payment.Status == paymentdomain.StatusCompleted {
		err := s.gateway.Refund(ctx, paymentdomain.RefundRequest{
			PaymentID: payment.PaymentID,
			Reference: payment.Reference,
			Amount:    payment.Amount,
			Currency:  payment.Currency,
		})
		if err != nil {
			return fmt.Errorf("refund payment: %w", err)
		}
		payment.Status = paymentdomain.StatusRefunded
		payment.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, tx, payment); err != nil {
			return err
		}
		if err := s.record(ctx, tx, payment, paymentdomain.TransactionRefund, paymentdomain.StatusRefunded, payment.Amount, cmd); err != nil {
			return err
		}
		refunded = payment.Amount
	}
	fields := paymentFields(payment)
	fields["refunded"] = refunded
	return s.reply(ctx, tx, cmd, sagadomain.EventPaymentRefunded, fields)
}

// cancel voids a payment that was in flight when the booking was cancelled. With
// no payment yet a cancelled row is left behind so a late charge is refused.
func (s *Service) cancel(ctx context.Context, tx *gorm.DB, cmd sagadomain.Command) error {
	payment, err := s.repo.FindByBookingID(ctx, tx, cmd.BookingID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if payment == nil {
		var req sagadomain.PaymentCommand
		_ = decode(cmd, &req)
		payment = &paymentdomain.Payment{
			PaymentID:     "pay_" + uuid.NewString(),
			BookingID:     cmd.BookingID,
			SagaID:        cmd.SagaID,
			CustomerID:    req.CustomerID,
			Amount:        req.Amount,
			Currency:      req.Currency,
			Status:        paymentdomain.StatusCancelled,
			FailureReason: "cancelled before charge",
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.repo.Insert(ctx, tx, payment); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		fields := paymentFields(payment)
		fields["voided"] = false
		return s.reply(ctx, tx, cmd, sagadomain.EventPaymentCancelled, fields)
	}

	voided := false
	if payment.Status == paymentdomain.StatusCompleted {
		if err := s.gateway.Void(ctx, payment.Reference); err != nil {
			return fmt.Errorf("void payment: %w", err)
		}
		payment.Status = paymentdomain.StatusCancelled
		payment.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, payment); err != nil {
			return err
		}
		if err := s.record(ctx, tx, payment, paymentdomain.TransactionCancellation, paymentdomain.StatusCancelled, payment.Amount, cmd); err != nil {
			return err
		}
		voided = true
	}
	fields := paymentFields(payment)
	fields["voided"] = voided
	return s.reply(ctx, tx, cmd, sagadomain.EventPaymentCancelled, fields)
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, kind paymentdomain.TransactionType, status paymentdomain.Status, amount int64, cmd sagadomain.Command) error {
	err := s.repo.InsertTransaction(ctx, tx, &paymentdomain.Transaction{
		ID:        s.genID.Generate(),
		PaymentID: payment.PaymentID,
		Type:      kind,
		Status:    status,
		Amount:    amount,
		SagaStep:  string(cmd.Action),
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	return nil
}

func (s *Service) reply(ctx context.Context, tx *gorm.DB, cmd sagadomain.Command, eventType string, fields map[string]any) error {
	return command.Reply(ctx, tx, s.writer, cmd, eventType, aggregatePayment, fields)
}

func paymentFields(p *paymentdomain.Payment) map[string]any {
	return map[string]any{
		"paymentId": p.PaymentID,
		"reference": p.Reference,
		"amount":    p.Amount,
		"currency":  p.Currency,
		"status":    string(p.Status),
	}
}

func decode(cmd sagadomain.Command, v any) error {
	if len(cmd.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", command.ErrInvalidCommand)
	}
	return json.Unmarshal(cmd.Payload, v)
}
