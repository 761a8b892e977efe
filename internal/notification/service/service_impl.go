package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/command"
	"github.com/smallbiznis/tripsaga/internal/logger"
	"github.com/smallbiznis/tripsaga/internal/notification/domain"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	"github.com/smallbiznis/tripsaga/internal/providers/email"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/internal/selfevent"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const aggregateNotification = "Notification"

// SelfEventTopics are the topics the notification outbox publishes to.
var SelfEventTopics = []string{outboxdomain.DefaultTopic(outboxdomain.ServiceNotification, aggregateNotification)}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Email  email.Provider
	Outbox *outboxservice.Service
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   domain.Repository
	email  email.Provider
	writer *outboxservice.Writer
}

func NewService(p Params) *Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("notification.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		email:  p.Email,
		writer: p.Outbox.Writer(outboxdomain.ServiceNotification),
	}
}

func (s *Service) RegisterCommands(d *command.Dispatcher) error {
	return d.Register(sagadomain.ActionSendNotification, s.send)
}

// Find returns the notification recorded for a booking under the given template
// name, which may be given in display form.
func (s *Service) Find(ctx context.Context, bookingID, template string) (*domain.Notification, error) {
	return s.repo.Find(ctx, s.db, bookingID, slug.Make(template))
}

// send records one notification per booking and template and delivers it when
// the customer id is an email address.
func (s *Service) send(ctx context.Context, tx *gorm.DB, cmd sagadomain.Command) error {
	log := logger.WithContext(ctx, s.log).With(zap.String("booking_id", cmd.BookingID))

	var req sagadomain.NotificationCommand
	if err := decode(cmd, &req); err != nil {
		log.Warn("invalid notification command dropped", zap.Error(err))
		return nil
	}
	template := slug.Make(req.Template)
	if template == "" {
		log.Warn("notification command without template dropped")
		return nil
	}
	channel := strings.ToLower(strings.TrimSpace(req.Channel))
	if channel == "" {
		channel = sagadomain.ChannelEmail
	}

	existing, err := s.repo.Find(ctx, tx, cmd.BookingID, template)
	if err != nil {
		return err
	}
	if existing != nil {
		return s.reply(ctx, tx, cmd, existing)
	}

	status, err := s.deliver(ctx, channel, template, cmd, req)
	if err != nil {
		return err
	}
	item := &domain.Notification{
		ID:        s.genID.Generate(),
		BookingID: cmd.BookingID,
		SagaID:    cmd.SagaID,
		Channel:   channel,
		Template:  template,
		Status:    status,
		CreatedAt: s.clock.Now(),
	}
	if err := s.repo.Insert(ctx, tx, item); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	log.Info("notification recorded",
		zap.String("template", template),
		zap.String("status", status),
	)
	return s.reply(ctx, tx, cmd, item)
}

func (s *Service) deliver(ctx context.Context, channel, template string, cmd sagadomain.Command, req sagadomain.NotificationCommand) (string, error) {
	if channel != sagadomain.ChannelEmail || !strings.Contains(req.CustomerID, "@") {
		return domain.StatusSkipped, nil
	}
	subject, body, err := email.Render(template, map[string]any{
		"CustomerID":         req.CustomerID,
		"BookingID":          cmd.BookingID,
		"ConfirmationNumber": req.ConfirmationNumber,
		"Reason":             req.Reason,
	})
	if errors.Is(err, email.ErrUnknownTemplate) {
		return domain.StatusSkipped, nil
	}
	if err != nil {
		return "", err
	}
	if err := s.email.Send(ctx, []string{req.CustomerID}, subject, body); err != nil {
		return "", fmt.Errorf("send notification: %w", err)
	}
	return domain.StatusSent, nil
}

func (s *Service) reply(ctx context.Context, tx *gorm.DB, cmd sagadomain.Command, item *domain.Notification) error {
	return command.Reply(ctx, tx, s.writer, cmd, sagadomain.EventNotificationSent, aggregateNotification, map[string]any{
		"notificationId": item.ID.String(),
		"channel":        item.Channel,
		"template":       item.Template,
		"status":         item.Status,
	})
}

// RegisterVerifiers checks each NotificationSent event against the recorded row.
func (s *Service) RegisterVerifiers(c *selfevent.Consumer) error {
	return c.Register(sagadomain.EventNotificationSent, func(ctx context.Context, evt selfevent.Event) error {
		var ref struct {
			BookingID      string `json:"bookingId"`
			NotificationID string `json:"notificationId"`
			Template       string `json:"template"`
		}
		if err := evt.Decode(&ref); err != nil {
			return selfevent.Mismatch("undecodable payload: %v", err)
		}
		item, err := s.repo.Find(ctx, s.db, ref.BookingID, ref.Template)
		if err != nil {
			return err
		}
		if item == nil {
			return selfevent.Mismatch("notification %s for booking %s not found", ref.Template, ref.BookingID)
		}
		if item.ID.String() != ref.NotificationID {
			return selfevent.Mismatch("notification for booking %s is %s, event names %s", ref.BookingID, item.ID, ref.NotificationID)
		}
		return nil
	})
}

func decode(cmd sagadomain.Command, v any) error {
	if len(cmd.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", command.ErrInvalidCommand)
	}
	return json.Unmarshal(cmd.Payload, v)
}
