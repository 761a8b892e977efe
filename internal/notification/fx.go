package notification

import (
	"context"

	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/broker/transport"
	"github.com/smallbiznis/tripsaga/internal/command"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	"github.com/smallbiznis/tripsaga/internal/notification/repository"
	"github.com/smallbiznis/tripsaga/internal/notification/service"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"github.com/smallbiznis/tripsaga/internal/selfevent"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("notification",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Invoke(start),
)

type startParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Service   *service.Service
	DB        *gorm.DB
	Store     dedup.Store
	Factory   *selfevent.Factory
	Broker    broker.Broker
	Log       *zap.Logger
	Metrics   *metrics.Pipeline `optional:"true"`
}

func start(p startParams) error {
	dispatcher := command.NewDispatcher(outboxdomain.ServiceNotification, p.DB, p.Store, p.Log, p.Metrics)
	if err := p.Service.RegisterCommands(dispatcher); err != nil {
		return err
	}
	consumer := p.Factory.For(outboxdomain.ServiceNotification)
	if err := p.Service.RegisterVerifiers(consumer); err != nil {
		return err
	}
	transport.Attach(p.Lifecycle, func(ctx context.Context) error {
		if err := dispatcher.Subscribe(ctx, p.Broker, outboxdomain.TopicNotificationCommands); err != nil {
			return err
		}
		return consumer.Subscribe(ctx, p.Broker, service.SelfEventTopics...)
	})
	return nil
}
