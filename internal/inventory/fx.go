package inventory

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/broker/transport"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/command"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	"github.com/smallbiznis/tripsaga/internal/inventory/domain"
	"github.com/smallbiznis/tripsaga/internal/inventory/repository"
	"github.com/smallbiznis/tripsaga/internal/inventory/service"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	"github.com/smallbiznis/tripsaga/internal/selfevent"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("inventory",
	fx.Provide(repository.Provide),
	fx.Provide(NewServices),
	fx.Invoke(start),
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Outbox *outboxservice.Service
}

// Services holds the flight and hotel flavours, which share code but not tables.
type Services struct {
	Flight *service.Service
	Hotel  *service.Service
}

func (s Services) ByKind(kind domain.Kind) (*service.Service, bool) {
	switch kind {
	case domain.KindFlight:
		return s.Flight, true
	case domain.KindHotel:
		return s.Hotel, true
	}
	return nil, false
}

func NewServices(p Params) Services {
	build := func(kind domain.Kind) *service.Service {
		return service.NewService(service.Params{
			Kind:   kind,
			DB:     p.DB,
			Log:    p.Log,
			GenID:  p.GenID,
			Clock:  p.Clock,
			Repo:   p.Repo,
			Outbox: p.Outbox,
		})
	}
	return Services{Flight: build(domain.KindFlight), Hotel: build(domain.KindHotel)}
}

type startParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Services  Services
	DB        *gorm.DB
	Store     dedup.Store
	Factory   *selfevent.Factory
	Broker    broker.Broker
	Log       *zap.Logger
	Metrics   *metrics.Pipeline `optional:"true"`
}

func start(p startParams) error {
	for _, svc := range []*service.Service{p.Services.Flight, p.Services.Hotel} {
		svc := svc
		dispatcher := command.NewDispatcher(string(svc.Kind()), p.DB, p.Store, p.Log, p.Metrics)
		if err := svc.RegisterCommands(dispatcher); err != nil {
			return err
		}
		consumer := p.Factory.For(string(svc.Kind()))
		if err := svc.RegisterVerifiers(consumer); err != nil {
			return err
		}
		transport.Attach(p.Lifecycle, func(ctx context.Context) error {
			if err := dispatcher.Subscribe(ctx, p.Broker, outboxdomain.TopicBookingCommands); err != nil {
				return err
			}
			return consumer.Subscribe(ctx, p.Broker, svc.SelfEventTopics()...)
		})
	}
	return nil
}
