package booking

import (
	"context"

	"github.com/smallbiznis/tripsaga/internal/booking/repository"
	"github.com/smallbiznis/tripsaga/internal/booking/service"
	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/broker/transport"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"github.com/smallbiznis/tripsaga/internal/selfevent"
	"go.uber.org/fx"
)

var Module = fx.Module("booking",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Invoke(registerSelfEvents),
)

func registerSelfEvents(lc fx.Lifecycle, svc *service.Service, factory *selfevent.Factory, sub broker.Broker) error {
	consumer := factory.For(outboxdomain.ServiceBooking)
	if err := svc.RegisterVerifiers(consumer); err != nil {
		return err
	}
	transport.Attach(lc, func(ctx context.Context) error {
		return consumer.Subscribe(ctx, sub, service.SelfEventTopics...)
	})
	return nil
}
