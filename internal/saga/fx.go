package saga

import (
	"context"

	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/broker/transport"
	"github.com/smallbiznis/tripsaga/internal/saga/repository"
	"github.com/smallbiznis/tripsaga/internal/saga/service"
	"go.uber.org/fx"
)

var Module = fx.Module("saga",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewOrchestrator),
	fx.Provide(service.NewResultConsumer),
	fx.Invoke(subscribeResults),
)

func subscribeResults(lc fx.Lifecycle, consumer *service.ResultConsumer, sub broker.Broker) {
	transport.Attach(lc, func(ctx context.Context) error {
		return consumer.Subscribe(ctx, sub)
	})
}
