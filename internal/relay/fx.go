package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/config"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"github.com/smallbiznis/tripsaga/internal/relay/cdc"
	"github.com/smallbiznis/tripsaga/internal/relay/polling"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("relay",
	fx.Provide(NewPoller),
	fx.Provide(NewForwarder),
	fx.Provide(New),
	fx.Invoke(start),
)

type Params struct {
	fx.In

	Config  config.Config
	DB      *gorm.DB
	Repo    outboxdomain.Repository
	Broker  broker.Broker
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Pipeline `optional:"true"`
}

func NewPoller(p Params) *polling.Poller {
	cfg := p.Config.Relay
	return polling.New(p.DB, p.Repo, p.Broker, p.Clock, p.Log, p.Metrics, polling.Options{
		Interval:    cfg.PollInterval,
		BatchSize:   cfg.BatchSize,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	})
}

func NewForwarder(p Params) *cdc.Forwarder {
	return cdc.New(p.Broker, p.Broker, p.Log, p.Metrics, cdc.Options{Server: p.Config.Relay.CDCServer})
}

// New selects the relay for RELAY_MODE. Mode none yields a nil Relay.
func New(cfg config.Config, poller *polling.Poller, forwarder *cdc.Forwarder) (Relay, error) {
	switch cfg.Relay.Mode {
	case config.RelayModeCDC:
		return forwarder, nil
	case config.RelayModePolling:
		return poller, nil
	case config.RelayModeNone:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Relay.Mode)
}

func start(lc fx.Lifecycle, r Relay, log *zap.Logger) {
	if r == nil {
		log.Info("outbox relay disabled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := r.Run(ctx); err != nil {
					log.Error("outbox relay stopped", zap.String("relay", r.Name()), zap.Error(err))
				}
			}()
			log.Info("outbox relay started", zap.String("relay", r.Name()))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
