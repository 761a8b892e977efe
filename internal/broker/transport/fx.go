package transport

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/broker/memory"
	"github.com/smallbiznis/tripsaga/internal/broker/rabbitmq"
	"github.com/smallbiznis/tripsaga/internal/broker/redisstream"
	"github.com/smallbiznis/tripsaga/internal/config"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	TypeMemory   = "memory"
	TypeRedis    = "redis"
	TypeRabbitMQ = "rabbitmq"
)

var Module = fx.Module("broker",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Metrics   *metrics.Pipeline
}

// New builds the broker selected by BROKER_TYPE and closes it on stop.
func New(p Params) (broker.Broker, error) {
	cfg := p.Config.Broker
	policy := broker.RedeliveryPolicy{MaxDelivery: cfg.MaxDelivery}

	var (
		b       broker.Broker
		cleanup func() error
	)
	switch cfg.Type {
	case "", TypeMemory:
		b = memory.New(memory.Config{Partitions: cfg.Partitions, Redelivery: policy}, p.Log, p.Metrics)
	case TypeRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		b = redisstream.New(client, redisstream.Config{
			Partitions: cfg.Partitions,
			Consumer:   consumerName(p.Config.AppName),
			Redelivery: policy,
		}, p.Log, p.Metrics)
		cleanup = client.Close
	case TypeRabbitMQ:
		rb, err := rabbitmq.Dial(rabbitmq.Config{URL: cfg.RabbitURL, Exchange: cfg.Exchange, Redelivery: policy}, p.Log, p.Metrics)
		if err != nil {
			return nil, err
		}
		b = rb
	default:
		return nil, fmt.Errorf("%w: %q", broker.ErrUnknownType, cfg.Type)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			err := b.Close()
			if cleanup != nil {
				if cerr := cleanup(); err == nil {
					err = cerr
				}
			}
			return err
		},
	})
	p.Log.Info("broker ready", zap.String("type", cfg.Type), zap.Int("partitions", cfg.Partitions))
	return b, nil
}

// consumerName stays stable across restarts so pending stream entries are replayed.
func consumerName(app string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return app + "-" + host
}

// Attach runs subscribe on start with a context that is cancelled on stop, so
// deliveries end before the broker closes.
func Attach(lc fx.Lifecycle, subscribe func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return subscribe(ctx)
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
