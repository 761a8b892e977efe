package dedup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripsaga/internal/config"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendPebble = "pebble"
)

var Module = fx.Module("dedup",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Metrics   *metrics.Pipeline
}

// New builds the store selected by DEDUP_BACKEND. Redis falls back to memory when unreachable.
func New(p Params) (Store, error) {
	cfg := p.Config.Dedup
	var store Store
	switch cfg.Backend {
	case "", BackendMemory:
		store = NewMemoryStore()
	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store = NewFallbackStore(NewRedisStore(client, true), NewMemoryStore(), p.Log, p.Metrics)
	case BackendPebble:
		ps, err := OpenPebble(PebbleOptions{DataDir: cfg.PebbleDir})
		if err != nil {
			return nil, fmt.Errorf("open pebble dedup store: %w", err)
		}
		store = ps
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Backend)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	p.Log.Info("dedup store ready", zap.String("backend", cfg.Backend))
	return store, nil
}
