package selfevent

import (
	"github.com/smallbiznis/tripsaga/internal/config"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("selfevent",
	fx.Provide(NewFactory),
)

type FactoryParams struct {
	fx.In

	Store   dedup.Store
	Outbox  *outboxservice.Service
	Tuning  *config.TuningHolder
	Config  config.Config
	Log     *zap.Logger
	Metrics *metrics.Pipeline `optional:"true"`
}

// Factory builds one consumer per service, sharing the dedup store and tuning.
type Factory struct {
	p FactoryParams
}

func NewFactory(p FactoryParams) *Factory {
	return &Factory{p: p}
}

func (f *Factory) For(service string) *Consumer {
	tuning := f.p.Tuning
	return NewConsumer(service, f.p.Store, f.p.Outbox.Tracker(service), Options{
		MaxAttempts: func() int { return tuning.Get().MaxSelfAttempts },
		Strict:      func() bool { return tuning.Get().StrictUnknownTypes },
		TTL:         f.p.Config.Dedup.TTL,
	}, f.p.Log, f.p.Metrics)
}
