package observability

import (
	"github.com/smallbiznis/tripsaga/internal/config"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		provideMetricsConfig,
		metrics.DefaultWithConfig,
		metrics.SchedulerWithConfig,
	),
)

func provideMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	}
}
