package logger

import (
	"context"

	"github.com/smallbiznis/tripsaga/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewFromConfig creates a zap logger from Config and replaces globals.
func NewFromConfig(appCfg config.Config) (*zap.Logger, error) {
	return New(Options{
		Level:  appCfg.LogLevel,
		Format: appCfg.LogFormat,
		Fields: []zap.Field{
			zap.String("service", appCfg.AppName),
			zap.String("env", appCfg.Environment),
			zap.String("version", appCfg.AppVersion),
		},
	})
}

func registerHooks(lc fx.Lifecycle, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
}

// Module wires the global zap logger for the application.
var Module = fx.Module("logger",
	fx.Provide(NewFromConfig),
	fx.Invoke(registerHooks),
)
