package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/config"
	"github.com/smallbiznis/tripsaga/internal/logger"
	"github.com/smallbiznis/tripsaga/internal/observability"
	"github.com/smallbiznis/tripsaga/internal/outbox"
	"github.com/smallbiznis/tripsaga/pkg/db"
	"github.com/smallbiznis/tripsaga/pkg/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

const stopTimeout = 15 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:          "tripsaga",
		Short:        "Travel booking sagas over a transactional outbox",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newRelayCmd(),
		newOutboxCmd(),
		newInventoryCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// infra is the shared base of every command: config, logging, tracing, metrics,
// database and the outbox service.
func infra() fx.Option {
	return fx.Options(
		config.Module,
		logger.Module,
		telemetry.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		outbox.Module,
	)
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

// runTask starts a short-lived app, runs fn against the populated targets and stops it.
func runTask(cmd *cobra.Command, opts fx.Option, fn func(ctx context.Context) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := fx.New(infra(), opts, fx.NopLogger)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	runErr := fn(ctx)

	stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
	defer stop()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
