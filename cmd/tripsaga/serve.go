package main

import (
	"github.com/smallbiznis/tripsaga/internal/booking"
	"github.com/smallbiznis/tripsaga/internal/broker/transport"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	"github.com/smallbiznis/tripsaga/internal/inventory"
	"github.com/smallbiznis/tripsaga/internal/migration"
	"github.com/smallbiznis/tripsaga/internal/notification"
	"github.com/smallbiznis/tripsaga/internal/payment"
	"github.com/smallbiznis/tripsaga/internal/providers"
	"github.com/smallbiznis/tripsaga/internal/relay"
	"github.com/smallbiznis/tripsaga/internal/saga"
	"github.com/smallbiznis/tripsaga/internal/scheduler"
	"github.com/smallbiznis/tripsaga/internal/selfevent"
	"github.com/smallbiznis/tripsaga/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newServeCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, every service consumer, the relay and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []fx.Option{infra()}
			if !skipMigrate {
				opts = append(opts, migration.Module)
			}
			opts = append(opts,
				transport.Module,
				dedup.Module,
				selfevent.Module,
				providers.Module,

				// services
				saga.Module,
				booking.Module,
				inventory.Module,
				payment.Module,
				notification.Module,

				relay.Module,
				scheduler.Module,
				server.Module,
			)

			app := fx.New(opts...)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not apply migrations on startup")
	return cmd
}
