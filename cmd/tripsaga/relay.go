package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/tripsaga/internal/broker/transport"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	"github.com/smallbiznis/tripsaga/internal/relay"
	"github.com/smallbiznis/tripsaga/internal/relay/polling"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "relay", Short: "Outbox relay operations"}
	cmd.AddCommand(newPollOnceCmd(), newReconcileCmd())
	return cmd
}

func newPollOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll-once",
		Short: "Run a single polling relay pass over every outbox table",
		RunE: func(cmd *cobra.Command, args []string) error {
			var poller *polling.Poller
			opts := fx.Options(
				transport.Module,
				fx.Provide(relay.NewPoller),
				fx.Populate(&poller),
			)
			return runTask(cmd, opts, func(ctx context.Context) error {
				res, err := poller.PollOnce(ctx)
				fmt.Fprintf(cmd.OutOrStdout(),
					"published=%d retried=%d exhausted=%d deferred=%d blocked=%d expired=%d failed=%d\n",
					res.Published, res.Retried, res.Exhausted, res.Deferred, res.Blocked, res.Expired, res.Failed)
				return err
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var (
		tables []string
		before string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Mark rows created before a cutoff as relayed, for switching from CDC to polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff := time.Now().UTC()
			if strings.TrimSpace(before) != "" {
				parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(before))
				if err != nil {
					return fmt.Errorf("invalid --before: %w", err)
				}
				cutoff = parsed
			}
			services, err := servicesFor(tables)
			if err != nil {
				return err
			}

			var (
				outbox *outboxservice.Service
				log    *zap.Logger
			)
			return runTask(cmd, fx.Populate(&outbox, &log), func(ctx context.Context) error {
				marked, err := relay.Reconcile(ctx, outbox, log, cutoff, services...)
				for _, service := range services {
					if n, ok := marked[service]; ok {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", outboxdomain.TableName(service), n)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&tables, "table", nil, "Outbox table or service name, repeatable (default all)")
	cmd.Flags().StringVar(&before, "before", "", "RFC3339 cutoff (default now)")
	return cmd
}

// servicesFor accepts service names or outbox table names. Empty means all services.
func servicesFor(tables []string) ([]string, error) {
	if len(tables) == 0 {
		return outboxdomain.Services, nil
	}
	out := make([]string, 0, len(tables))
	for _, raw := range tables {
		name := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), "_outbox_events")
		known := false
		for _, service := range outboxdomain.Services {
			if service == name {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown outbox table %q", raw)
		}
		out = append(out, name)
	}
	return out, nil
}
