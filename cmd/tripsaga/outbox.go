package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Outbox inspection"}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print the backlog of every outbox table",
		RunE: func(cmd *cobra.Command, args []string) error {
			var outbox *outboxservice.Service
			return runTask(cmd, fx.Populate(&outbox), func(ctx context.Context) error {
				stats, err := outbox.AllStats(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TABLE\tUNPROCESSED\tFAILED\tEXPIRED\tSELF_PENDING")
				for _, st := range stats {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", st.Table, st.Unprocessed, st.Failed, st.Expired, st.SelfPending)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}
