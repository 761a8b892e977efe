package main

import (
	"context"

	"github.com/smallbiznis/tripsaga/internal/migration"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, migration.Module, func(context.Context) error { return nil })
		},
	}
}
