package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/smallbiznis/tripsaga/internal/inventory"
	"github.com/smallbiznis/tripsaga/internal/inventory/domain"
	"github.com/smallbiznis/tripsaga/internal/inventory/repository"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newInventoryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "inventory", Short: "Flight and hotel capacity"}
	cmd.AddCommand(&cobra.Command{
		Use:   "stock <flight|hotel> <resource-id> <available>",
		Short: "Set the available capacity of a resource",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.Kind(strings.ToLower(args[0]))
			available, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid available %q: %w", args[2], err)
			}

			var services inventory.Services
			opts := fx.Options(
				fx.Provide(repository.Provide),
				fx.Provide(inventory.NewServices),
				fx.Populate(&services),
			)
			return runTask(cmd, opts, func(ctx context.Context) error {
				svc, ok := services.ByKind(kind)
				if !ok {
					return fmt.Errorf("unknown inventory kind %q", args[0])
				}
				if err := svc.Stock(ctx, args[1], available); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s available=%d\n", kind, args[1], available)
				return nil
			})
		},
	})
	return cmd
}
