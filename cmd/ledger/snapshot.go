package main

import (
	"context"
	"encoding/json"
	"os"

	"binance-trade-ledger/internal/app"

	"github.com/spf13/cobra"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Build and store one market snapshot now",
	}

	var days int
	rebound := &cobra.Command{
		Use:   "rebound",
		Short: "Rebound from the lowest daily low of the last N days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				snap, err := a.Snapshots.BuildRebound(ctx, days)
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
	rebound.Flags().IntVar(&days, "days", 7, "window length in days")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "leaderboard",
			Short: "Gainers and losers since the UTC day open",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(opts, func(ctx context.Context, a *app.App) error {
					snap, err := a.Snapshots.BuildLeaderboard(ctx)
					if err != nil {
						return err
					}
					return printJSON(snap)
				})
			},
		},
		rebound,
		&cobra.Command{
			Use:   "noon-loss",
			Short: "Open lots under water at mark price",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(opts, func(ctx context.Context, a *app.App) error {
					snap, err := a.Snapshots.BuildNoonLoss(ctx)
					if err != nil {
						return err
					}
					return printJSON(snap)
				})
			},
		},
	)
	return cmd
}
