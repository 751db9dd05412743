package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"binance-trade-ledger/internal/app"
	"binance-trade-ledger/internal/syncer"

	"github.com/spf13/cobra"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var (
		mode    string
		symbols []string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				if err := a.RequireCredentials(); err != nil {
					return err
				}
				req := syncer.Request{Mode: syncer.ParseMode(mode)}
				for _, s := range symbols {
					if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
						req.Symbols = append(req.Symbols, s)
					}
				}
				report, err := a.Sync.Run(ctx, req)
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(report); encErr != nil {
					return encErr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(syncer.ModeRoutine), "routine, fallback or backfill")
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "restrict the pass to these symbols")
	return cmd
}
