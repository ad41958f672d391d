package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/settleup/reconciler/internal/orchestrator"
)

var syncTenant string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now and print its report",
	Long: `Fetch MSC batches, QBO deposits and Blueprint transactions for the
configured lookback, ingest them and run a reconciliation pass.

Examples:
  reconciler sync
  reconciler sync --tenant downtown`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVarP(&syncTenant, "tenant", "t", "", "tenant to sync (default: all)")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(a *app) error {
		tenants := a.manager.Tenants()
		if syncTenant != "" {
			tenants = []string{syncTenant}
		}
		if len(tenants) == 0 {
			return fmt.Errorf("no tenants configured; set TENANTS=name:realm")
		}

		var reports []*orchestrator.CycleReport
		for _, name := range tenants {
			o, err := a.manager.Get(name)
			if err != nil {
				return err
			}
			rep, err := o.RunCycle(ctx)
			if rep != nil {
				reports = append(reports, rep)
			}
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				return fmt.Errorf("sync %s: %w", name, err)
			}
		}
		return printJSON(reports)
	})
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
