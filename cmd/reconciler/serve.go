package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/settleup/reconciler/internal/api"
	"github.com/settleup/reconciler/internal/ingestion"
)

var serveNoSync bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the scheduled sync cycles",
	Long: `Start the query/admin HTTP API under /api/v1 and run one sync
cycle per tenant on SYNC_INTERVAL.

Examples:
  reconciler serve
  reconciler serve --no-sync
  SEED_FIXTURES=testdata reconciler serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoSync, "no-sync", false, "serve the API without scheduled sync cycles")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(a *app) error {
		if a.cfg.SeedFixtures != "" {
			if err := seedFixtures(ctx, a, a.cfg.SeedFixtures); err != nil {
				a.log.WithError(err).Warn("failed to seed fixtures")
			}
		}
		if a.cfg.AdminToken == "" {
			a.log.Warn("ADMIN_TOKEN is not set; admin routes will refuse every request")
		}

		srv := &http.Server{
			Addr:              ":" + a.cfg.Port,
			Handler:           api.NewRouter(a.apiDeps()),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			a.log.WithField("addr", "http://localhost:"+a.cfg.Port+"/api/v1").Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if !serveNoSync {
			a.log.WithField("tenants", a.manager.Tenants()).Info("scheduling sync cycles")
			g.Go(func() error { return a.manager.Run(ctx) })
		}
		return g.Wait()
	})
}

// seedFixtures loads the files written by testdata/generate into an empty
// database. Batches go last so one pass sees every candidate.
func seedFixtures(ctx context.Context, a *app, dir string) error {
	stats, err := a.store.Batches.Stats(ctx)
	if err != nil {
		return fmt.Errorf("count batches: %w", err)
	}
	if stats.Total > 0 {
		a.log.WithField("batches", stats.Total).Info("database already has batches, skipping seed")
		return nil
	}

	files := []struct {
		name   string
		format ingestion.Format
	}{
		{"blueprint_transactions.csv", ingestion.FormatBlueprintCSV},
		{"qbo_deposits.json", ingestion.FormatDepositsJSON},
		{"msc_batches.csv", ingestion.FormatMSCCSV},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		res, err := a.ingest.Import(ctx, f.format, data)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		a.log.WithFields(logrus.Fields{
			"file":     path,
			"created":  res.Upsert.Created,
			"rejected": len(res.Upsert.Rejected),
		}).Info("seeded fixture")
	}
	return nil
}
