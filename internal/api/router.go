package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Deps are the services behind the HTTP surface. Nil optional services
// turn their routes into 503 responses.
type Deps struct {
	Reconciliation Reconciliation
	Importer       Importer
	Syncs          Syncs
	SyncLogs       SyncLogs
	Stale          StaleLister
	StaleAfter     time.Duration
	Tokens         Connector
	OAuth          ConsentLinker
	Authorizer     Authorizer
	Log            logrus.FieldLogger
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(d Deps) http.Handler {
	if d.StaleAfter <= 0 {
		d.StaleAfter = 10 * time.Minute
	}
	h := &Handlers{
		recon:      d.Reconciliation,
		importer:   d.Importer,
		syncs:      d.Syncs,
		syncLogs:   d.SyncLogs,
		stale:      d.Stale,
		staleAfter: d.StaleAfter,
		tokens:     d.Tokens,
		oauth:      d.OAuth,
		states:     newStateStore(15 * time.Minute),
		log:        d.Log.WithField("module", "api"),
	}
	admin := requireAdmin(d.Authorizer)

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		// Batches.
		r.Get("/batches", h.ListBatches)
		r.Get("/batches/{id}", h.GetBatch)
		r.Get("/batches/{id}/validate", h.ValidateBatch)
		r.With(admin).Post("/batches/{id}/reevaluate", h.ReevaluateBatch)
		r.With(admin).Post("/batches/{id}/match", h.MatchBatch)
		r.With(admin).Delete("/batches/{id}/match", h.UnmatchBatch)

		// Reporting.
		r.Get("/stats", h.GetStats)
		r.Get("/daily", h.GetDaily)

		// Sync.
		r.Get("/sync", h.GetSyncStatus)
		r.With(admin).Post("/sync/{tenant}", h.TriggerSync)
		r.Get("/sync-logs", h.ListSyncLogs)
		r.Get("/sync-logs/stale", h.ListStaleSyncLogs)

		// Imports.
		r.With(admin).Post("/imports", h.Import)

		// QBO connection.
		r.With(admin).Get("/qbo/connect", h.ConnectQBO)
		r.Get("/qbo/callback", h.QBOCallback)
	})

	return r
}
