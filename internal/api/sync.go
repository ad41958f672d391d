package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/repository"
)

func (h *Handlers) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.syncs == nil {
		unavailable(w, "sync")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": h.syncs.Status()})
}

// TriggerSync starts a cycle for the tenant and returns at once. A request
// arriving while a cycle runs is coalesced into it and answered with 409.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.syncs == nil {
		unavailable(w, "sync")
		return
	}
	tenant := chi.URLParam(r, "tenant")
	started, err := h.syncs.Trigger(r.Context(), tenant)
	if err != nil {
		h.fail(w, "TriggerSync", err)
		return
	}
	if !started {
		writeJSON(w, http.StatusConflict, map[string]any{
			"tenant":  tenant,
			"started": false,
			"error":   "sync cycle already in progress",
		})
		return
	}
	h.log.WithField("tenant", tenant).Info("sync cycle triggered")
	writeJSON(w, http.StatusAccepted, map[string]any{"tenant": tenant, "started": true})
}

func (h *Handlers) ListSyncLogs(w http.ResponseWriter, r *http.Request) {
	if h.syncLogs == nil {
		unavailable(w, "sync log store")
		return
	}
	q := r.URL.Query()
	from, to, ok := dateRange(w, r)
	if !ok {
		return
	}
	filter := repository.SyncLogFilter{
		Provider:  strings.ToUpper(q.Get("provider")),
		Operation: strings.ToUpper(q.Get("operation")),
		Status:    strings.ToUpper(q.Get("status")),
		BatchID:   q.Get("batch_id"),
		From:      from,
		To:        to,
		Page:      parseIntDefault(q.Get("page"), 1),
		Limit:     parseIntDefault(q.Get("limit"), 50),
	}
	if filter.Provider != "" && !domain.Provider(filter.Provider).Valid() {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	logs, total, err := h.syncLogs.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "ListSyncLogs", err)
		return
	}
	if logs == nil {
		logs = []domain.SyncLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sync_logs": logs,
		"total":     total,
		"page":      filter.Page,
		"limit":     filter.Limit,
	})
}

// ListStaleSyncLogs reports calls that never completed. They are surfaced
// for operators and never resolved automatically.
func (h *Handlers) ListStaleSyncLogs(w http.ResponseWriter, r *http.Request) {
	if h.stale == nil {
		unavailable(w, "sync log store")
		return
	}
	logs, err := h.stale.ListStale(r.Context(), h.staleAfter)
	if err != nil {
		h.fail(w, "ListStaleSyncLogs", err)
		return
	}
	if logs == nil {
		logs = []domain.SyncLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sync_logs":   logs,
		"older_than":  h.staleAfter.String(),
		"total_stale": len(logs),
	})
}
