package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/settleup/reconciler/internal/config"
	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/ingestion"
	"github.com/settleup/reconciler/internal/orchestrator"
	"github.com/settleup/reconciler/internal/reconciliation"
	"github.com/settleup/reconciler/internal/repository"
)

// Reconciliation is the query and override surface of the matcher.
type Reconciliation interface {
	ListBatches(ctx context.Context, f repository.BatchFilter) (*reconciliation.BatchPage, error)
	GetBatch(ctx context.Context, id string) (*reconciliation.BatchDetail, error)
	Validate(ctx context.Context, id string) (*reconciliation.Validation, error)
	Reevaluate(ctx context.Context, id string) (*domain.Batch, error)
	ManualMatch(ctx context.Context, batchID, depositID string) (*domain.Batch, error)
	Unmatch(ctx context.Context, batchID string) error
	Stats(ctx context.Context) (*reconciliation.Stats, error)
	Daily(ctx context.Context, date time.Time) (*reconciliation.DailySummary, error)
}

type Importer interface {
	Import(ctx context.Context, format ingestion.Format, data []byte) (*ingestion.ImportResult, error)
}

type Syncs interface {
	Trigger(ctx context.Context, tenant string) (bool, error)
	Status() []orchestrator.TenantStatus
}

type SyncLogs interface {
	List(ctx context.Context, f repository.SyncLogFilter) ([]domain.SyncLog, int, error)
}

type StaleLister interface {
	ListStale(ctx context.Context, olderThan time.Duration) ([]domain.SyncLog, error)
}

type Connector interface {
	Connect(ctx context.Context, realmID, code string) (*domain.Token, error)
}

type ConsentLinker interface {
	AuthCodeURL(state string) string
}

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	recon      Reconciliation
	importer   Importer
	syncs      Syncs
	syncLogs   SyncLogs
	stale      StaleLister
	staleAfter time.Duration
	tokens     Connector
	oauth      ConsentLinker
	states     *stateStore
	log        logrus.FieldLogger
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithField("module", "api").WithError(err).Error("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps domain errors onto status codes. Anything unrecognised is
// logged and reported as 500.
func (h *Handlers) fail(w http.ResponseWriter, funcName string, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrAuthExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case domain.IsConflict(err), errors.Is(err, orchestrator.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ingestion.ErrImportsDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		config.LogError(h.log, "api", funcName, "request failed", nil, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" is not configured")
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil, err
		}
	}
	t = domain.DateOnly(t)
	return &t, nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func dateRange(w http.ResponseWriter, r *http.Request) (from, to *time.Time, ok bool) {
	q := r.URL.Query()
	from, err := parseDate(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from date")
		return nil, nil, false
	}
	to, err = parseDate(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to date")
		return nil, nil, false
	}
	return from, to, true
}

// --- batches ---

func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := strings.ToUpper(q.Get("status"))
	if status != "" && !domain.ReconciliationStatus(status).Valid() {
		writeError(w, http.StatusBadRequest, "status must be PENDING, MATCHED or DISCREPANCY")
		return
	}
	from, to, ok := dateRange(w, r)
	if !ok {
		return
	}
	filter := repository.BatchFilter{
		Status: status,
		From:   from,
		To:     to,
		Page:   parseIntDefault(q.Get("page"), 1),
		Limit:  parseIntDefault(q.Get("limit"), 50),
	}

	page, err := h.recon.ListBatches(r.Context(), filter)
	if err != nil {
		h.fail(w, "ListBatches", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	detail, err := h.recon.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "GetBatch", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handlers) ValidateBatch(w http.ResponseWriter, r *http.Request) {
	v, err := h.recon.Validate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "ValidateBatch", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) ReevaluateBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.recon.Reevaluate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "ReevaluateBatch", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type matchRequest struct {
	DepositID string `json:"deposit_id"`
}

func (h *Handlers) MatchBatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || req.DepositID == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"deposit_id\": \"...\"}")
		return
	}
	b, err := h.recon.ManualMatch(r.Context(), chi.URLParam(r, "id"), req.DepositID)
	if err != nil {
		h.fail(w, "MatchBatch", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handlers) UnmatchBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.recon.Unmatch(r.Context(), id); err != nil {
		h.fail(w, "UnmatchBatch", err)
		return
	}
	detail, err := h.recon.GetBatch(r.Context(), id)
	if err != nil {
		h.fail(w, "UnmatchBatch", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// --- reporting ---

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.recon.Stats(r.Context())
	if err != nil {
		h.fail(w, "GetStats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetDaily summarises one calendar day; ?date defaults to today (UTC).
func (h *Handlers) GetDaily(w http.ResponseWriter, r *http.Request) {
	date := domain.DateOnly(time.Now().UTC())
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}
	summary, err := h.recon.Daily(r.Context(), date)
	if err != nil {
		h.fail(w, "GetDaily", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
