package api

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/settleup/reconciler/internal/ingestion"
)

const maxImportBytes = 32 << 20

// Import accepts a multipart upload with "format" and "file" fields.
func (h *Handlers) Import(w http.ResponseWriter, r *http.Request) {
	if h.importer == nil {
		unavailable(w, "import")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes+1<<20)
	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	format := r.FormValue("format")
	if format == "" {
		writeError(w, http.StatusBadRequest, "format is required")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read file: "+err.Error())
		return
	}

	result, err := h.importer.Import(r.Context(), ingestion.Format(format), data)
	if err != nil {
		h.fail(w, "Import", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ConnectQBO answers with the consent URL for a QBO company. The realm is
// reported back by Intuit on the callback.
func (h *Handlers) ConnectQBO(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil || h.tokens == nil {
		unavailable(w, "QBO OAuth")
		return
	}
	state := h.states.issue()
	writeJSON(w, http.StatusOK, map[string]string{
		"authorization_url": h.oauth.AuthCodeURL(state),
		"state":             state,
	})
}

func (h *Handlers) QBOCallback(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		unavailable(w, "QBO OAuth")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+e)
		return
	}
	if !h.states.consume(q.Get("state")) {
		writeError(w, http.StatusForbidden, "unknown or expired state")
		return
	}

	realmID := q.Get("realmId")
	tok, err := h.tokens.Connect(r.Context(), realmID, q.Get("code"))
	if err != nil {
		h.fail(w, "QBOCallback", err)
		return
	}
	h.log.WithField("realm_id", realmID).Info("QBO realm connected")
	writeJSON(w, http.StatusOK, map[string]any{
		"realm_id":   tok.RealmID,
		"expires_at": tok.ExpiresAt,
	})
}

// stateStore tracks OAuth state values handed out by ConnectQBO. Each is
// accepted once, within ttl.
type stateStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	issued map[string]time.Time
}

func newStateStore(ttl time.Duration) *stateStore {
	return &stateStore{ttl: ttl, now: time.Now, issued: make(map[string]time.Time)}
}

func (s *stateStore) issue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, at := range s.issued {
		if now.Sub(at) > s.ttl {
			delete(s.issued, k)
		}
	}
	state := uuid.NewString()
	s.issued[state] = now
	return state
}

func (s *stateStore) consume(state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.issued[state]
	if !ok {
		return false
	}
	delete(s.issued, state)
	return s.now().Sub(at) <= s.ttl
}
