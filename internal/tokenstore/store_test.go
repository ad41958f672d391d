package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/settleup/reconciler/internal/config"
	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/keylock"
	"github.com/settleup/reconciler/internal/synclog"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type memRepo struct {
	mu      sync.Mutex
	tokens  map[string]domain.Token
	updates int
	// failUpdates makes the next n UpdateCredentials calls fail.
	failUpdates int
}

func (m *memRepo) GetByRealm(_ context.Context, realmID string) (*domain.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[realmID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (m *memRepo) Upsert(_ context.Context, t *domain.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.RealmID] = *t
	return nil
}

func (m *memRepo) UpdateCredentials(_ context.Context, realmID, access, refresh string, exp, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdates > 0 {
		m.failUpdates--
		return errors.New("database is locked")
	}
	t, ok := m.tokens[realmID]
	if !ok {
		return domain.ErrNotFound
	}
	t.AccessToken, t.RefreshToken, t.ExpiresAt, t.UpdatedAt = access, refresh, exp, now
	m.tokens[realmID] = t
	m.updates++
	return nil
}

type fakeRefresher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	n := f.calls.Add(1)
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	return &Credentials{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		ExpiresAt:    t0.Add(time.Hour),
	}, nil
}

func (f *fakeRefresher) Exchange(ctx context.Context, code string) (*Credentials, error) {
	if code == "bad" {
		return nil, errors.New("invalid_grant")
	}
	return &Credentials{AccessToken: "a-" + code, RefreshToken: "r-" + code, ExpiresAt: t0.Add(time.Hour)}, nil
}

type passRecorder struct{ calls atomic.Int32 }

func (p *passRecorder) Record(ctx context.Context, _ synclog.Call, fn func(context.Context) (synclog.Result, error)) error {
	p.calls.Add(1)
	_, err := fn(ctx)
	return err
}

// lateRecorder stops waiting before the call finishes, the way the real
// recorder does on timeout.
type lateRecorder struct{}

func (lateRecorder) Record(ctx context.Context, _ synclog.Call, fn func(context.Context) (synclog.Result, error)) error {
	callCtx, cancel := context.WithCancel(ctx)
	cancel()
	fn(callCtx)
	return &domain.ProviderError{Provider: domain.ProviderQBO, Operation: domain.OpRefreshToken, Err: context.DeadlineExceeded}
}

func newStore(repo Repo, ref Refresher, rec Recorder) *Store {
	return New(repo, ref, keylock.NewLocal(), rec, config.NewDiscardLogger(),
		WithClock(func() time.Time { return t0 }))
}

func seeded(expiresAt time.Time) *memRepo {
	return &memRepo{tokens: map[string]domain.Token{
		"realm-1": {ID: "t1", RealmID: "realm-1", AccessToken: "old", RefreshToken: "r0", ExpiresAt: expiresAt},
	}}
}

func TestGetValidTokenSkipsRefreshWhenFresh(t *testing.T) {
	repo := seeded(t0.Add(30 * time.Minute))
	ref := &fakeRefresher{}
	s := newStore(repo, ref, &passRecorder{})

	tok, err := s.GetValidToken(context.Background(), "realm-1")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "old" || ref.calls.Load() != 0 {
		t.Errorf("unexpected refresh: token %s, calls %d", tok.AccessToken, ref.calls.Load())
	}
}

func TestGetValidTokenRefreshesInsideLookahead(t *testing.T) {
	repo := seeded(t0.Add(4 * time.Minute))
	ref := &fakeRefresher{}
	rec := &passRecorder{}
	s := newStore(repo, ref, rec)

	tok, err := s.GetValidToken(context.Background(), "realm-1")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "access-1" || tok.RefreshToken != "refresh-1" {
		t.Errorf("token = %+v", tok)
	}
	if !tok.ExpiresAt.After(t0.Add(5 * time.Minute)) {
		t.Errorf("expiry %s not beyond lookahead", tok.ExpiresAt)
	}
	if rec.calls.Load() != 1 {
		t.Errorf("refresh not recorded")
	}
	stored, _ := repo.GetByRealm(context.Background(), "realm-1")
	if stored.AccessToken != "access-1" {
		t.Errorf("stored token = %s", stored.AccessToken)
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	repo := seeded(t0.Add(-time.Minute))
	ref := &fakeRefresher{delay: 20 * time.Millisecond}
	s := newStore(repo, ref, &passRecorder{})

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := s.GetValidToken(context.Background(), "realm-1")
			errs[i] = err
			if tok != nil {
				tokens[i] = tok.AccessToken
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "access-1" {
			t.Errorf("caller %d got %s", i, tokens[i])
		}
	}
	if n := ref.calls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if repo.updates != 1 {
		t.Errorf("updates = %d, want 1", repo.updates)
	}
}

func TestSharedRefreshReturnsCopies(t *testing.T) {
	repo := seeded(t0.Add(-time.Minute))
	ref := &fakeRefresher{delay: 20 * time.Millisecond}
	s := newStore(repo, ref, &passRecorder{})

	var wg sync.WaitGroup
	toks := make([]*domain.Token, 2)
	for i := range toks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			toks[i], _ = s.GetValidToken(context.Background(), "realm-1")
		}(i)
	}
	wg.Wait()

	if toks[0] == nil || toks[1] == nil {
		t.Fatal("missing token")
	}
	if toks[0] == toks[1] {
		t.Fatal("callers share one token value")
	}
	toks[0].AccessToken = "mutated"
	if toks[1].AccessToken != "access-1" {
		t.Errorf("second caller sees %s", toks[1].AccessToken)
	}
}

func TestRefreshRetriesStoringCredentials(t *testing.T) {
	repo := seeded(t0.Add(-time.Minute))
	repo.failUpdates = 1
	s := newStore(repo, &fakeRefresher{}, &passRecorder{})

	tok, err := s.GetValidToken(context.Background(), "realm-1")
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := repo.GetByRealm(context.Background(), "realm-1")
	if tok.AccessToken != "access-1" || stored.RefreshToken != "refresh-1" {
		t.Errorf("returned %s, stored %+v", tok.AccessToken, stored)
	}
}

func TestRefreshNotStoredIsNotAuthExpired(t *testing.T) {
	repo := seeded(t0.Add(-time.Minute))
	repo.failUpdates = 2
	s := newStore(repo, &fakeRefresher{}, &passRecorder{})

	_, err := s.GetValidToken(context.Background(), "realm-1")
	if !errors.Is(err, ErrCredentialsNotStored) {
		t.Fatalf("err = %v, want ErrCredentialsNotStored", err)
	}
	if IsAuthExpired(err) {
		t.Errorf("storage failure reported as auth expired: %v", err)
	}
}

func TestRefreshStoredAfterRecorderGivesUp(t *testing.T) {
	repo := seeded(t0.Add(-time.Minute))
	s := newStore(repo, &fakeRefresher{}, lateRecorder{})

	if _, err := s.GetValidToken(context.Background(), "realm-1"); err == nil {
		t.Fatal("expected the abandoned refresh to fail")
	}
	stored, _ := repo.GetByRealm(context.Background(), "realm-1")
	if stored.AccessToken != "access-1" || stored.RefreshToken != "refresh-1" {
		t.Errorf("rotated pair lost: %+v", stored)
	}
}

func TestRefreshFailureIsAuthExpired(t *testing.T) {
	repo := seeded(t0.Add(-time.Minute))
	ref := &fakeRefresher{err: errors.New("invalid_grant")}
	s := newStore(repo, ref, &passRecorder{})

	_, err := s.GetValidToken(context.Background(), "realm-1")
	if !IsAuthExpired(err) {
		t.Fatalf("expected auth expired, got %v", err)
	}
	var ae *domain.AuthExpiredError
	if !errors.As(err, &ae) || ae.RealmID != "realm-1" {
		t.Errorf("err = %#v", err)
	}
	stored, _ := repo.GetByRealm(context.Background(), "realm-1")
	if stored.AccessToken != "old" {
		t.Errorf("token changed after failed refresh")
	}
}

func TestMissingRealm(t *testing.T) {
	s := newStore(&memRepo{tokens: map[string]domain.Token{}}, &fakeRefresher{}, &passRecorder{})
	if _, err := s.GetValidToken(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestForcedRefresh(t *testing.T) {
	repo := seeded(t0.Add(time.Hour))
	ref := &fakeRefresher{}
	s := newStore(repo, ref, &passRecorder{})

	tok, err := s.Refresh(context.Background(), "realm-1")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "access-1" || ref.calls.Load() != 1 {
		t.Errorf("forced refresh did not run: %+v", tok)
	}
}

func TestConnect(t *testing.T) {
	repo := &memRepo{tokens: map[string]domain.Token{}}
	s := newStore(repo, &fakeRefresher{}, &passRecorder{})

	tok, err := s.Connect(context.Background(), "realm-9", "code1")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "a-code1" || tok.ID == "" {
		t.Errorf("token = %+v", tok)
	}
	if _, err := s.Connect(context.Background(), "realm-9", "bad"); !IsAuthExpired(err) {
		t.Errorf("bad code err = %v", err)
	}
	var ve *domain.ValidationError
	if _, err := s.Connect(context.Background(), "", "x"); !errors.As(err, &ve) {
		t.Errorf("missing realm err = %v", err)
	}
}

func TestOAuthRefresherAgainstTokenEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "cid" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "r0" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	r := NewOAuthRefresher("cid", "secret", srv.URL+"/auth", srv.URL+"/token", "")
	creds, err := r.Refresh(context.Background(), "r0")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if creds.AccessToken != "new-access" || creds.RefreshToken != "new-refresh" {
		t.Errorf("creds = %+v", creds)
	}
	if time.Until(creds.ExpiresAt) < 50*time.Minute {
		t.Errorf("expiry = %s", creds.ExpiresAt)
	}

	if _, err := r.Refresh(context.Background(), "stale"); err == nil {
		t.Error("expected error for rejected refresh token")
	}
}
