// Package tokenstore keeps one live OAuth credential pair per QBO realm
// and refreshes it before it expires.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/settleup/reconciler/internal/config"
	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/keylock"
	"github.com/settleup/reconciler/internal/synclog"
)

// Repo is the persistence the store needs.
type Repo interface {
	GetByRealm(ctx context.Context, realmID string) (*domain.Token, error)
	Upsert(ctx context.Context, t *domain.Token) error
	UpdateCredentials(ctx context.Context, realmID, access, refresh string, expiresAt, now time.Time) error
}

// Credentials is a token pair returned by the authorization server.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher talks to the authorization server.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Credentials, error)
	Exchange(ctx context.Context, code string) (*Credentials, error)
}

// Recorder audits the refresh call.
type Recorder interface {
	Record(ctx context.Context, c synclog.Call, fn func(ctx context.Context) (synclog.Result, error)) error
}

type Store struct {
	repo      Repo
	refresher Refresher
	locker    keylock.Locker
	recorder  Recorder
	lookahead time.Duration
	timeout   time.Duration
	now       func() time.Time
	group     singleflight.Group
	log       logrus.FieldLogger
}

type Option func(*Store)

// WithLookahead sets how long a returned token must remain valid.
func WithLookahead(d time.Duration) Option { return func(s *Store) { s.lookahead = d } }

// WithTimeout bounds a refresh that outlives its first caller.
func WithTimeout(d time.Duration) Option { return func(s *Store) { s.timeout = d } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(repo Repo, refresher Refresher, locker keylock.Locker, recorder Recorder,
	log logrus.FieldLogger, opts ...Option) *Store {
	s := &Store{
		repo:      repo,
		refresher: refresher,
		locker:    locker,
		recorder:  recorder,
		lookahead: 5 * time.Minute,
		timeout:   60 * time.Second,
		now:       time.Now,
		log:       log.WithField("module", "tokenstore"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetValidToken returns a token that stays valid for at least the lookahead
// window, refreshing it first if needed. Concurrent callers for one realm
// share a single refresh.
func (s *Store) GetValidToken(ctx context.Context, realmID string) (*domain.Token, error) {
	tok, err := s.repo.GetByRealm(ctx, realmID)
	if err != nil {
		return nil, fmt.Errorf("get token %s: %w", realmID, err)
	}
	if tok.ValidFor(s.now(), s.lookahead) {
		return tok, nil
	}
	return s.refresh(ctx, realmID, false)
}

// Refresh forces a new access token regardless of the current expiry.
func (s *Store) Refresh(ctx context.Context, realmID string) (*domain.Token, error) {
	return s.refresh(ctx, realmID, true)
}

func (s *Store) refresh(ctx context.Context, realmID string, force bool) (*domain.Token, error) {
	key := realmID
	if force {
		key += "|force"
	}
	ch := s.group.DoChan(key, func() (any, error) {
		// Detached so one cancelled caller does not fail the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.refreshLocked(fctx, realmID, force)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// Shared callers each get their own copy.
		tok := *res.Val.(*domain.Token)
		return &tok, nil
	}
}

func (s *Store) refreshLocked(ctx context.Context, realmID string, force bool) (*domain.Token, error) {
	unlock, err := s.locker.Lock(ctx, "token:"+realmID)
	if err != nil {
		return nil, fmt.Errorf("lock token %s: %w", realmID, err)
	}
	defer unlock()

	// Another process may have refreshed while we waited for the lock.
	tok, err := s.repo.GetByRealm(ctx, realmID)
	if err != nil {
		return nil, fmt.Errorf("get token %s: %w", realmID, err)
	}
	if !force && tok.ValidFor(s.now(), s.lookahead) {
		return tok, nil
	}

	var creds *Credentials
	call := synclog.Call{
		Provider:  domain.ProviderQBO,
		Operation: domain.OpRefreshToken,
		Request:   map[string]string{"realm_id": realmID},
	}
	err = s.recorder.Record(ctx, call, func(ctx context.Context) (synclog.Result, error) {
		c, err := s.refresher.Refresh(ctx, tok.RefreshToken)
		if err != nil {
			return synclog.Result{}, err
		}
		if c.RefreshToken == "" {
			c.RefreshToken = tok.RefreshToken
		}
		// The old refresh token is spent from here on, so the new pair is
		// stored even if the recorder has stopped waiting.
		if err := s.persist(context.WithoutCancel(ctx), realmID, c); err != nil {
			return synclog.Result{}, err
		}
		creds = c
		return synclog.Result{HTTPStatus: 200, Response: map[string]any{"expires_at": c.ExpiresAt}}, nil
	})
	if errors.Is(err, ErrCredentialsNotStored) {
		return nil, err
	}
	if err != nil {
		s.log.WithError(err).WithField("realm_id", realmID).Warn("token refresh failed")
		return nil, &domain.AuthExpiredError{RealmID: realmID, Err: err}
	}

	now := s.now().UTC()
	tok.AccessToken = creds.AccessToken
	tok.RefreshToken = creds.RefreshToken
	tok.ExpiresAt = creds.ExpiresAt.UTC()
	tok.UpdatedAt = now
	s.log.WithFields(logrus.Fields{"realm_id": realmID, "expires_at": tok.ExpiresAt}).Info("token refreshed")
	return tok, nil
}

// ErrCredentialsNotStored means the provider issued new credentials that
// could not be saved. The realm has to be connected again.
var ErrCredentialsNotStored = errors.New("refreshed credentials not stored")

// persist saves a refreshed pair, retrying once on a fresh deadline.
func (s *Store) persist(ctx context.Context, realmID string, c *Credentials) error {
	store := func() error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.repo.UpdateCredentials(ctx, realmID, c.AccessToken, c.RefreshToken, c.ExpiresAt.UTC(), s.now().UTC())
	}
	err := store()
	if err == nil {
		return nil
	}
	s.log.WithError(err).WithField("realm_id", realmID).Warn("storing refreshed token failed, retrying")
	if err = store(); err == nil {
		return nil
	}
	config.LogError(s.log, "tokenstore", "persist", "refreshed credentials lost, realm must be reconnected",
		map[string]any{"realm_id": realmID, "expires_at": c.ExpiresAt}, err)
	return fmt.Errorf("store refreshed token %s: %w: %w", realmID, ErrCredentialsNotStored, err)
}

// Connect exchanges an authorization code and stores the realm's first
// credential pair, replacing any previous one.
func (s *Store) Connect(ctx context.Context, realmID, code string) (*domain.Token, error) {
	if realmID == "" || code == "" {
		return nil, &domain.ValidationError{Entity: "token", ExternalID: realmID, Reason: "realm id and code are required"}
	}
	unlock, err := s.locker.Lock(ctx, "token:"+realmID)
	if err != nil {
		return nil, fmt.Errorf("lock token %s: %w", realmID, err)
	}
	defer unlock()

	var creds *Credentials
	call := synclog.Call{
		Provider:  domain.ProviderQBO,
		Operation: domain.OpConnect,
		Request:   map[string]string{"realm_id": realmID},
	}
	err = s.recorder.Record(ctx, call, func(ctx context.Context) (synclog.Result, error) {
		c, err := s.refresher.Exchange(ctx, code)
		if err != nil {
			return synclog.Result{}, err
		}
		creds = c
		return synclog.Result{HTTPStatus: 200}, nil
	})
	if err != nil {
		return nil, &domain.AuthExpiredError{RealmID: realmID, Err: err}
	}

	now := s.now().UTC()
	tok := &domain.Token{
		ID:           uuid.NewString(),
		RealmID:      realmID,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    creds.ExpiresAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Upsert(ctx, tok); err != nil {
		return nil, fmt.Errorf("store token %s: %w", realmID, err)
	}
	return tok, nil
}

// IsAuthExpired reports whether err requires re-authorizing the realm.
func IsAuthExpired(err error) bool {
	return errors.Is(err, domain.ErrAuthExpired)
}
