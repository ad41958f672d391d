// Package synclog wraps every external call in an audit record that is
// written PENDING before the call and completed exactly once afterwards.
package synclog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/settleup/reconciler/internal/config"
	"github.com/settleup/reconciler/internal/domain"
)

// Store persists sync logs.
type Store interface {
	Insert(ctx context.Context, l *domain.SyncLog) error
	Complete(ctx context.Context, l *domain.SyncLog) error
	ListStale(ctx context.Context, before time.Time) ([]domain.SyncLog, error)
}

// Call describes the external call being recorded.
type Call struct {
	Provider  domain.Provider
	Operation string
	BatchID   string
	Request   any
}

// Result is what a successful call reports back for the log.
type Result struct {
	HTTPStatus int
	Response   any
}

type Recorder struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
}

func NewRecorder(store Store, timeout time.Duration, log logrus.FieldLogger) *Recorder {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Recorder{
		store:   store,
		timeout: timeout,
		now:     time.Now,
		log:     log.WithField("module", "synclog"),
	}
}

// Record runs fn under the hard call timeout and returns its error. A call
// that does not return in time fails with a ProviderError wrapping
// context.DeadlineExceeded; fn keeps its context so it can stop early.
func (r *Recorder) Record(ctx context.Context, c Call, fn func(ctx context.Context) (Result, error)) error {
	entry := &domain.SyncLog{
		ID:        uuid.NewString(),
		Provider:  c.Provider,
		Operation: c.Operation,
		Status:    domain.SyncPending,
		StartedAt: r.now().UTC(),
		Request:   marshal(c.Request),
		BatchID:   c.BatchID,
	}
	if err := r.store.Insert(ctx, entry); err != nil {
		return fmt.Errorf("start sync log: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(callCtx)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		err := callCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = &domain.ProviderError{Provider: c.Provider, Operation: c.Operation,
				Err: fmt.Errorf("no response within %s: %w", r.timeout, context.DeadlineExceeded)}
		}
		out = outcome{err: err}
	}

	r.complete(ctx, entry, out.res, out.err)
	return out.err
}

func (r *Recorder) complete(ctx context.Context, entry *domain.SyncLog, res Result, callErr error) {
	finished := r.now().UTC()
	if finished.Before(entry.StartedAt) {
		finished = entry.StartedAt
	}
	entry.FinishedAt = &finished

	if callErr == nil {
		entry.Status = domain.SyncSuccess
		entry.HTTPStatus = statusPtr(res.HTTPStatus)
		entry.Response = marshal(res.Response)
	} else {
		entry.Status = domain.SyncFailure
		entry.ErrorMessage = callErr.Error()
		var pe *domain.ProviderError
		if errors.As(callErr, &pe) {
			entry.HTTPStatus = statusPtr(pe.HTTPStatus)
		}
	}

	// The row must reach a terminal state even if the caller was cancelled.
	if err := r.store.Complete(context.WithoutCancel(ctx), entry); err != nil {
		config.LogError(r.log, "synclog", "Record", "complete sync log", entry.ID, err)
	}
}

// ListStale returns logs still PENDING after olderThan. They are reported,
// never resolved automatically.
func (r *Recorder) ListStale(ctx context.Context, olderThan time.Duration) ([]domain.SyncLog, error) {
	return r.store.ListStale(ctx, r.now().UTC().Add(-olderThan))
}

func statusPtr(code int) *int {
	if code == 0 {
		return nil
	}
	return &code
}

func marshal(v any) json.RawMessage {
	switch t := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return t
	case []byte:
		if json.Valid(t) {
			return t
		}
		v = string(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"unencodable": err.Error()})
	}
	return b
}
