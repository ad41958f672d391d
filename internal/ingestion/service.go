package ingestion

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/settleup/reconciler/internal/currency"
	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/keylock"
	"github.com/settleup/reconciler/internal/repository"
)

// Rejection is one raw record that could not be stored.
type Rejection struct {
	Index      int    `json:"index"`
	ExternalID string `json:"external_id"`
	Reason     string `json:"reason"`
	Err        error  `json:"-"`
}

// Result summarises one upsert call.
type Result struct {
	Entity    string      `json:"entity"`
	Received  int         `json:"received"`
	Created   int         `json:"created"`
	Updated   int         `json:"updated"`
	Unchanged int         `json:"unchanged"`
	Reset     int         `json:"reset"`
	Rejected  []Rejection `json:"rejected,omitempty"`

	mu sync.Mutex
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeUnchanged
	// outcomeReset is an update that moved a batch back to PENDING.
	outcomeReset
)

func (r *Result) add(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch o {
	case outcomeCreated:
		r.Created++
	case outcomeUpdated:
		r.Updated++
	case outcomeUnchanged:
		r.Unchanged++
	case outcomeReset:
		r.Updated++
		r.Reset++
	}
}

func (r *Result) reject(i int, externalID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rejected = append(r.Rejected, Rejection{Index: i, ExternalID: externalID, Reason: err.Error(), Err: err})
}

// Service stores raw provider records idempotently. Replaying the same
// records leaves every entity unchanged.
type Service struct {
	store    *repository.Store
	locker   keylock.Locker
	validate *validator.Validate
	workers  int
	now      func() time.Time
	log      logrus.FieldLogger

	// windowDays mirrors the matcher window; see releaseFlagged.
	windowDays int

	// Import dependencies, optional.
	recorder   Recorder
	reconciler Reconciler
}

type Option func(*Service)

func WithWorkers(n int) Option { return func(s *Service) { s.workers = n } }

// WithMatchWindow sets how many days either side of a batch the matcher
// searches. It must equal the reconciliation window.
func WithMatchWindow(days int) Option { return func(s *Service) { s.windowDays = days } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithImports enables Import. Each import is audited through rec and, when
// recon is non-nil, followed by a reconciliation pass.
func WithImports(rec Recorder, recon Reconciler) Option {
	return func(s *Service) {
		s.recorder = rec
		s.reconciler = recon
	}
}

func NewService(store *repository.Store, locker keylock.Locker, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		locker:     locker,
		validate:   newValidator(),
		workers:    4,
		windowDays: 3,
		now:        time.Now,
		log:        log.WithField("module", "ingestion"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.workers < 1 {
		s.workers = 1
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
			return name
		}
		return f.Name
	})
	// Registration only fails for an empty tag.
	_ = v.RegisterValidation("nonzerodate", func(fl validator.FieldLevel) bool {
		t, ok := fl.Field().Interface().(time.Time)
		return ok && !t.IsZero()
	})
	return v
}

// check turns a malformed or invalid raw record into a ValidationError.
func (s *Service) check(entity, externalID, malformed string, raw any) error {
	if malformed != "" {
		return &domain.ValidationError{Entity: entity, ExternalID: externalID, Reason: malformed}
	}
	if err := s.validate.Struct(raw); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &domain.ValidationError{Entity: entity, ExternalID: externalID,
				Field: fe.Field(), Reason: "failed " + fe.Tag()}
		}
		return &domain.ValidationError{Entity: entity, ExternalID: externalID, Reason: err.Error()}
	}
	return nil
}

// UpsertBatches stores processor batches. A changed amount or date moves the
// batch back to PENDING and releases its links.
func (s *Service) UpsertBatches(ctx context.Context, raws []domain.RawBatch) (*Result, error) {
	return s.run(ctx, "batch", len(raws),
		func(i int) string { return raws[i].ExternalID },
		func(i int) error { return s.check("batch", raws[i].ExternalID, raws[i].Malformed, raws[i]) },
		func(ctx context.Context, tx *repository.Store, i int) (outcome, error) {
			return s.applyBatch(ctx, tx, raws[i])
		})
}

// UpsertDeposits stores accounting deposits. A changed amount or date on a
// linked deposit releases the link and resets the owning batch.
func (s *Service) UpsertDeposits(ctx context.Context, raws []domain.RawDeposit) (*Result, error) {
	return s.run(ctx, "deposit", len(raws),
		func(i int) string { return raws[i].ExternalID },
		func(i int) error { return s.check("deposit", raws[i].ExternalID, raws[i].Malformed, raws[i]) },
		func(ctx context.Context, tx *repository.Store, i int) (outcome, error) {
			return s.applyDeposit(ctx, tx, raws[i])
		})
}

// UpsertTransactions stores ledger transactions. Description-only changes
// never reset reconciliation state.
func (s *Service) UpsertTransactions(ctx context.Context, raws []domain.RawTransaction) (*Result, error) {
	return s.run(ctx, "transaction", len(raws),
		func(i int) string { return raws[i].ExternalID },
		func(i int) error { return s.check("transaction", raws[i].ExternalID, raws[i].Malformed, raws[i]) },
		func(ctx context.Context, tx *repository.Store, i int) (outcome, error) {
			return s.applyTransaction(ctx, tx, raws[i])
		})
}

func (s *Service) run(ctx context.Context, entity string, n int,
	keyOf func(i int) string,
	check func(i int) error,
	apply func(ctx context.Context, tx *repository.Store, i int) (outcome, error),
) (*Result, error) {
	res := &Result{Entity: entity, Received: n}

	valid := make([]bool, n)
	// The same external id twice in one feed would race with itself; the
	// last valid occurrence wins, as it would on sequential replay.
	last := make(map[string]int, n)
	for i := 0; i < n; i++ {
		if err := check(i); err != nil {
			res.reject(i, keyOf(i), err)
			continue
		}
		valid[i] = true
		last[keyOf(i)] = i
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := 0; i < n; i++ {
		i := i
		key := keyOf(i)
		if !valid[i] {
			continue
		}
		if last[key] != i {
			res.add(outcomeUnchanged)
			continue
		}
		g.Go(func() error {
			o, err := s.upsertOne(gctx, entity, key, func(ctx context.Context, tx *repository.Store) (outcome, error) {
				return apply(ctx, tx, i)
			})
			switch {
			case err == nil:
				res.add(o)
				return nil
			case domain.IsConflict(err):
				res.reject(i, key, err)
				return nil
			default:
				return fmt.Errorf("upsert %s %s: %w", entity, key, err)
			}
		})
	}
	err := g.Wait()
	sort.Slice(res.Rejected, func(a, b int) bool { return res.Rejected[a].Index < res.Rejected[b].Index })
	if err != nil {
		return res, err
	}

	s.log.WithFields(logrus.Fields{
		"entity":    entity,
		"received":  res.Received,
		"created":   res.Created,
		"updated":   res.Updated,
		"unchanged": res.Unchanged,
		"reset":     res.Reset,
		"rejected":  len(res.Rejected),
	}).Info("upsert complete")
	return res, nil
}

// upsertOne runs apply under the entity key lock in its own transaction.
// A unique-key collision is retried once; the retry sees the winner's row.
func (s *Service) upsertOne(ctx context.Context, entity, key string,
	apply func(ctx context.Context, tx *repository.Store) (outcome, error)) (outcome, error) {
	unlock, err := s.locker.Lock(ctx, entity+":"+key)
	if err != nil {
		return 0, fmt.Errorf("lock: %w", err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		var o outcome
		err := s.store.InTx(ctx, func(tx *repository.Store) error {
			var err error
			o, err = apply(ctx, tx)
			return err
		})
		if err == nil {
			return o, nil
		}
		if attempt == 0 && domain.IsConflict(err) {
			continue
		}
		return 0, err
	}
}

func (s *Service) applyBatch(ctx context.Context, tx *repository.Store, raw domain.RawBatch) (outcome, error) {
	now := s.now().UTC()
	date := domain.DateOnly(raw.BatchDate)
	amount := currency.Normalize(raw.TotalAmount)

	existing, err := tx.Batches.GetByExternalID(ctx, raw.ExternalID)
	if errors.Is(err, domain.ErrNotFound) {
		b := &domain.Batch{
			ID:          uuid.NewString(),
			ExternalID:  raw.ExternalID,
			BatchDate:   date,
			TotalAmount: amount,
			Status:      domain.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Batches.Insert(ctx, b); err != nil {
			return 0, err
		}
		return outcomeCreated, nil
	}
	if err != nil {
		return 0, err
	}

	if existing.BatchDate.Equal(date) && existing.TotalAmount.Equal(amount) {
		return outcomeUnchanged, nil
	}
	if err := tx.Batches.UpdateSource(ctx, existing.ID, date, amount, now); err != nil {
		return 0, err
	}
	if err := tx.ResetBatch(ctx, existing.ID, now); err != nil {
		return 0, err
	}
	return outcomeReset, nil
}

func (s *Service) applyDeposit(ctx context.Context, tx *repository.Store, raw domain.RawDeposit) (outcome, error) {
	now := s.now().UTC()
	date := domain.DateOnly(raw.DepositDate)
	amount := currency.Normalize(raw.TotalAmount)

	existing, err := tx.Deposits.GetByExternalID(ctx, raw.ExternalID)
	if errors.Is(err, domain.ErrNotFound) {
		d := &domain.Deposit{
			ID:          uuid.NewString(),
			ExternalID:  raw.ExternalID,
			DepositDate: date,
			TotalAmount: amount,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Deposits.Insert(ctx, d); err != nil {
			return 0, err
		}
		return outcomeCreated, nil
	}
	if err != nil {
		return 0, err
	}

	if existing.DepositDate.Equal(date) && existing.TotalAmount.Equal(amount) {
		return outcomeUnchanged, nil
	}
	if err := tx.Deposits.UpdateSource(ctx, existing.ID, date, amount, now); err != nil {
		return 0, err
	}
	if existing.BatchID == "" {
		return s.releaseFlagged(ctx, tx, now, existing.DepositDate, date)
	}
	if err := tx.ResetBatch(ctx, existing.BatchID, now); err != nil {
		return 0, err
	}
	return outcomeReset, nil
}

func (s *Service) applyTransaction(ctx context.Context, tx *repository.Store, raw domain.RawTransaction) (outcome, error) {
	now := s.now().UTC()
	date := domain.DateOnly(raw.TransactionDate)
	amount := currency.Normalize(raw.Amount)

	existing, err := tx.Transactions.GetByExternalID(ctx, raw.ExternalID)
	if errors.Is(err, domain.ErrNotFound) {
		t := &domain.Transaction{
			ID:              uuid.NewString(),
			ExternalID:      raw.ExternalID,
			TransactionDate: date,
			Amount:          amount,
			Description:     raw.Description,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Transactions.Insert(ctx, t); err != nil {
			return 0, err
		}
		return outcomeCreated, nil
	}
	if err != nil {
		return 0, err
	}

	sourceChanged := !existing.TransactionDate.Equal(date) || !existing.Amount.Equal(amount)
	if !sourceChanged && existing.Description == raw.Description {
		return outcomeUnchanged, nil
	}
	if err := tx.Transactions.UpdateSource(ctx, existing.ID, date, amount, raw.Description, now); err != nil {
		return 0, err
	}
	if !sourceChanged {
		return outcomeUpdated, nil
	}
	if existing.BatchID == "" {
		return s.releaseFlagged(ctx, tx, now, existing.TransactionDate, date)
	}
	if err := tx.ResetBatch(ctx, existing.BatchID, now); err != nil {
		return 0, err
	}
	return outcomeReset, nil
}

// releaseFlagged moves every DISCREPANCY batch whose match window covers one
// of dates back to PENDING. It follows a source change on an unlinked
// candidate, which may have been the reason those batches were flagged.
func (s *Service) releaseFlagged(ctx context.Context, tx *repository.Store, now time.Time, dates ...time.Time) (outcome, error) {
	released := make(map[string]bool)
	for _, d := range dates {
		from, to := d.AddDate(0, 0, -s.windowDays), d.AddDate(0, 0, s.windowDays)
		flagged, err := tx.Batches.ListByStatusBetween(ctx, domain.StatusDiscrepancy, from, to)
		if err != nil {
			return 0, fmt.Errorf("flagged batches: %w", err)
		}
		for _, b := range flagged {
			if released[b.ID] {
				continue
			}
			if err := tx.ResetBatch(ctx, b.ID, now); err != nil {
				return 0, err
			}
			released[b.ID] = true
		}
	}
	if len(released) == 0 {
		return outcomeUpdated, nil
	}
	s.log.WithField("batches", len(released)).Debug("released flagged batches after candidate change")
	return outcomeReset, nil
}
