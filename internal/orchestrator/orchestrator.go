// Package orchestrator runs sync cycles per tenant: fetch from each
// provider in turn, ingest what came back, then run a reconciliation pass.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/settleup/reconciler/internal/config"
	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/ingestion"
	"github.com/settleup/reconciler/internal/keylock"
	"github.com/settleup/reconciler/internal/provider"
	"github.com/settleup/reconciler/internal/reconciliation"
	"github.com/settleup/reconciler/internal/synclog"
)

// ErrCycleInProgress is returned when a cycle for the tenant is already
// running, in this process or another.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

type Phase string

const (
	PhaseIdle              Phase = "Idle"
	PhaseFetchingMSC       Phase = "FetchingMSC"
	PhaseFetchingQBO       Phase = "FetchingQBO"
	PhaseFetchingBlueprint Phase = "FetchingBlueprint"
	PhaseReconciling       Phase = "Reconciling"
)

type Tokens interface {
	GetValidToken(ctx context.Context, realmID string) (*domain.Token, error)
}

type Recorder interface {
	Record(ctx context.Context, c synclog.Call, fn func(ctx context.Context) (synclog.Result, error)) error
}

type Ingester interface {
	UpsertBatches(ctx context.Context, raws []domain.RawBatch) (*ingestion.Result, error)
	UpsertDeposits(ctx context.Context, raws []domain.RawDeposit) (*ingestion.Result, error)
	UpsertTransactions(ctx context.Context, raws []domain.RawTransaction) (*ingestion.Result, error)
}

type Reconciler interface {
	RunPass(ctx context.Context) (*reconciliation.PassResult, error)
}

// Deps are the collaborators of one tenant's orchestrator. A nil fetcher
// skips its phase.
type Deps struct {
	Tenant     config.Tenant
	MSC        provider.BatchFetcher
	QBO        provider.DepositFetcher
	Blueprint  provider.TransactionFetcher
	Tokens     Tokens
	Recorder   Recorder
	Ingester   Ingester
	Reconciler Reconciler
	Locker     keylock.Locker
	Log        logrus.FieldLogger
}

// Phase outcomes.
const (
	PhaseOK          = "ok"
	PhaseFailed      = "failed"
	PhaseAuthExpired = "auth_expired"
	PhaseSkipped     = "skipped"
	PhaseCancelled   = "cancelled"
)

type PhaseReport struct {
	Phase    Phase             `json:"phase"`
	Provider domain.Provider   `json:"provider,omitempty"`
	Outcome  string            `json:"outcome"`
	Attempts int               `json:"attempts"`
	Delays   []time.Duration   `json:"delays,omitempty"`
	Records  int               `json:"records"`
	Upsert   *ingestion.Result `json:"upsert,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type CycleReport struct {
	Tenant     string                     `json:"tenant"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Phases     []PhaseReport              `json:"phases"`
	Pass       *reconciliation.PassResult `json:"reconciliation,omitempty"`
	Cancelled  bool                       `json:"cancelled"`
	Error      string                     `json:"error,omitempty"`
}

// Outcome summarises the cycle for metrics and logs.
func (r *CycleReport) Outcome() string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case r.Error != "":
		return "error"
	}
	for _, p := range r.Phases {
		if p.Outcome != PhaseOK && p.Outcome != PhaseSkipped {
			return "partial"
		}
	}
	return "ok"
}

type Orchestrator struct {
	deps     Deps
	policy   Policy
	clock    Clock
	rnd      func() float64
	lookback time.Duration
	interval time.Duration
	log      logrus.FieldLogger

	running atomic.Bool
	phase   atomic.Value // Phase

	mu   sync.Mutex
	last *CycleReport
}

type Option func(*Orchestrator)

func WithPolicy(p Policy) Option { return func(o *Orchestrator) { o.policy = p } }

func WithClock(c Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithRand fixes the jitter source, mainly for tests.
func WithRand(rnd func() float64) Option { return func(o *Orchestrator) { o.rnd = rnd } }

func WithLookback(d time.Duration) Option { return func(o *Orchestrator) { o.lookback = d } }

func WithInterval(d time.Duration) Option { return func(o *Orchestrator) { o.interval = d } }

func New(deps Deps, opts ...Option) *Orchestrator {
	initPrometheusMetrics()
	o := &Orchestrator{
		deps:     deps,
		policy:   DefaultPolicy(),
		clock:    realClock{},
		lookback: 7 * 24 * time.Hour,
		interval: 15 * time.Minute,
		log:      deps.Log.WithFields(logrus.Fields{"module": "orchestrator", "tenant": deps.Tenant.Name}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.deps.Locker == nil {
		o.deps.Locker = keylock.NewLocal()
	}
	o.phase.Store(PhaseIdle)
	return o
}

func (o *Orchestrator) Tenant() config.Tenant { return o.deps.Tenant }

// Phase reports what the tenant's cycle is doing right now.
func (o *Orchestrator) Phase() Phase { return o.phase.Load().(Phase) }

func (o *Orchestrator) Running() bool { return o.running.Load() }

// LastReport returns the report of the most recent finished cycle.
func (o *Orchestrator) LastReport() *CycleReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// RunCycle runs one cycle and waits for it. A cycle already running for
// the tenant makes it return ErrCycleInProgress.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer o.running.Store(false)
	return o.cycle(ctx)
}

// Trigger starts a cycle in the background and reports whether it did. A
// trigger while a cycle runs is dropped, not queued.
func (o *Orchestrator) Trigger(ctx context.Context) bool {
	if !o.running.CompareAndSwap(false, true) {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer o.running.Store(false)
		if _, err := o.cycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
			o.log.WithError(err).Error("triggered cycle failed")
		}
	}()
	return true
}

// Run starts a cycle immediately and then on every interval until ctx is
// done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		if _, err := o.RunCycle(ctx); err != nil {
			if errors.Is(err, ErrCycleInProgress) {
				o.log.Debug("cycle skipped, previous one still running")
			} else if ctx.Err() == nil {
				o.log.WithError(err).Error("cycle failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context) (*CycleReport, error) {
	unlock, ok, err := o.deps.Locker.TryLock(ctx, "cycle:"+o.deps.Tenant.Name)
	if err != nil {
		return nil, fmt.Errorf("cycle lock: %w", err)
	}
	if !ok {
		return nil, ErrCycleInProgress
	}
	defer unlock()
	defer o.phase.Store(PhaseIdle)

	now := o.clock.Now().UTC()
	report := &CycleReport{Tenant: o.deps.Tenant.Name, StartedAt: now}
	req := provider.Request{Since: domain.DateOnly(now.Add(-o.lookback)), Until: domain.DateOnly(now)}
	o.log.WithFields(logrus.Fields{"since": req.Since.Format("2006-01-02"), "until": req.Until.Format("2006-01-02")}).
		Info("sync cycle started")

	phases := []struct {
		phase  Phase
		client provider.Client
		run    func(ctx context.Context, req provider.Request) (int, *ingestion.Result, error)
	}{
		{PhaseFetchingMSC, o.deps.MSC, func(ctx context.Context, req provider.Request) (int, *ingestion.Result, error) {
			return fetchAndIngest(ctx, o, o.deps.MSC, domain.OpFetchBatches, req, o.deps.MSC.FetchBatches, o.deps.Ingester.UpsertBatches)
		}},
		{PhaseFetchingQBO, o.deps.QBO, func(ctx context.Context, req provider.Request) (int, *ingestion.Result, error) {
			return fetchAndIngest(ctx, o, o.deps.QBO, domain.OpFetchDeposits, req, o.deps.QBO.FetchDeposits, o.deps.Ingester.UpsertDeposits)
		}},
		{PhaseFetchingBlueprint, o.deps.Blueprint, func(ctx context.Context, req provider.Request) (int, *ingestion.Result, error) {
			return fetchAndIngest(ctx, o, o.deps.Blueprint, domain.OpFetchTransactions, req, o.deps.Blueprint.FetchTransactions, o.deps.Ingester.UpsertTransactions)
		}},
	}

	for _, p := range phases {
		// Cancellation is honoured between phases only.
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		if isNil(p.client) {
			report.Phases = append(report.Phases, PhaseReport{Phase: p.phase, Outcome: PhaseSkipped})
			continue
		}
		o.phase.Store(p.phase)
		report.Phases = append(report.Phases, o.runPhase(ctx, p.phase, p.client, req, p.run))
	}

	if !report.Cancelled && ctx.Err() == nil {
		o.phase.Store(PhaseReconciling)
		pass, err := o.deps.Reconciler.RunPass(ctx)
		report.Pass = pass
		if err != nil {
			report.Error = err.Error()
			config.LogError(o.log, "orchestrator", "cycle", "reconciliation pass", nil, err)
		}
		if pass != nil {
			prometheusBatchesDecided.WithLabelValues(o.deps.Tenant.Name, string(domain.StatusMatched)).Add(float64(pass.Matched))
			prometheusBatchesDecided.WithLabelValues(o.deps.Tenant.Name, string(domain.StatusDiscrepancy)).Add(float64(pass.Discrepancies))
		}
	} else {
		report.Cancelled = true
	}

	report.FinishedAt = o.clock.Now().UTC()
	prometheusCycles.WithLabelValues(o.deps.Tenant.Name, report.Outcome()).Inc()
	prometheusCycleDuration.WithLabelValues(o.deps.Tenant.Name).Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	o.log.WithFields(logrus.Fields{
		"outcome":  report.Outcome(),
		"duration": report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("sync cycle finished")

	o.mu.Lock()
	o.last = report
	o.mu.Unlock()

	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// runPhase retries one fetch phase under the backoff policy. Auth failures
// stop the phase at once since they need the realm to be reconnected.
func (o *Orchestrator) runPhase(ctx context.Context, phase Phase, client provider.Client, req provider.Request,
	run func(ctx context.Context, req provider.Request) (int, *ingestion.Result, error)) PhaseReport {
	rep := PhaseReport{Phase: phase, Provider: client.Tag()}
	b := NewBackoff(o.policy, o.clock, o.rnd)
	log := o.log.WithFields(logrus.Fields{"phase": phase, "provider": client.Tag()})

	for {
		rep.Attempts++
		n, res, err := o.attempt(ctx, client, req, run)
		if err == nil {
			prometheusPhaseAttempts.WithLabelValues(o.deps.Tenant.Name, string(client.Tag()), "ok").Inc()
			rep.Outcome, rep.Records, rep.Upsert, rep.Error = PhaseOK, n, res, ""
			rep.Delays = b.Delays()
			return rep
		}
		rep.Error = err.Error()

		if errors.Is(err, domain.ErrAuthExpired) || errors.Is(err, domain.ErrNotFound) {
			prometheusPhaseAttempts.WithLabelValues(o.deps.Tenant.Name, string(client.Tag()), "auth_expired").Inc()
			config.LogError(log, "orchestrator", "runPhase", "realm needs reauthorization", o.deps.Tenant.RealmID, err)
			rep.Outcome = PhaseAuthExpired
			rep.Delays = b.Delays()
			return rep
		}
		prometheusPhaseAttempts.WithLabelValues(o.deps.Tenant.Name, string(client.Tag()), "error").Inc()

		delay, ok := b.Fail()
		if !ok {
			config.LogError(log, "orchestrator", "runPhase", "attempts exhausted", rep.Attempts, err)
			rep.Outcome = PhaseFailed
			rep.Delays = b.Delays()
			return rep
		}
		log.WithError(err).WithFields(logrus.Fields{"attempt": rep.Attempts, "retry_in": delay.String()}).
			Warn("fetch failed, retrying")
		if err := b.Wait(ctx); err != nil {
			rep.Outcome = PhaseCancelled
			rep.Delays = b.Delays()
			return rep
		}
	}
}

func (o *Orchestrator) attempt(ctx context.Context, client provider.Client, req provider.Request,
	run func(ctx context.Context, req provider.Request) (int, *ingestion.Result, error)) (int, *ingestion.Result, error) {
	if client.RequiresAuth() {
		if o.deps.Tokens == nil {
			return 0, nil, &domain.AuthExpiredError{RealmID: o.deps.Tenant.RealmID, Err: errors.New("no token store configured")}
		}
		tok, err := o.deps.Tokens.GetValidToken(ctx, o.deps.Tenant.RealmID)
		if err != nil {
			return 0, nil, err
		}
		req.RealmID = tok.RealmID
		req.AccessToken = tok.AccessToken
	}
	return run(ctx, req)
}

// fetchAndIngest performs one audited fetch and stores the records.
func fetchAndIngest[T any](ctx context.Context, o *Orchestrator, client provider.Client, op string, req provider.Request,
	fetch func(context.Context, provider.Request) (*provider.Result[T], error),
	ingest func(context.Context, []T) (*ingestion.Result, error),
) (int, *ingestion.Result, error) {
	var records []T
	call := synclog.Call{
		Provider:  client.Tag(),
		Operation: op,
		Request: map[string]any{
			"tenant": o.deps.Tenant.Name,
			"since":  req.Since.Format("2006-01-02"),
			"until":  req.Until.Format("2006-01-02"),
		},
	}
	err := o.deps.Recorder.Record(ctx, call, func(ctx context.Context) (synclog.Result, error) {
		res, err := fetch(ctx, req)
		if err != nil {
			return synclog.Result{}, err
		}
		records = res.Records
		return synclog.Result{
			HTTPStatus: res.HTTPStatus,
			Response:   map[string]any{"records": len(res.Records), "pages": res.Pages},
		}, nil
	})
	if err != nil {
		return 0, nil, err
	}

	upsert, err := ingest(ctx, records)
	if err != nil {
		return len(records), upsert, fmt.Errorf("ingest %s: %w", client.Tag(), err)
	}
	return len(records), upsert, nil
}

// isNil catches typed nil pointers stored in an interface.
func isNil(c provider.Client) bool {
	if c == nil {
		return true
	}
	switch v := c.(type) {
	case *provider.MSC:
		return v == nil
	case *provider.QBO:
		return v == nil
	case *provider.Blueprint:
		return v == nil
	}
	return false
}
