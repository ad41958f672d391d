package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy configures retry of a failed fetch phase.
type Policy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	// Jitter is the relative spread applied to each delay, 0.2 for ±20%.
	Jitter float64
	// MaxAttempts counts the first attempt; 4 allows three retries.
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		Base:        30 * time.Second,
		Factor:      2,
		Cap:         30 * time.Minute,
		Jitter:      0.2,
		MaxAttempts: 4,
	}
}

// Delay is the nominal wait after the n-th failed attempt (n >= 1), before
// jitter.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(n-1))
	if d > float64(p.Cap) || math.IsInf(d, 0) {
		return p.Cap
	}
	return time.Duration(d)
}

// jittered spreads the delay by ±Jitter using r in [0, 1). The result
// never exceeds Cap.
func (p Policy) jittered(n int, r float64) time.Duration {
	d := time.Duration(float64(p.Delay(n)) * (1 + p.Jitter*(2*r-1)))
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Clock abstracts time so backoff runs without real sleeps in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type BackoffState int

const (
	// Ready allows the next attempt.
	Ready BackoffState = iota
	// Waiting holds the next attempt until NextAt.
	Waiting
	// Exhausted means no attempts remain.
	Exhausted
)

func (s BackoffState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Waiting:
		return "waiting"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// Backoff tracks the attempts of one phase:
//
//	Ready --Fail--> Waiting --(now >= NextAt)--> Ready
//	Ready --Fail (attempts = MaxAttempts)--> Exhausted
type Backoff struct {
	policy   Policy
	clock    Clock
	rnd      func() float64
	state    BackoffState
	attempts int
	next     time.Time
	delays   []time.Duration
}

func NewBackoff(p Policy, clock Clock, rnd func() float64) *Backoff {
	if clock == nil {
		clock = realClock{}
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Backoff{policy: p, clock: clock, rnd: rnd}
}

// Fail records a failed attempt and schedules the next one. It returns the
// chosen delay, or false once the attempt limit is reached.
func (b *Backoff) Fail() (time.Duration, bool) {
	b.attempts++
	if b.policy.MaxAttempts > 0 && b.attempts >= b.policy.MaxAttempts {
		b.state = Exhausted
		return 0, false
	}
	d := b.policy.jittered(b.attempts, b.rnd())
	b.delays = append(b.delays, d)
	b.next = b.clock.Now().Add(d)
	b.state = Waiting
	return d, true
}

// State applies the time guard: a Waiting backoff whose time has come
// becomes Ready.
func (b *Backoff) State() BackoffState {
	if b.state == Waiting && !b.clock.Now().Before(b.next) {
		b.state = Ready
	}
	return b.state
}

// Wait blocks until the backoff is Ready or ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	for b.State() == Waiting {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(b.next.Sub(b.clock.Now())):
		}
	}
	return nil
}

func (b *Backoff) Attempts() int { return b.attempts }

func (b *Backoff) NextAt() time.Time { return b.next }

// Delays returns every delay scheduled so far.
func (b *Backoff) Delays() []time.Duration { return append([]time.Duration(nil), b.delays...) }
