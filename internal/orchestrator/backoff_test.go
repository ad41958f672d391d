package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock advances instantly whenever something waits on it.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noJitter() float64 { return 0.5 }

func TestPolicyDelayDoublesUpToCap(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{
		30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute,
		8 * time.Minute, 16 * time.Minute, 30 * time.Minute, 30 * time.Minute,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
	if got := p.Delay(500); got != p.Cap {
		t.Errorf("Delay(500) = %s, want cap", got)
	}
}

func TestPolicyJitterBounds(t *testing.T) {
	p := DefaultPolicy()
	if got := p.jittered(1, 0); got != 24*time.Second {
		t.Errorf("low jitter = %s, want 24s", got)
	}
	if got := p.jittered(1, 0.5); got != 30*time.Second {
		t.Errorf("mid jitter = %s, want 30s", got)
	}
	if got := p.jittered(1, 0.999999); got < 35*time.Second || got > 36*time.Second {
		t.Errorf("high jitter = %s, want just under 36s", got)
	}
}

func TestPolicyJitterStaysUnderCap(t *testing.T) {
	p := DefaultPolicy()
	if got := p.jittered(7, 0.999999); got != p.Cap {
		t.Errorf("capped high jitter = %s, want %s", got, p.Cap)
	}
	if got := p.jittered(20, 0); got != 24*time.Minute {
		t.Errorf("capped low jitter = %s, want 24m", got)
	}
}

func TestBackoffStateMachine(t *testing.T) {
	clock := newFakeClock()
	p := DefaultPolicy()
	p.MaxAttempts = 3
	b := NewBackoff(p, clock, noJitter)

	if b.State() != Ready {
		t.Fatalf("initial state = %s", b.State())
	}

	d, ok := b.Fail()
	if !ok || d != 30*time.Second {
		t.Fatalf("first Fail = %s %v", d, ok)
	}
	if b.State() != Waiting {
		t.Fatalf("state after fail = %s", b.State())
	}
	clock.Advance(29 * time.Second)
	if b.State() != Waiting {
		t.Fatal("ready before delay elapsed")
	}
	clock.Advance(time.Second)
	if b.State() != Ready {
		t.Fatalf("state at NextAt = %s", b.State())
	}

	if d, ok = b.Fail(); !ok || d != time.Minute {
		t.Fatalf("second Fail = %s %v", d, ok)
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.State() != Ready {
		t.Fatalf("state after Wait = %s", b.State())
	}

	if _, ok = b.Fail(); ok {
		t.Fatal("third failure should exhaust")
	}
	if b.State() != Exhausted || b.Attempts() != 3 {
		t.Fatalf("state = %s attempts = %d", b.State(), b.Attempts())
	}
}

func TestBackoffWaitHonorsContext(t *testing.T) {
	b := NewBackoff(DefaultPolicy(), realClock{}, noJitter)
	b.Fail()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
