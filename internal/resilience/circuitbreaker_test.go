package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: reset,
		Logger:       slog.New(slog.DiscardHandler),
	})
	cb.now = clock.Now
	return cb, clock
}

// fail admits a request and records it as failed.
func fail(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	cb.Record(false)
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	fail(t, cb)
	fail(t, cb)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after 2 failures, want closed", cb.State())
	}
	fail(t, cb)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after 3 failures, want open", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	fail(t, cb)
	fail(t, cb)
	_ = cb.Allow()
	cb.Record(true)
	fail(t, cb)
	fail(t, cb)

	if cb.State() != StateClosed {
		t.Errorf("state = %v, success should have reset the counter", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe bool
		want  State
	}{
		{"probe succeeds", true, StateClosed},
		{"probe fails", false, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(1, time.Minute)
			fail(t, cb)

			clock.Advance(59 * time.Second)
			if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
				t.Fatalf("Allow before timeout = %v, want ErrCircuitOpen", err)
			}

			clock.Advance(time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open", cb.State())
			}
			if err := cb.Allow(); err != nil {
				t.Fatalf("probe Allow: %v", err)
			}
			if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
				t.Errorf("second concurrent probe = %v, want ErrCircuitOpen", err)
			}

			cb.Record(tt.probe)
			if cb.State() != tt.want {
				t.Errorf("state after probe = %v, want %v", cb.State(), tt.want)
			}
		})
	}
}

func TestCircuitBreaker_AbandonReleasesProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	fail(t, cb)
	clock.Advance(time.Second)

	if err := cb.Allow(); err != nil {
		t.Fatalf("probe Allow: %v", err)
	}
	cb.Abandon()
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow after Abandon = %v, want a new probe", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	fail(t, cb)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow after Reset = %v", err)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
