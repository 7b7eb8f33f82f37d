package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, config Config) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	cb.now = clock.now
	cb.toNewGeneration(clock.now())
	return cb, clock
}

func TestCircuitBreakerStates(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = time.Minute

	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to remain closed, got %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return errors.New("agent down") }); err == nil {
			t.Error("Expected error, got nil")
		}
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected state to be open, got %s", cb.State())
	}

	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}

	clock.advance(150 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state to be half-open, got %s", cb.State())
	}

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to be closed, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.Timeout = time.Second

	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	clock.advance(2 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected half-open, got %s", cb.State())
	}

	_ = cb.Execute(ctx, func() error { return errors.New("still down") })
	if cb.State() != StateOpen {
		t.Errorf("Expected open after half-open failure, got %s", cb.State())
	}
}

func TestCircuitBreakerMaxRequests(t *testing.T) {
	config := DefaultConfig()
	config.MaxRequests = 2
	config.SuccessThreshold = 5

	cb, _ := newTestBreaker(t, config)
	ctx := context.Background()

	cb.mutex.Lock()
	cb.state = StateHalfOpen
	cb.generation++
	cb.counts = Counts{}
	cb.mutex.Unlock()

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}

	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("Expected too many requests error, got %v", err)
	}
}

func TestCircuitBreakerCounts(t *testing.T) {
	cb, _ := newTestBreaker(t, DefaultConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errors.New("error") })
	_ = cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	if counts.Requests != 3 {
		t.Errorf("Expected 3 requests, got %d", counts.Requests)
	}
	if counts.TotalSuccesses != 2 {
		t.Errorf("Expected 2 successes, got %d", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("Expected 1 failure, got %d", counts.TotalFailures)
	}
}

func TestCircuitBreakerIntervalResetsCounts(t *testing.T) {
	config := DefaultConfig()
	config.Interval = time.Second
	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("error") })
	clock.advance(2 * time.Second)
	_ = cb.Execute(ctx, func() error { return nil })

	if got := cb.Counts().TotalFailures; got != 0 {
		t.Errorf("Expected failures reset after interval, got %d", got)
	}
}

func TestCircuitBreakerCancelledContext(t *testing.T) {
	cb, _ := newTestBreaker(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("fn must not run with a cancelled context")
	}
	if cb.Counts().Requests != 0 {
		t.Error("cancelled call must not be counted")
	}
}

func TestStateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2

	var callbackCalled bool
	var fromState, toState State
	config.OnStateChange = func(name string, from State, to State) {
		callbackCalled = true
		fromState = from
		toState = to
	}

	cb, _ := newTestBreaker(t, config)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("error") })
	}

	if !callbackCalled {
		t.Error("Expected state change callback to be called")
	}
	if fromState != StateClosed || toState != StateOpen {
		t.Errorf("Expected transition from closed to open, got %s to %s", fromState, toState)
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("CB_AGENT_FAILURE_THRESHOLD", "9")
	t.Setenv("CB_AGENT_TIMEOUT", "3s")
	t.Setenv("CB_AGENT_MAX_REQUESTS", "not-a-number")

	s := AgentSettings()
	if s.FailureThreshold != 9 {
		t.Errorf("Expected failure threshold 9, got %d", s.FailureThreshold)
	}
	if s.Timeout != 3*time.Second {
		t.Errorf("Expected timeout 3s, got %s", s.Timeout)
	}
	if s.MaxRequests != 2 {
		t.Errorf("Expected default max requests on bad input, got %d", s.MaxRequests)
	}
}

func TestCircuitBreakerAbandonedCallsDoNotTrip(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2
	cb, _ := newTestBreaker(t, config)

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := cb.Execute(ctx, func() error {
			cancel()
			return context.Canceled
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("Expected breaker to stay closed, got %s", cb.State())
	}
	if got := cb.Counts().TotalFailures; got != 0 {
		t.Errorf("Expected no failures recorded, got %d", got)
	}
}

func TestCircuitBreakerAbandonedTrialReleasesSlot(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.MaxRequests = 1
	config.SuccessThreshold = 1
	config.Timeout = time.Second
	cb, clock := newTestBreaker(t, config)

	_ = cb.Execute(context.Background(), func() error { return errors.New("down") })
	clock.advance(2 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected half-open, got %s", cb.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	_ = cb.Execute(ctx, func() error { cancel(); return ctx.Err() })

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("Expected trial slot to be free again, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected closed after successful trial, got %s", cb.State())
	}
}

func TestCircuitBreakerOpenTimeoutEscalates(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.SuccessThreshold = 1
	config.Timeout = 10 * time.Second
	config.MaxTimeout = 25 * time.Second
	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()
	fail := func() error { return errors.New("down") }

	start := clock.now()
	_ = cb.Execute(ctx, fail)
	if got := cb.Snapshot().OpenUntil.Sub(start); got != 10*time.Second {
		t.Errorf("Expected first open period 10s, got %s", got)
	}

	// failed trial: 20s
	clock.advance(11 * time.Second)
	start = clock.now()
	_ = cb.Execute(ctx, fail)
	snap := cb.Snapshot()
	if snap.Trips != 2 || snap.OpenUntil.Sub(start) != 20*time.Second {
		t.Errorf("Expected second trip open for 20s, got trips=%d period=%s", snap.Trips, snap.OpenUntil.Sub(start))
	}

	// capped
	clock.advance(21 * time.Second)
	start = clock.now()
	_ = cb.Execute(ctx, fail)
	if got := cb.Snapshot().OpenUntil.Sub(start); got != 25*time.Second {
		t.Errorf("Expected open period capped at 25s, got %s", got)
	}

	// recovery resets the escalation
	clock.advance(26 * time.Second)
	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("Expected trial to pass, got %v", err)
	}
	snap = cb.Snapshot()
	if snap.State != StateClosed || snap.Trips != 0 || !snap.OpenUntil.IsZero() {
		t.Errorf("Expected closed breaker with no trips, got %+v", snap)
	}
	start = clock.now()
	_ = cb.Execute(ctx, fail)
	if got := cb.Snapshot().OpenUntil.Sub(start); got != 10*time.Second {
		t.Errorf("Expected open period back at 10s, got %s", got)
	}
}
