package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Config controls when a breaker trips and recovers.
type Config struct {
	MaxRequests      uint32        // trial calls allowed while half-open
	Interval         time.Duration // closed-state counter reset period, 0 disables
	Timeout          time.Duration // open -> half-open delay after the first trip
	MaxTimeout       time.Duration // cap for the doubled delay on repeated trips, 0 keeps Timeout
	FailureThreshold uint32        // consecutive failures that open the breaker
	SuccessThreshold uint32        // consecutive half-open successes that close it
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts are the per-generation request statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Snapshot is a point-in-time view of a breaker for health and API output.
type Snapshot struct {
	Name      string
	State     State
	Counts    Counts
	Trips     uint32    // opens since the breaker last closed
	OpenUntil time.Time // zero unless open
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeAbandoned // the caller gave up; says nothing about the dependency
)

// CircuitBreaker guards calls to one dependency (an agent endpoint, the cache
// store, the task database).
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mutex      sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	trips      uint32
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.toNewGeneration(cb.now())
	return cb
}

// Name returns the breaker name used in logs and metrics.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker rejects the call. A non-nil error from fn
// counts as a failure, except when ctx is already done by the time fn returns:
// a round that stopped waiting for an agent is not evidence the agent is down.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	generation, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.record(generation, outcomeFailure)
			panic(r)
		}
	}()

	err = fn()
	switch {
	case err == nil:
		cb.record(generation, outcomeSuccess)
	case ctx.Err() != nil:
		cb.record(generation, outcomeAbandoned)
	default:
		cb.record(generation, outcomeFailure)
	}
	return err
}

// State returns the current state, applying any pending timeout transition.
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.refresh(cb.now())
}

// Counts returns a copy of the current counters.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.refresh(cb.now())
	return cb.counts
}

// Snapshot returns state, counters and the reopen deadline under one lock.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	snap := Snapshot{Name: cb.name, State: cb.refresh(cb.now()), Counts: cb.counts, Trips: cb.trips}
	if snap.State == StateOpen {
		snap.OpenUntil = cb.expiry
	}
	return snap
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch state := cb.refresh(cb.now()); {
	case state == StateOpen:
		return cb.generation, ErrCircuitBreakerOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests:
		return cb.generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.generation, nil
}

func (cb *CircuitBreaker) record(generation uint64, out outcome) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state := cb.refresh(now)
	if generation != cb.generation {
		// the state moved on while the call was in flight
		return
	}

	switch out {
	case outcomeAbandoned:
		// give the trial slot back
		if cb.counts.Requests > 0 {
			cb.counts.Requests--
		}
	case outcomeSuccess:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			cb.counts.ConsecutiveSuccesses++
			if cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
				cb.setState(StateClosed, now)
			}
		}
	case outcomeFailure:
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		cb.counts.ConsecutiveSuccesses = 0
		if state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	}
}

// refresh applies time-based transitions and returns the resulting state.
func (cb *CircuitBreaker) refresh(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	switch state {
	case StateOpen:
		cb.trips++
	case StateClosed:
		cb.trips = 0
	}
	cb.toNewGeneration(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
	fields := []zap.Field{
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	}
	if state == StateOpen {
		fields = append(fields, zap.Uint32("trips", cb.trips), zap.Time("open_until", cb.expiry))
	}
	cb.logger.Info("Circuit breaker state changed", fields...)
}

// openTimeout doubles Timeout for every trip after the first, up to MaxTimeout.
func (cb *CircuitBreaker) openTimeout() time.Duration {
	d := cb.config.Timeout
	if cb.config.MaxTimeout <= d {
		return d
	}
	for i := uint32(1); i < cb.trips; i++ {
		d *= 2
		if d >= cb.config.MaxTimeout {
			return cb.config.MaxTimeout
		}
	}
	return d
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		if cb.config.Interval == 0 {
			cb.expiry = time.Time{}
		} else {
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.openTimeout())
	default:
		cb.expiry = time.Time{}
	}
}
