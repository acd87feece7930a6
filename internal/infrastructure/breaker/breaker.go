package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

// State is the circuit position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// Config tunes a breaker; zero values fall back to defaults.
type Config struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures regardless of rate.
	FailureThreshold int
	// SuccessThreshold closes the circuit from half-open after this many
	// consecutive successes.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// FailureRateThreshold opens the circuit when the failure rate over
	// the observed window crosses it, once MinRequests have been seen.
	FailureRateThreshold float64
	MinRequests          int
	// MaxHalfOpenRequests bounds concurrent probes in half-open.
	MaxHalfOpenRequests int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.MinRequests <= 0 {
		c.MinRequests = 10
	}
	if c.MaxHalfOpenRequests <= 0 {
		c.MaxHalfOpenRequests = 1
	}
	return c
}

// Stats is a point-in-time view of breaker counters.
type Stats struct {
	State           State
	Failures        int64
	Successes       int64
	Total           int64
	FailureRate     float64
	LastFailureTime time.Time
}

// Breaker short-circuits calls to a failing target. Hot-path checks are
// atomic; the mutex only guards state transitions and callbacks.
type Breaker struct {
	target string
	config Config

	state           int32
	lastFailure     int64
	consecFailures  int64
	consecSuccesses int64
	failures        int64
	successes       int64
	total           int64
	halfOpenInFlight int64

	mu            sync.Mutex
	onStateChange func(target string, from, to State)
}

// New builds a breaker for a named target (an agent id, a model id).
func New(target string, config Config) *Breaker {
	return &Breaker{target: target, config: config.withDefaults()}
}

// Target returns the protected target's name.
func (b *Breaker) Target() string {
	return b.target
}

// OnStateChange registers a transition callback.
func (b *Breaker) OnStateChange(fn func(target string, from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Execute runs fn through the breaker. An open circuit fails fast with a
// circuit-open error without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return errors.NewCircuitOpenError(b.target)
	}
	err := fn(ctx)
	// Cancellation is the caller's doing, not the target's failure.
	if err != nil && ctx.Err() == nil {
		b.RecordFailure()
		return err
	}
	if err == nil {
		b.RecordSuccess()
	}
	return err
}

// Allow reports whether a request may proceed, moving open → half-open
// after the cooldown.
func (b *Breaker) Allow() bool {
	switch atomic.LoadInt32(&b.state) {
	case stateClosed:
		return true
	case stateOpen:
		last := atomic.LoadInt64(&b.lastFailure)
		if time.Since(time.Unix(0, last)) < b.config.Cooldown {
			return false
		}
		if atomic.CompareAndSwapInt32(&b.state, stateOpen, stateHalfOpen) {
			atomic.StoreInt64(&b.consecSuccesses, 0)
			atomic.StoreInt64(&b.halfOpenInFlight, 0)
			b.notify(StateOpen, StateHalfOpen)
		}
		fallthrough
	case stateHalfOpen:
		if atomic.AddInt64(&b.halfOpenInFlight, 1) > int64(b.config.MaxHalfOpenRequests) {
			atomic.AddInt64(&b.halfOpenInFlight, -1)
			return false
		}
		return true
	default:
		return true
	}
}

// RecordSuccess feeds a successful call into the counters.
func (b *Breaker) RecordSuccess() {
	atomic.AddInt64(&b.successes, 1)
	atomic.AddInt64(&b.total, 1)
	atomic.StoreInt64(&b.consecFailures, 0)

	if atomic.LoadInt32(&b.state) == stateHalfOpen {
		atomic.AddInt64(&b.halfOpenInFlight, -1)
		if atomic.AddInt64(&b.consecSuccesses, 1) >= int64(b.config.SuccessThreshold) {
			if atomic.CompareAndSwapInt32(&b.state, stateHalfOpen, stateClosed) {
				atomic.StoreInt64(&b.failures, 0)
				atomic.StoreInt64(&b.successes, 0)
				atomic.StoreInt64(&b.total, 0)
				b.notify(StateHalfOpen, StateClosed)
			}
		}
	}
}

// RecordFailure feeds a failed call into the counters, opening the
// circuit when a threshold trips.
func (b *Breaker) RecordFailure() {
	atomic.AddInt64(&b.failures, 1)
	total := atomic.AddInt64(&b.total, 1)
	atomic.StoreInt64(&b.lastFailure, time.Now().UnixNano())
	consecutive := atomic.AddInt64(&b.consecFailures, 1)

	state := atomic.LoadInt32(&b.state)
	if state == stateHalfOpen {
		atomic.AddInt64(&b.halfOpenInFlight, -1)
		// A failed probe reopens immediately.
		if atomic.CompareAndSwapInt32(&b.state, stateHalfOpen, stateOpen) {
			b.notify(StateHalfOpen, StateOpen)
		}
		return
	}
	if state != stateClosed {
		return
	}

	open := consecutive >= int64(b.config.FailureThreshold)
	if !open && total >= int64(b.config.MinRequests) {
		failures := atomic.LoadInt64(&b.failures)
		open = float64(failures)/float64(total) >= b.config.FailureRateThreshold
	}
	if open && atomic.CompareAndSwapInt32(&b.state, stateClosed, stateOpen) {
		b.notify(StateClosed, StateOpen)
	}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	switch atomic.LoadInt32(&b.state) {
	case stateOpen:
		return StateOpen
	case stateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Reset forces the circuit closed and clears all counters. Used by the
// recovery strategies.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.State()
	atomic.StoreInt32(&b.state, stateClosed)
	atomic.StoreInt64(&b.failures, 0)
	atomic.StoreInt64(&b.successes, 0)
	atomic.StoreInt64(&b.total, 0)
	atomic.StoreInt64(&b.consecFailures, 0)
	atomic.StoreInt64(&b.consecSuccesses, 0)
	atomic.StoreInt64(&b.lastFailure, 0)
	fn := b.onStateChange
	b.mu.Unlock()
	if fn != nil && from != StateClosed {
		fn(b.target, from, StateClosed)
	}
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	failures := atomic.LoadInt64(&b.failures)
	total := atomic.LoadInt64(&b.total)
	rate := 0.0
	if total > 0 {
		rate = float64(failures) / float64(total)
	}
	return Stats{
		State:           b.State(),
		Failures:        failures,
		Successes:       atomic.LoadInt64(&b.successes),
		Total:           total,
		FailureRate:     rate,
		LastFailureTime: time.Unix(0, atomic.LoadInt64(&b.lastFailure)),
	}
}

func (b *Breaker) notify(from, to State) {
	b.mu.Lock()
	fn := b.onStateChange
	b.mu.Unlock()
	if fn != nil {
		fn(b.target, from, to)
	}
}
