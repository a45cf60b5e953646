// Package health implements the per-endpoint circuit breaker and the
// HealthMonitor that drives it: probes are attempted or skipped according to
// a three-state machine (Closed/Open/HalfOpen) per endpoint.
package health

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Closed"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
	DefaultSuccessThreshold = 2
)

// Breaker is a three-state circuit breaker for one endpoint's health probes.
// Safe for concurrent use; all state transitions happen under mu so
// RecordSuccess/RecordFailure/Allow observe a consistent snapshot.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout      time.Duration
	successThreshold  int

	state            State
	consecutiveFails int
	consecutiveOK    int
	openedAt         time.Time
}

// Option configures a Breaker at construction.
type Option func(*Breaker)

func WithFailureThreshold(n int) Option { return func(b *Breaker) { b.failureThreshold = n } }
func WithResetTimeout(d time.Duration) Option { return func(b *Breaker) { b.resetTimeout = d } }
func WithSuccessThreshold(n int) Option { return func(b *Breaker) { b.successThreshold = n } }

// New constructs a Breaker starting Closed, with spec defaults unless
// overridden by opts.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		failureThreshold: DefaultFailureThreshold,
		resetTimeout:      DefaultResetTimeout,
		successThreshold:  DefaultSuccessThreshold,
		state:             Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state, advancing Open → HalfOpen if resetTimeout
// has elapsed since the breaker opened.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTimeoutLocked()
	return b.state
}

func (b *Breaker) maybeTimeoutLocked() {
	if b.state == Open && time.Since(b.openedAt) >= b.resetTimeout {
		b.state = HalfOpen
		b.consecutiveOK = 0
	}
}

// Allow reports whether a health probe should be attempted now. Closed and
// HalfOpen always allow; Open allows nothing until resetTimeout has elapsed,
// at which point the breaker moves to HalfOpen and every caller is allowed.
// Concurrent probes in HalfOpen are not limited to one.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTimeoutLocked()
	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	default: // Open
		return false
	}
}

// RecordSuccess reports a successful probe or send. In HalfOpen, successThreshold
// consecutive successes closes the breaker. In Closed, it resets the failure
// counter. A success while Open can only happen via Allow's own probe path and
// is treated the same as a HalfOpen success.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.consecutiveFails = 0
	case HalfOpen, Open:
		b.consecutiveOK++
		if b.consecutiveOK >= b.successThreshold {
			b.state = Closed
			b.consecutiveFails = 0
			b.consecutiveOK = 0
		}
	}
}

// RecordFailure reports a failed probe or send. In Closed, failureThreshold
// consecutive failures opens the breaker. In HalfOpen (or a failed Open
// probe), any failure (re-)opens it with a fresh timestamp.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.failureThreshold {
			b.openLocked()
		}
	case HalfOpen:
		b.openLocked()
	case Open:
		b.openedAt = time.Now()
	}
}

func (b *Breaker) openLocked() {
	b.state = Open
	b.openedAt = time.Now()
	b.consecutiveFails = 0
	b.consecutiveOK = 0
}
