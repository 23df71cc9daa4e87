package upstream

import (
	"sync"
	"time"
)

// BreakerState is the state of a per-model forward circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // requests flow
	BreakerOpen                         // requests rejected until the probe interval passes
	BreakerHalfOpen                     // one trial request allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive forward failures for one model.
type Breaker struct {
	mu sync.Mutex

	state       BreakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trialOut    bool

	failureThreshold      int
	recoveryProbeInterval time.Duration
	now                   func() time.Time
}

func NewBreaker(failureThreshold int, recoveryProbeInterval time.Duration) *Breaker {
	return &Breaker{
		state:                 BreakerClosed,
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
		now:                   time.Now,
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState moves OPEN to HALF_OPEN once the probe interval has elapsed.
// Must be called with mu held.
func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.recoveryProbeInterval {
		b.state = BreakerHalfOpen
		b.trialOut = false
	}
	return b.state
}

// Allow reports whether a request may be forwarded. In HALF_OPEN only the
// first caller gets through until the trial resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.trialOut {
			return false
		}
		b.trialOut = true
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.trialOut = false
}

// RecordFailure counts a failure and reports whether this call opened the breaker.
func (b *Breaker) RecordFailure() (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.currentState() {
	case BreakerClosed:
		if b.failures >= b.failureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
			return true
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.trialOut = false
		return true
	}
	return false
}

// Abandon releases a HALF_OPEN trial whose outcome is unknown, such as when
// the client disconnected before upstream answered.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialOut = false
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.trialOut = false
}
