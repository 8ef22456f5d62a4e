package analysis

import (
	"sync"
	"time"

	"mail-analysis-service/internal/models"
	"mail-analysis-service/internal/telemetry"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker shields the analysis backend from hammering while it is
// down. It opens after a run of consecutive failures, rejects calls for
// the recovery window, then lets a single probe through. The state is
// per-process; a restart starts closed.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	recovery  time.Duration
	openedAt  time.Time
	probing   bool
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &CircuitBreaker{threshold: threshold, recovery: recovery}
}

// Allow reports whether a call may proceed. In half-open state only one
// probe is admitted at a time; its outcome decides the next state.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(b.openedAt) < b.recovery {
			return models.NewError(models.KindCircuitOpen,
				"analysis backend circuit is open, retry after %s", b.openedAt.Add(b.recovery).UTC().Format(time.RFC3339))
		}
		b.state = stateHalfOpen
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return models.NewError(models.KindCircuitOpen, "analysis backend circuit is half-open, probe in flight")
		}
		b.probing = true
		return nil
	}
}

// Release returns an admitted slot when the call is abandoned before
// reaching the backend, so a half-open probe reservation is not leaked.
func (b *CircuitBreaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// RecordSuccess closes the breaker and clears the failure run.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a backend failure; a failed half-open probe or a
// full run of closed-state failures opens the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

func (b *CircuitBreaker) open() {
	b.state = stateOpen
	b.openedAt = time.Now()
	b.failures = 0
	b.probing = false
	telemetry.BreakerOpens.Inc()
}

// State reports the current state name for health endpoints.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen && time.Since(b.openedAt) >= b.recovery {
		return stateHalfOpen.String()
	}
	return b.state.String()
}
