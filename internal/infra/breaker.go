package infra

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the snapshot breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, reject attempts
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker isolates a flapping REST endpoint. Repeated snapshot failures open
// the breaker; after cooldown a single probe is let through, and one success
// closes it again. Thread-safe.
type Breaker struct {
	name string
	mu   sync.Mutex

	state        BreakerState
	failureCount int
	lastFailure  time.Time

	failureThreshold int
	cooldown         time.Duration
}

// NewBreaker creates a breaker that opens after failureThreshold consecutive
// failures and probes again after cooldown.
func NewBreaker(name string, failureThreshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		name:             name,
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

// Allow reports whether an attempt may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.state = BreakerHalfOpen
			slog.Info("breaker half-open", "name", b.name)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		slog.Info("breaker closed", "name", b.name)
	}
	b.state = BreakerClosed
	b.failureCount = 0
}

// RecordFailure counts a failure, opening the breaker at the threshold. A
// failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = BreakerOpen
			slog.Warn("breaker open", "name", b.name, "failures", b.failureCount)
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		slog.Warn("breaker open", "name", b.name, "reason", "probe failed")
	}
}

// State returns the current state (for monitoring).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
