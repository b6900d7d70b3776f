package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/prodigy-dev/prodigy/internal/core"
)

// Breaker tracks consecutive failures for one logical command and opens
// after a threshold, refusing attempts until the recovery timeout elapses.
type Breaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration

	mu          sync.Mutex
	consecutive int
	openedAt    time.Time
}

// BreakerRegistry holds one breaker per logical command.
type BreakerRegistry struct {
	failureThreshold int
	recoveryTimeout  time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

const (
	// DefaultFailureThreshold opens a breaker after this many consecutive
	// failures of the same logical command.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is how long an open breaker refuses attempts.
	DefaultRecoveryTimeout = time.Minute
)

// NewBreakerRegistry creates a registry. Zero values select the defaults.
func NewBreakerRegistry(failureThreshold int, recoveryTimeout time.Duration) *BreakerRegistry {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	return &BreakerRegistry{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		breakers:         make(map[string]*Breaker),
	}
}

// Get returns the breaker for a logical command key.
func (r *BreakerRegistry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &Breaker{
			failureThreshold: r.failureThreshold,
			recoveryTimeout:  r.recoveryTimeout,
		}
		r.breakers[key] = b
	}
	return b
}

// Allow reports whether an attempt may proceed. When the breaker is open and
// the recovery timeout has not elapsed, it returns a CIRCUIT_OPEN error.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openedAt.IsZero() {
		return nil
	}
	if remaining := b.recoveryTimeout - time.Since(b.openedAt); remaining > 0 {
		return core.ErrTerminal(core.CodeCircuitOpen,
			fmt.Sprintf("circuit open after %d consecutive failures; retry in %v",
				b.consecutive, remaining.Round(time.Second)))
	}

	// Half-open: permit one probe attempt.
	b.openedAt = time.Time{}
	return nil
}

// Record feeds an attempt result into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutive = 0
		b.openedAt = time.Time{}
		return
	}

	b.consecutive++
	if b.consecutive >= b.failureThreshold && b.openedAt.IsZero() {
		b.openedAt = time.Now()
	}
}
