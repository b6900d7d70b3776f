package service

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prodigy-dev/prodigy/internal/core"
)

// Policy defines retry behavior for a step.
type Policy struct {
	Attempts     int
	Kind         core.BackoffKind
	BaseDelay    time.Duration
	Increment    time.Duration
	Multiplier   float64
	Sequence     []time.Duration
	MaxDelay     time.Duration
	Jitter       bool
	JitterFactor float64
	Budget       time.Duration
}

// DefaultPolicy returns a single-attempt policy: no retries unless the step
// configures them.
func DefaultPolicy() *Policy {
	return &Policy{
		Attempts:     1,
		Kind:         core.BackoffExponential,
		BaseDelay:    time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
}

// ClaudeProviderPolicy is tuned for transient provider errors (HTTP 5xx,
// overload): exponential backoff with jitter.
func ClaudeProviderPolicy() *Policy {
	return &Policy{
		Attempts:     4,
		Kind:         core.BackoffExponential,
		BaseDelay:    2 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     time.Minute,
		Jitter:       true,
		JitterFactor: 0.3,
	}
}

// PolicyFromConfig builds a policy from a step's retry configuration.
func PolicyFromConfig(cfg *core.RetryConfig) *Policy {
	p := DefaultPolicy()
	if cfg == nil {
		return p
	}
	if cfg.Attempts > 0 {
		p.Attempts = cfg.Attempts
	}
	if cfg.Backoff != "" {
		p.Kind = cfg.Backoff
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.Increment > 0 {
		p.Increment = cfg.Increment
	}
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	if len(cfg.Sequence) > 0 {
		p.Sequence = cfg.Sequence
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	p.Jitter = cfg.Jitter
	if cfg.JitterFactor > 0 {
		p.JitterFactor = cfg.JitterFactor
	}
	p.Budget = cfg.Budget
	return p
}

// Delay computes the backoff before retrying after the given 1-based
// attempt, capped at MaxDelay, with jitter applied when enabled.
func (p *Policy) Delay(attempt int) time.Duration {
	delay := float64(p.DelayNoJitter(attempt))
	if p.Jitter && p.JitterFactor > 0 {
		jitter := delay * p.JitterFactor
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// DelayNoJitter computes the raw backoff progression.
func (p *Policy) DelayNoJitter(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay float64
	switch p.Kind {
	case core.BackoffFixed:
		delay = float64(p.BaseDelay)
	case core.BackoffLinear:
		inc := p.Increment
		if inc == 0 {
			inc = p.BaseDelay
		}
		delay = float64(p.BaseDelay) + float64(inc)*float64(attempt-1)
	case core.BackoffFibonacci:
		delay = float64(p.BaseDelay) * float64(fibonacci(attempt))
	case core.BackoffCustom:
		if len(p.Sequence) == 0 {
			delay = float64(p.BaseDelay)
			break
		}
		idx := attempt - 1
		if idx >= len(p.Sequence) {
			idx = len(p.Sequence) - 1
		}
		delay = float64(p.Sequence[idx])
	default: // exponential
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		delay = float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func fibonacci(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i < n; i++ {
		a, b = b, a+b
	}
	if n <= 1 {
		return 1
	}
	return b
}

// RetryableFunc is one attempt of a retried operation.
type RetryableFunc func(ctx context.Context) error

// Execute runs fn up to Attempts times, waiting per the backoff progression
// between attempts. shouldRetry decides whether a given failure is worth
// retrying; a nil predicate retries every failure. The retry budget bounds
// total time spent including backoff. Returns the number of retries
// performed (attempts minus one).
func (p *Policy) Execute(ctx context.Context, fn RetryableFunc, shouldRetry func(error) bool) (int, error) {
	var lastErr error
	start := time.Now()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return attempt - 1, core.ErrCancelled("retry loop cancelled")
		default:
		}

		err := fn(ctx)
		if err == nil {
			return attempt - 1, nil
		}
		lastErr = err

		if core.IsCancelled(err) {
			return attempt - 1, err
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return attempt - 1, err
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if p.Budget > 0 && time.Since(start)+delay > p.Budget {
			return attempt - 1, core.ErrTerminal(core.CodeRetryBudget,
				fmt.Sprintf("retry budget %v exhausted after %d attempts", p.Budget, attempt)).
				WithCause(lastErr)
		}

		select {
		case <-ctx.Done():
			return attempt - 1, core.ErrCancelled("retry loop cancelled")
		case <-time.After(delay):
		}
	}

	return attempts - 1, &RetryExhaustedError{Attempts: attempts, LastErr: lastErr}
}

// RetryExhaustedError indicates all retry attempts failed.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}
