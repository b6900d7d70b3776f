package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prodigy-dev/prodigy/internal/core"
)

func TestPolicy_DelayProgressions(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		name   string
		policy Policy
		want   []time.Duration
	}{
		{
			"fixed",
			Policy{Kind: core.BackoffFixed, BaseDelay: base},
			[]time.Duration{base, base, base, base},
		},
		{
			"linear default increment",
			Policy{Kind: core.BackoffLinear, BaseDelay: base},
			[]time.Duration{base, 2 * base, 3 * base, 4 * base},
		},
		{
			"linear explicit increment",
			Policy{Kind: core.BackoffLinear, BaseDelay: base, Increment: 50 * time.Millisecond},
			[]time.Duration{base, 150 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond},
		},
		{
			"exponential",
			Policy{Kind: core.BackoffExponential, BaseDelay: base, Multiplier: 2},
			[]time.Duration{base, 2 * base, 4 * base, 8 * base},
		},
		{
			"fibonacci",
			Policy{Kind: core.BackoffFibonacci, BaseDelay: base},
			[]time.Duration{base, base, 2 * base, 3 * base, 5 * base, 8 * base},
		},
		{
			"custom clamps to last",
			Policy{Kind: core.BackoffCustom, Sequence: []time.Duration{base, 3 * base}},
			[]time.Duration{base, 3 * base, 3 * base, 3 * base},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				if got := tt.policy.DelayNoJitter(i + 1); got != want {
					t.Errorf("attempt %d: delay = %v, want %v", i+1, got, want)
				}
			}
		})
	}
}

func TestPolicy_MaxDelayCap(t *testing.T) {
	p := Policy{Kind: core.BackoffExponential, BaseDelay: time.Second, Multiplier: 10, MaxDelay: 5 * time.Second}
	if got := p.DelayNoJitter(5); got != 5*time.Second {
		t.Errorf("delay = %v, want capped 5s", got)
	}
}

func TestPolicy_JitterBounded(t *testing.T) {
	p := Policy{Kind: core.BackoffFixed, BaseDelay: 100 * time.Millisecond, Jitter: true, JitterFactor: 0.5}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside +-50%% band", d)
		}
	}
}

func TestPolicy_ExecuteRetriesUntilSuccess(t *testing.T) {
	p := Policy{Attempts: 5, Kind: core.BackoffFixed, BaseDelay: time.Millisecond}

	calls := 0
	retries, err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return core.ErrTimeout("flaky")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 || retries != 2 {
		t.Errorf("calls = %d, retries = %d", calls, retries)
	}
}

func TestPolicy_ExecuteStopsOnNonRetryable(t *testing.T) {
	p := Policy{Attempts: 5, Kind: core.BackoffFixed, BaseDelay: time.Millisecond}

	calls := 0
	terminal := core.ErrTerminal(core.CodeCommitMissing, "no commit")
	_, err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return terminal
	}, func(err error) bool { return core.IsRetryable(err) })
	if !errors.Is(err, terminal) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicy_ExecuteExhaustion(t *testing.T) {
	p := Policy{Attempts: 3, Kind: core.BackoffFixed, BaseDelay: time.Millisecond}

	calls := 0
	retries, err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return core.ErrTimeout("always")
	}, nil)

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want RetryExhaustedError", err)
	}
	if exhausted.Attempts != 3 || calls != 3 || retries != 2 {
		t.Errorf("attempts = %d, calls = %d, retries = %d", exhausted.Attempts, calls, retries)
	}
}

func TestPolicy_ExecuteRespectsBudget(t *testing.T) {
	p := Policy{
		Attempts:  10,
		Kind:      core.BackoffFixed,
		BaseDelay: 50 * time.Millisecond,
		Budget:    80 * time.Millisecond,
	}

	calls := 0
	_, err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return core.ErrTimeout("slow")
	}, nil)

	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeRetryBudget {
		t.Errorf("err = %v, want RETRY_BUDGET_EXHAUSTED", err)
	}
	if calls > 3 {
		t.Errorf("calls = %d, budget not respected", calls)
	}
}

func TestPolicy_ExecuteCancellation(t *testing.T) {
	p := Policy{Attempts: 10, Kind: core.BackoffFixed, BaseDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.Execute(ctx, func(context.Context) error {
		calls++
		return core.ErrTimeout("flaky")
	}, nil)
	if !core.IsCancelled(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
}

func TestPolicyFromConfig_Defaults(t *testing.T) {
	p := PolicyFromConfig(nil)
	if p.Attempts != 1 {
		t.Errorf("default attempts = %d, want 1", p.Attempts)
	}

	p = PolicyFromConfig(&core.RetryConfig{
		Attempts: 5,
		Backoff:  core.BackoffFibonacci,
		Jitter:   true,
	})
	if p.Attempts != 5 || p.Kind != core.BackoffFibonacci || !p.Jitter {
		t.Errorf("policy = %+v", p)
	}
	if p.JitterFactor == 0 {
		t.Error("jitter factor default not applied")
	}
}
