// Package execx spawns child processes with explicit environments, working
// directories, timeouts, and capped stream capture.
package execx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

// CaptureMode selects which streams are captured into the result.
type CaptureMode string

const (
	CaptureNone       CaptureMode = "none"
	CaptureStdout     CaptureMode = "stdout"
	CaptureStderr     CaptureMode = "stderr"
	CaptureBoth       CaptureMode = "both"
	CaptureStructured CaptureMode = "structured"
)

// Spec describes one subprocess invocation. Env is exactly the child's
// environment unless InheritEnv is set.
type Spec struct {
	Program     string
	Args        []string
	Env         map[string]string
	InheritEnv  bool
	Dir         string
	Stdin       string
	Timeout     time.Duration
	GracePeriod time.Duration
	Capture     CaptureMode
}

// Output is the observed result of a completed or terminated subprocess.
type Output struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	Duration        time.Duration
	TimedOut        bool
	OutputTruncated bool

	// StructuredData holds parsed objects when Capture is structured and
	// stdout was line-delimited JSON; on parse errors it stays nil and the
	// raw string remains in Stdout.
	StructuredData []any
}

const (
	// DefaultStreamCap bounds each captured stream.
	DefaultStreamCap = 10 << 20
	// DefaultEnvLimit approximates the platform env-block limit; prospective
	// blocks beyond it are refused before fork/exec.
	DefaultEnvLimit = 1 << 20
	// DefaultGracePeriod is the wait between graceful termination and kill.
	DefaultGracePeriod = 30 * time.Second

	truncationMarker = "\n...[output truncated]"
)

// Runner spawns subprocesses.
type Runner struct {
	logger    *logging.Logger
	streamCap int
	envLimit  int
}

// Option configures a Runner.
type Option func(*Runner)

// WithStreamCap overrides the per-stream capture cap.
func WithStreamCap(n int) Option {
	return func(r *Runner) { r.streamCap = n }
}

// WithEnvLimit overrides the env-block refusal threshold.
func WithEnvLimit(n int) Option {
	return func(r *Runner) { r.envLimit = n }
}

// NewRunner creates a runner.
func NewRunner(logger *logging.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Runner{
		logger:    logger,
		streamCap: DefaultStreamCap,
		envLimit:  DefaultEnvLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the spec and waits for completion. A non-zero exit is not an
// error here; callers map exit status to an outcome. Errors are reserved for
// refused launches, spawn failures, timeouts, and cancellation.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Output, error) {
	env, err := r.buildEnv(spec)
	if err != nil {
		return nil, err
	}

	// #nosec G204 -- program and args come from the validated workflow
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Env = env
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	configureProcAttr(cmd)

	stdout := newCappedBuffer(r.streamCap)
	stderr := newCappedBuffer(r.streamCap)
	switch spec.Capture {
	case CaptureNone:
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	case CaptureStdout:
		cmd.Stdout = stdout
		cmd.Stderr = io.Discard
	case CaptureStderr:
		cmd.Stdout = io.Discard
		cmd.Stderr = stderr
	default: // both, structured
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	r.logger.Debug("exec: spawning",
		"program", spec.Program,
		"args", spec.Args,
		"dir", spec.Dir,
		"timeout", spec.Timeout,
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, core.Trace(fmt.Errorf("starting %s: %w", spec.Program, err), "spawn", "execx.Runner")
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var waitErr error
	timedOut := false
	cancelled := false

	select {
	case waitErr = <-done:
	case <-timeoutCh:
		timedOut = true
		waitErr = r.terminate(cmd, spec.gracePeriod(), done)
	case <-ctx.Done():
		cancelled = true
		waitErr = r.terminate(cmd, spec.gracePeriod(), done)
	}

	out := &Output{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		Duration:        time.Since(start),
		TimedOut:        timedOut,
		OutputTruncated: stdout.Truncated() || stderr.Truncated(),
	}

	switch {
	case timedOut:
		r.logger.Warn("exec: command timed out",
			"program", spec.Program,
			"timeout", spec.Timeout,
			"duration", out.Duration,
		)
		return out, core.ErrTimeout(fmt.Sprintf("%s timed out after %v", spec.Program, spec.Timeout)).
			Trace("run", "execx.Runner")
	case cancelled:
		return out, core.ErrCancelled(fmt.Sprintf("%s cancelled", spec.Program)).
			Trace("run", "execx.Runner")
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
		} else {
			return out, core.Trace(fmt.Errorf("waiting on %s: %w", spec.Program, waitErr), "wait", "execx.Runner")
		}
	}

	if spec.Capture == CaptureStructured {
		out.StructuredData = parseStructured(out.Stdout)
	}

	r.logger.Debug("exec: command finished",
		"program", spec.Program,
		"exit_code", out.ExitCode,
		"duration", out.Duration,
		"stdout_len", len(out.Stdout),
		"stderr_len", len(out.Stderr),
	)

	return out, nil
}

func (s Spec) gracePeriod() time.Duration {
	if s.GracePeriod > 0 {
		return s.GracePeriod
	}
	return DefaultGracePeriod
}

// terminate sends graceful termination to the process group, waits for the
// grace period, then force-kills. It always reaps the child via done.
func (r *Runner) terminate(cmd *exec.Cmd, grace time.Duration, done chan error) error {
	terminateProcess(cmd)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		killProcess(cmd)
		return <-done
	}
}

// buildEnv assembles the child environment and refuses blocks that would
// exceed the platform limit, naming the offending keys.
func (r *Runner) buildEnv(spec Spec) ([]string, error) {
	var env []string
	size := 0
	if spec.InheritEnv {
		env = os.Environ()
		for _, kv := range env {
			size += len(kv) + 1
		}
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv := k + "=" + spec.Env[k]
		env = append(env, kv)
		size += len(kv) + 1
	}

	if size > r.envLimit {
		offenders := envOffenders(spec.Env, 5)
		return nil, core.ErrValidation(core.CodeEnvTooLarge,
			fmt.Sprintf("environment block is %d bytes (limit %d); largest keys: %s — pass large values as file references",
				size, r.envLimit, strings.Join(offenders, ", "))).
			WithDetail("keys", offenders).
			Trace("build env", "execx.Runner")
	}

	return env, nil
}

// envOffenders returns the n largest env keys by value size.
func envOffenders(env map[string]string, n int) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(env[keys[i]]) != len(env[keys[j]]) {
			return len(env[keys[i]]) > len(env[keys[j]])
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// parseStructured reads stdout as line-delimited JSON. Any unparsable
// non-empty line aborts structured interpretation.
func parseStructured(stdout string) []any {
	var parsed []any
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil
		}
		parsed = append(parsed, v)
	}
	return parsed
}
