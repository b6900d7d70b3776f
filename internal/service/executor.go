package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/execx"
	"github.com/prodigy-dev/prodigy/internal/fsutil"
	"github.com/prodigy-dev/prodigy/internal/interp"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

// BoundaryFunc persists an execution-state transition. The workflow driver
// passes a checkpoint writer; callers that track progress elsewhere (agent
// templates, handlers, merge workflows) pass nil.
type BoundaryFunc func(state core.StepState) error

// OutcomeKind classifies a step outcome.
type OutcomeKind string

const (
	OutcomeSuccess  OutcomeKind = "success"
	OutcomeFailed   OutcomeKind = "failed"
	OutcomeTimedOut OutcomeKind = "timed_out"
	OutcomeSkipped  OutcomeKind = "skipped"
)

// StepOutcome is the result of executing one step.
type StepOutcome struct {
	Kind       OutcomeKind
	Output     string
	Captures   map[string]any
	RetryCount int
	Duration   time.Duration
	Err        error
	Retryable  bool
	Recovered  bool
}

// Succeeded reports whether the step ended successfully (including handler
// recovery).
func (o *StepOutcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess
}

// StepRequest bundles one step execution.
type StepRequest struct {
	Step           core.Step
	Index          int
	Ctx            *interp.Context
	WorkingDir     string
	DefaultTimeout time.Duration
	Boundary       BoundaryFunc
}

// Executor runs single workflow steps: interpolation, subprocess dispatch,
// retry, capture, handlers, and commit verification.
type Executor struct {
	runner         *execx.Runner
	logger         *logging.Logger
	breakers       *BreakerRegistry
	shell          string
	claudeBin      string
	providerPolicy *Policy
	transient      TransientPredicate
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithShell overrides the shell used for shell steps (default sh).
func WithShell(shell string) ExecutorOption {
	return func(e *Executor) { e.shell = shell }
}

// WithClaudeBinary overrides the Claude CLI binary (default claude).
func WithClaudeBinary(bin string) ExecutorOption {
	return func(e *Executor) { e.claudeBin = bin }
}

// WithTransientPredicate replaces the provider-error predicate.
func WithTransientPredicate(p TransientPredicate) ExecutorOption {
	return func(e *Executor) { e.transient = p }
}

// WithProviderPolicy replaces the Claude transient retry policy.
func WithProviderPolicy(p *Policy) ExecutorOption {
	return func(e *Executor) { e.providerPolicy = p }
}

// WithBreakers replaces the circuit breaker registry.
func WithBreakers(r *BreakerRegistry) ExecutorOption {
	return func(e *Executor) { e.breakers = r }
}

// NewExecutor creates a step executor.
func NewExecutor(runner *execx.Runner, logger *logging.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Executor{
		runner:         runner,
		logger:         logger,
		breakers:       NewBreakerRegistry(0, 0),
		shell:          "sh",
		claudeBin:      "claude",
		providerPolicy: ClaudeProviderPolicy(),
		transient:      DefaultTransientPredicate,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteStep runs one step through the full pipeline. Captures are written
// back into req.Ctx so later steps in the same scope can use them.
func (e *Executor) ExecuteStep(ctx context.Context, req StepRequest) *StepOutcome {
	step := req.Step
	logger := e.logger.WithStep(req.Index)
	start := time.Now()

	fail := func(err error, kind OutcomeKind, retryCount int) *StepOutcome {
		outcome := &StepOutcome{
			Kind:       kind,
			Err:        err,
			Retryable:  core.IsRetryable(err),
			RetryCount: retryCount,
			Duration:   time.Since(start),
		}
		return e.finishFailed(ctx, req, outcome, logger)
	}

	if err := e.boundary(req, core.BeforeStep(req.Index)); err != nil {
		return &StepOutcome{Kind: OutcomeFailed, Err: err, Duration: time.Since(start)}
	}

	if err := step.Validate(); err != nil {
		return fail(err, OutcomeFailed, 0)
	}

	// Resolve env, cwd, and timeout against the current context. Explicit
	// step-level overrides interpolate strictly; command text follows the
	// step's strict flag (non-strict by default).
	stepEnv, err := e.resolveEnv(step.Env, req.Ctx)
	if err != nil {
		return fail(err, OutcomeFailed, 0)
	}
	workingDir, err := e.resolveWorkingDir(step.WorkingDir, req.WorkingDir, req.Ctx)
	if err != nil {
		return fail(err, OutcomeFailed, 0)
	}
	timeout := step.Timeout
	if timeout == 0 {
		timeout = req.DefaultTimeout
	}

	commandText, err := interp.Interpolate(step.CommandText(), req.Ctx, step.Strict)
	if err != nil {
		return fail(core.Trace(err, "interpolate command", "service.Executor"), OutcomeFailed, 0)
	}

	var headBefore string
	if step.CommitRequired {
		headBefore, err = e.gitHEAD(ctx, workingDir)
		if err != nil {
			return fail(core.Trace(err, "read HEAD before step", "service.Executor"), OutcomeFailed, 0)
		}
	}

	var out *execx.Output
	var retryCount int
	var execErr error

	switch step.Kind() {
	case core.StepWriteFile:
		execErr = e.writeFile(step.WriteFile, commandText, workingDir, req.Ctx)
		out = &execx.Output{}
	default:
		out, retryCount, execErr = e.runCommand(ctx, step, commandText, stepEnv, workingDir, timeout, req.Ctx)
	}

	if execErr != nil {
		kind := OutcomeFailed
		if out != nil && out.TimedOut {
			kind = OutcomeTimedOut
		}
		logger.Warn("step failed",
			"kind", step.Kind(),
			"error", execErr,
			"retries", retryCount,
		)
		outcome := fail(execErr, kind, retryCount)
		return outcome
	}

	// Success path: captures, commit verification, on_success.
	captures, err := applyCapture(step.Capture, out)
	if err != nil {
		return fail(err, OutcomeFailed, retryCount)
	}
	for k, v := range captures {
		req.Ctx.Set(k, v)
	}

	if step.CommitRequired {
		headAfter, err := e.gitHEAD(ctx, workingDir)
		if err != nil {
			return fail(core.Trace(err, "read HEAD after step", "service.Executor"), OutcomeFailed, retryCount)
		}
		if headAfter == headBefore {
			return fail(core.ErrTerminal(core.CodeCommitMissing,
				fmt.Sprintf("step %d required a commit but HEAD did not advance", req.Index)),
				OutcomeFailed, retryCount)
		}
	}

	outcome := &StepOutcome{
		Kind:       OutcomeSuccess,
		Output:     out.Stdout,
		Captures:   captures,
		RetryCount: retryCount,
		Duration:   time.Since(start),
	}

	if step.OnSuccess != nil {
		if err := e.runHandler(ctx, step.OnSuccess, req, nil); err != nil {
			if step.OnSuccess.FailureFatal {
				return fail(core.Trace(err, "on_success handler", "service.Executor"), OutcomeFailed, retryCount)
			}
			logger.Warn("on_success handler failed", "error", err)
		}
	}

	if err := e.boundary(req, core.Completed(req.Index, outcome.Output)); err != nil {
		outcome.Kind = OutcomeFailed
		outcome.Err = err
		return outcome
	}

	logger.Info("step completed",
		"kind", step.Kind(),
		"duration", outcome.Duration,
		"retries", retryCount,
	)
	return outcome
}

// finishFailed runs the on_failure handler and writes the Failed boundary.
func (e *Executor) finishFailed(ctx context.Context, req StepRequest, outcome *StepOutcome, logger *logging.Logger) *StepOutcome {
	step := req.Step

	if step.OnFailure != nil && !core.IsCancelled(outcome.Err) {
		handlerErr := e.runHandler(ctx, step.OnFailure, req, outcome.Err)
		switch {
		case handlerErr != nil:
			logger.Warn("on_failure handler failed", "error", handlerErr)
		case step.OnFailure.Recovers():
			// A successful Recovery handler recovers the step; Fallback,
			// Cleanup, and Custom leave the outer step failed.
			outcome.Kind = OutcomeSuccess
			outcome.Err = nil
			outcome.Recovered = true
			if err := e.boundary(req, core.Completed(req.Index, outcome.Output)); err != nil {
				outcome.Kind = OutcomeFailed
				outcome.Err = err
			}
			logger.Info("step recovered by on_failure handler")
			return outcome
		}
	}

	errMsg := ""
	if outcome.Err != nil {
		errMsg = outcome.Err.Error()
	}
	if err := e.boundary(req, core.Failed(req.Index, errMsg, outcome.Retryable)); err != nil {
		logger.Error("failed-state checkpoint write failed", "error", err)
	}
	return outcome
}

// boundary invokes the checkpoint sink when configured.
func (e *Executor) boundary(req StepRequest, state core.StepState) error {
	if req.Boundary == nil {
		return nil
	}
	if err := req.Boundary(state); err != nil {
		return core.Trace(err, "checkpoint boundary", "service.Executor")
	}
	return nil
}

// resolveEnv interpolates step-level env values. Step env overrides are
// explicit, so they interpolate strictly.
func (e *Executor) resolveEnv(env map[string]string, ictx *interp.Context) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	resolved := make(map[string]string, len(env))
	for k, v := range env {
		value, err := interp.Interpolate(v, ictx, true)
		if err != nil {
			return nil, core.Trace(err, "resolve step env", "service.Executor")
		}
		resolved[k] = value
	}
	return resolved, nil
}

func (e *Executor) resolveWorkingDir(stepDir, defaultDir string, ictx *interp.Context) (string, error) {
	if stepDir == "" {
		return defaultDir, nil
	}
	resolved, err := interp.Interpolate(stepDir, ictx, true)
	if err != nil {
		return "", core.Trace(err, "resolve working_dir", "service.Executor")
	}
	if !filepath.IsAbs(resolved) && defaultDir != "" {
		resolved = filepath.Join(defaultDir, resolved)
	}
	return resolved, nil
}

// runCommand dispatches a shell or claude step with retry and breaker
// protection.
func (e *Executor) runCommand(ctx context.Context, step core.Step, commandText string, stepEnv map[string]string, workingDir string, timeout time.Duration, ictx *interp.Context) (*execx.Output, int, error) {
	spec := e.buildSpec(step, commandText, stepEnv, workingDir, timeout, ictx)

	// The breaker key is the logical command: uninterpolated text, so all
	// items of a map phase share one breaker per template step.
	breaker := e.breakers.Get(string(step.Kind()) + ":" + step.CommandText())

	shouldRetry := e.retryPredicateFor(step)
	policy := PolicyFromConfig(step.Retry)
	if step.Kind() == core.StepClaude && step.Retry == nil {
		// Claude steps without an explicit retry block get the provider
		// policy for transient errors.
		policy = e.providerPolicy
	}

	var lastOut *execx.Output
	attempt := func(ctx context.Context) error {
		if err := breaker.Allow(); err != nil {
			return err
		}
		out, err := e.runner.Run(ctx, spec)
		lastOut = out
		result := attemptError(out, err)
		breaker.Record(result)
		return result
	}

	retries, err := policy.Execute(ctx, attempt, func(err error) bool {
		if isBreakerOpen(err) {
			return false
		}
		return shouldRetry(lastOut, err)
	})
	return lastOut, retries, err
}

// attemptError folds a run result into a single error for retry decisions.
func attemptError(out *execx.Output, err error) error {
	if err != nil {
		return err
	}
	if out != nil && out.ExitCode != 0 {
		return core.ErrTerminal(core.CodeExitNonZero,
			fmt.Sprintf("command exited with status %d", out.ExitCode)).
			WithDetail("exit_code", out.ExitCode).
			WithDetail("stderr", tail(out.Stderr, 500))
	}
	return nil
}

func isBreakerOpen(err error) bool {
	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		return domErr.Code == core.CodeCircuitOpen
	}
	return false
}

// retryPredicateFor selects the retry gate for a step: retry_on patterns
// when configured; for Claude steps, transient errors only; for other steps
// with more than one attempt configured, any failure; otherwise transient
// errors.
func (e *Executor) retryPredicateFor(step core.Step) TransientPredicate {
	if step.Retry != nil && len(step.Retry.RetryOn) > 0 {
		return PredicateFromPatterns(step.Retry.RetryOn)
	}
	if step.Kind() == core.StepClaude {
		return e.transient
	}
	if step.Retry != nil && step.Retry.Attempts > 1 {
		// Retries explicitly requested: any failure is retryable.
		return func(*execx.Output, error) bool { return true }
	}
	return func(out *execx.Output, err error) bool {
		return e.transient(out, err)
	}
}

// buildSpec assembles the subprocess spec. Only scalar context entries enter
// the environment; arrays and objects like map.results reach commands
// through interpolated text, never the env block.
func (e *Executor) buildSpec(step core.Step, commandText string, stepEnv map[string]string, workingDir string, timeout time.Duration, ictx *interp.Context) execx.Spec {
	env := ScalarEnv(ictx, stepEnv)

	spec := execx.Spec{
		Env:        env,
		InheritEnv: true,
		Dir:        workingDir,
		Timeout:    timeout,
		Capture:    execx.CaptureBoth,
	}

	if step.Kind() == core.StepClaude {
		spec.Program = e.claudeBin
		spec.Args = []string{"--print", commandText}
	} else {
		spec.Program = e.shell
		spec.Args = []string{"-c", commandText}
	}
	return spec
}

// ScalarEnv merges the context's scalar bindings into a spec env map.
// Exposed for the drivers that assemble reduce-phase environments.
func ScalarEnv(ictx *interp.Context, extra map[string]string) map[string]string {
	env := ictx.Scalars()
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// writeFile interpolates, validates, and writes a write_file step. The
// content was already interpolated with the full context (including large
// variables such as map.results) by the caller; format validation failures
// here are format errors, distinct from interpolation failures, and no file
// is created when validation fails.
func (e *Executor) writeFile(spec *core.WriteFileSpec, content, workingDir string, ictx *interp.Context) error {
	path, err := interp.Interpolate(spec.Path, ictx, true)
	if err != nil {
		return core.Trace(err, "interpolate write_file path", "service.Executor")
	}
	if !filepath.IsAbs(path) && workingDir != "" {
		path = filepath.Join(workingDir, path)
	}

	switch spec.Format {
	case core.FormatJSON:
		var v any
		if err := json.Unmarshal([]byte(content), &v); err != nil {
			return core.ErrFormat("json",
				fmt.Sprintf("write_file content for %s is not valid JSON: %v", spec.Path, err)).
				Trace("validate write_file", "service.Executor")
		}
	case core.FormatYAML:
		var v any
		if err := yaml.Unmarshal([]byte(content), &v); err != nil {
			return core.ErrFormat("yaml",
				fmt.Sprintf("write_file content for %s is not valid YAML: %v", spec.Path, err)).
				Trace("validate write_file", "service.Executor")
		}
	}

	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "creating write_file directory").WithCause(err)
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite,
			fmt.Sprintf("writing %s", path)).WithCause(err).Trace("write file", "service.Executor")
	}
	return nil
}

// runHandler executes an on_failure/on_success block with the shared
// context, augmented with error.* bindings when a failure is in hand.
func (e *Executor) runHandler(ctx context.Context, handler *core.HandlerConfig, req StepRequest, cause error) error {
	hctx := req.Ctx.Fork()
	if cause != nil {
		hctx.Set("error.message", cause.Error())
		hctx.Set("error.step", req.Index)
		hctx.Set("error.timestamp", time.Now().UTC().Format(time.RFC3339))
		var domErr *core.DomainError
		if errors.As(cause, &domErr) {
			if code, ok := domErr.Details["exit_code"]; ok {
				hctx.Set("error.exit_code", code)
			}
		}
	}

	for i, handlerStep := range handler.Steps {
		outcome := e.ExecuteStep(ctx, StepRequest{
			Step:       handlerStep,
			Index:      i,
			Ctx:        hctx,
			WorkingDir: req.WorkingDir,
		})
		if !outcome.Succeeded() {
			return core.Trace(outcome.Err, fmt.Sprintf("handler step %d", i), "service.Executor")
		}
	}
	return nil
}

// gitHEAD reads the current HEAD commit in dir via the subprocess runner.
func (e *Executor) gitHEAD(ctx context.Context, dir string) (string, error) {
	out, err := e.runner.Run(ctx, execx.Spec{
		Program:    "git",
		Args:       []string{"rev-parse", "HEAD"},
		InheritEnv: true,
		Dir:        dir,
		Capture:    execx.CaptureStdout,
		Timeout:    30 * time.Second,
	})
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", core.ErrTerminal(core.CodeNotGitRepo,
			fmt.Sprintf("git rev-parse HEAD failed in %s", dir))
	}
	return strings.TrimSpace(out.Stdout), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
