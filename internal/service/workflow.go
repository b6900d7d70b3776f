package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/interp"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

// Compile-time interface conformance check.
var _ core.StepSequenceRunner = (*Runner)(nil)

// Runner drives a standard workflow: an ordered sequence of steps with a
// durable checkpoint at every step boundary.
type Runner struct {
	exec   *Executor
	store  core.CheckpointStore
	logger *logging.Logger
}

// NewRunner creates a workflow runner.
func NewRunner(exec *Executor, store core.CheckpointStore, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{exec: exec, store: store, logger: logger}
}

// RunOptions configures one workflow run.
type RunOptions struct {
	Workflow     *core.Workflow
	WorkflowPath string
	WorkingDir   string
	WorktreePath string
	Params       map[string]string
	Resume       *core.Checkpoint // nil for a fresh run
	ForceRetry   bool
	DryRun       bool
	FailFast     bool
	SessionID    string // optional; generated when empty
}

// RunResult reports a completed run.
type RunResult struct {
	Session   *core.Session
	Completed int
	Iteration int
	Err       error
}

// NewSessionID generates a session identifier.
func NewSessionID() string {
	return "session-" + uuid.NewString()
}

// Run executes a standard workflow to completion, resuming from a prior
// checkpoint when one is supplied. On success the session's checkpoint is
// deleted; on failure it survives for resume.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	wf := opts.Workflow
	steps := wf.Commands

	sessionID := opts.SessionID
	if sessionID == "" {
		if opts.Resume != nil {
			sessionID = opts.Resume.SessionID
		} else {
			sessionID = NewSessionID()
		}
	}

	session := &core.Session{
		SessionID:    sessionID,
		Repo:         opts.WorkingDir,
		WorkflowPath: opts.WorkflowPath,
		WorktreePath: opts.WorktreePath,
		Status:       core.SessionRunning,
		StartedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	logger := r.logger.WithSession(sessionID)

	ictx := interp.NewContext()
	ictx.SetScalars(wf.Env)
	ictx.SetScalars(opts.Params)
	ictx.Set("workflow.name", wf.Name)
	ictx.Set("session.id", sessionID)

	startIndex := 0
	var completedSteps []core.CompletedStep
	if opts.Resume != nil {
		idx, ok := opts.Resume.State.ResumeIndex(opts.ForceRetry)
		if !ok {
			return nil, core.ErrTerminal(core.CodeNotResumable,
				fmt.Sprintf("session %s failed terminally at step %d; re-run with --force-retry to retry",
					sessionID, opts.Resume.State.StepIndex))
		}
		startIndex = idx
		completedSteps = opts.Resume.CompletedSteps
		ictx.SetAll(opts.Resume.Variables)
		logger.Info("resuming workflow",
			"from_step", startIndex,
			"completed", len(completedSteps),
			"recovered_from_history", opts.Resume.RecoveredFromHistory,
		)
	}

	if opts.DryRun {
		return r.dryRun(wf, steps, startIndex, session, ictx, logger)
	}

	maxIterations := wf.MaxIterations
	if maxIterations < 1 {
		maxIterations = 1
	}

	result := &RunResult{Session: session}
	for iteration := 0; iteration < maxIterations; iteration++ {
		result.Iteration = iteration + 1
		advanced, err := r.runPass(ctx, session, steps, startIndex, ictx, completedSteps, logger)
		result.Completed = len(steps)
		if err != nil {
			session.Status = core.SessionFailed
			if core.IsCancelled(err) {
				session.Status = core.SessionInterrupted
			}
			result.Err = err
			return result, err
		}
		// Later iterations always start from the top.
		startIndex = 0
		completedSteps = nil
		if !advanced {
			// An iteration that produced no commits has converged.
			break
		}
	}

	session.Status = core.SessionCompleted
	session.UpdatedAt = time.Now().UTC()
	if err := r.store.Delete(ctx, sessionID); err != nil {
		logger.Warn("checkpoint cleanup failed", "error", err)
	}
	logger.Info("workflow completed", "steps", len(steps), "iterations", result.Iteration)
	return result, nil
}

// runPass executes steps[startIndex:] once. It reports whether any step
// with commit_required advanced HEAD (used by the iteration loop).
func (r *Runner) runPass(ctx context.Context, session *core.Session, steps []core.Step, startIndex int, ictx *interp.Context, completed []core.CompletedStep, logger *logging.Logger) (bool, error) {
	advanced := false

	for i := startIndex; i < len(steps); i++ {
		select {
		case <-ctx.Done():
			cp := r.buildCheckpoint(session, core.Interrupted(i, false), completed, ictx, "signal received")
			if err := r.store.Save(context.WithoutCancel(ctx), cp); err != nil {
				logger.Error("interrupted checkpoint write failed", "error", err)
			}
			return advanced, core.ErrCancelled("workflow interrupted")
		default:
		}

		step := steps[i]
		boundary := func(state core.StepState) error {
			cp := r.buildCheckpoint(session, state, completed, ictx, "step boundary")
			return r.store.Save(context.WithoutCancel(ctx), cp)
		}

		outcome := r.exec.ExecuteStep(ctx, StepRequest{
			Step:       step,
			Index:      i,
			Ctx:        ictx,
			WorkingDir: r.stepDir(session),
			Boundary:   boundary,
		})

		if core.IsCancelled(outcome.Err) {
			cp := r.buildCheckpoint(session, core.Interrupted(i, true), completed, ictx, "signal received")
			if err := r.store.Save(context.WithoutCancel(ctx), cp); err != nil {
				logger.Error("interrupted checkpoint write failed", "error", err)
			}
			return advanced, outcome.Err
		}
		if !outcome.Succeeded() {
			return advanced, core.Trace(outcome.Err, fmt.Sprintf("step %d", i), "service.Runner")
		}

		if step.CommitRequired {
			advanced = true
		}
		completed = append(completed, core.CompletedStep{
			StepIndex:    i,
			Command:      step.CommandText(),
			Output:       outcome.Output,
			CapturedVars: outcome.Captures,
			Duration:     outcome.Duration,
			CompletedAt:  time.Now().UTC(),
		})
	}
	return advanced, nil
}

// RunSequence implements core.StepSequenceRunner for custom merge workflows
// and other uncheckpointed sequences.
func (r *Runner) RunSequence(ctx context.Context, steps []core.Step, workingDir string, vars map[string]any) error {
	ictx := interp.NewContext()
	ictx.SetAll(vars)
	for i, step := range steps {
		outcome := r.exec.ExecuteStep(ctx, StepRequest{
			Step:       step,
			Index:      i,
			Ctx:        ictx,
			WorkingDir: workingDir,
		})
		if !outcome.Succeeded() {
			return core.Trace(outcome.Err, fmt.Sprintf("sequence step %d", i), "service.Runner")
		}
	}
	return nil
}

// dryRun resolves each step without side effects and reports the plan.
func (r *Runner) dryRun(wf *core.Workflow, steps []core.Step, startIndex int, session *core.Session, ictx *interp.Context, logger *logging.Logger) (*RunResult, error) {
	for i := startIndex; i < len(steps); i++ {
		resolved, err := interp.Interpolate(steps[i].CommandText(), ictx, false)
		if err != nil {
			return nil, err
		}
		logger.Info("dry-run step",
			"index", i,
			"kind", steps[i].Kind(),
			"command", resolved,
		)
	}
	session.Status = core.SessionCompleted
	return &RunResult{Session: session, Completed: 0}, nil
}

func (r *Runner) stepDir(session *core.Session) string {
	if session.WorktreePath != "" {
		return session.WorktreePath
	}
	return session.Repo
}

func (r *Runner) buildCheckpoint(session *core.Session, state core.StepState, completed []core.CompletedStep, ictx *interp.Context, reason string) *core.Checkpoint {
	variables := make(map[string]any)
	for _, name := range ictx.Names() {
		if v, ok := ictx.Lookup(name); ok {
			variables[name] = v
		}
	}
	return &core.Checkpoint{
		SessionID:      session.SessionID,
		WorkflowPath:   session.WorkflowPath,
		WorktreePath:   session.WorktreePath,
		State:          state,
		CompletedSteps: completed,
		Variables:      variables,
		WorkflowType:   core.ModeStandard,
		CreatedAt:      time.Now().UTC(),
		Reason:         reason,
	}
}

// Executor exposes the underlying step executor for engines composing it.
func (r *Runner) Executor() *Executor {
	return r.exec
}

// Store exposes the checkpoint store.
func (r *Runner) Store() core.CheckpointStore {
	return r.store
}
