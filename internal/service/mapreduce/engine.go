package mapreduce

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/prodigy-dev/prodigy/internal/adapters/git"
	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/interp"
	"github.com/prodigy-dev/prodigy/internal/logging"
	"github.com/prodigy-dev/prodigy/internal/service"
)

const (
	// DefaultMaxParallel bounds the agent pool when the workflow does not.
	DefaultMaxParallel = 4
	// DefaultCheckpointInterval is the job-state compaction period.
	DefaultCheckpointInterval = 5 * time.Second
	// DefaultCheckpointEvery compacts after this many item transitions.
	DefaultCheckpointEvery = 50
)

// Engine runs MapReduce workflows: setup in the parent worktree, a bounded
// fan-out of worktree-isolated agents, serialized merges, and a reduce phase
// with the aggregated results bound into the interpolation context.
type Engine struct {
	exec      *service.Executor
	runner    *service.Runner
	store     core.CheckpointStore
	parent    *git.Client
	worktrees *git.Manager
	logger    *logging.Logger

	checkpointInterval time.Duration
	checkpointEvery    int
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithCheckpointCadence overrides the job-state snapshot thresholds.
func WithCheckpointCadence(interval time.Duration, every int) EngineOption {
	return func(e *Engine) {
		if interval > 0 {
			e.checkpointInterval = interval
		}
		if every > 0 {
			e.checkpointEvery = every
		}
	}
}

// NewEngine creates a MapReduce engine for one repository.
func NewEngine(runner *service.Runner, store core.CheckpointStore, parent *git.Client, worktrees *git.Manager, logger *logging.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Engine{
		exec:               runner.Executor(),
		runner:             runner,
		store:              store,
		parent:             parent,
		worktrees:          worktrees,
		logger:             logger,
		checkpointInterval: DefaultCheckpointInterval,
		checkpointEvery:    DefaultCheckpointEvery,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// JobOptions configures one MapReduce run.
type JobOptions struct {
	Workflow     *core.Workflow
	WorkflowPath string
	Params       map[string]string
	JobID        string // resume an existing job when set
	SessionID    string
	MaxParallel  int // overrides the workflow value when > 0
	AgentTimeout time.Duration
	IncludeDLQ   bool
}

// JobResult summarizes a finished job.
type JobResult struct {
	JobID      string
	SessionID  string
	Total      int
	Successful int
	Failed     int
	DLQ        int
	Results    []core.AgentResult
}

// NewJobID generates a job identifier.
func NewJobID() string {
	return "job-" + uuid.NewString()
}

// Run executes the job: Setup, Map, Reduce. Resume is automatic when
// JobID names a persisted job state.
func (e *Engine) Run(ctx context.Context, opts JobOptions) (*JobResult, error) {
	wf := opts.Workflow
	if wf.Map == nil {
		return nil, core.ErrValidation(core.CodeInvalidWorkflow, "mapreduce workflow requires a map block")
	}

	jobID := opts.JobID
	resumed := false
	var track *tracker

	if jobID != "" {
		state, err := e.store.LoadJobState(ctx, jobID)
		if err != nil {
			return nil, core.Trace(err, "load job state", "mapreduce.Engine")
		}
		if state != nil {
			track = restoreTracker(state, e.store, e.logger.WithJob(jobID), e.checkpointInterval, e.checkpointEvery)
			resumed = true
		}
	}
	if jobID == "" {
		jobID = NewJobID()
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		if resumed {
			sessionID = track.sessionID
		} else {
			sessionID = service.NewSessionID()
		}
	}
	logger := e.logger.WithJob(jobID)

	globals := interp.NewContext()
	globals.SetScalars(wf.Env)
	globals.SetScalars(opts.Params)
	globals.Set("workflow.name", wf.Name)
	globals.Set("job.id", jobID)

	// Setup runs as a normal sequence in the parent worktree and may
	// produce the map input file.
	if !resumed {
		if err := e.runPhaseSteps(ctx, wf.Setup, globals, "setup"); err != nil {
			return nil, err
		}

		items, err := LoadWorkItems(wf.Map.Input, wf.Map.JSONPath, e.parent.RepoPath())
		if err != nil {
			return nil, core.Trace(err, "load work items", "mapreduce.Engine")
		}
		track = newTracker(jobID, sessionID, items, e.store, logger, e.checkpointInterval, e.checkpointEvery)
		track.persist(true)

		// The session checkpoint records the workflow path so resume-job can
		// reload the workflow from the job id alone.
		cp := &core.Checkpoint{
			SessionID:      sessionID,
			WorkflowPath:   opts.WorkflowPath,
			State:          core.BeforeStep(0),
			WorkflowType:   core.ModeMapReduce,
			MapReduceState: track.snapshot(),
			Reason:         "job started",
		}
		if err := e.store.Save(ctx, cp); err != nil {
			return nil, core.Trace(err, "save initial checkpoint", "mapreduce.Engine")
		}
	}

	if opts.IncludeDLQ {
		entries, err := e.store.ReadDLQ(ctx, jobID)
		if err != nil {
			return nil, core.Trace(err, "read dlq", "mapreduce.Engine")
		}
		if len(entries) > 0 {
			track.reincludeDLQ(entries)
			// Re-included items reopen the map phase even on a finished job.
			track.phase = core.PhaseMap
			logger.Info("re-including dlq items", "count", len(entries))
		}
	}

	policy := wf.ErrorPolicy
	if policy == nil {
		policy = core.DefaultErrorPolicy()
	}

	if track.phase == core.PhaseMap || track.phase == core.PhaseSetup {
		track.setPhase(core.PhaseMap)
		if err := e.runMapPhase(ctx, wf, opts, track, policy, globals, logger); err != nil {
			return nil, err
		}
		if err := e.checkFailurePolicy(track, policy); err != nil {
			return nil, err
		}
		track.setPhase(core.PhaseReduce)
	}

	if track.phase == core.PhaseReduce {
		if err := e.runReducePhase(ctx, wf, track, globals, logger); err != nil {
			return nil, err
		}
		track.setPhase(core.PhaseCompleted)
	}

	completed, failed, total := track.counts()
	result := &JobResult{
		JobID:      jobID,
		SessionID:  sessionID,
		Total:      total,
		Successful: completed,
		Failed:     failed,
		DLQ:        len(track.snapshot().DLQ),
		Results:    track.results(),
	}
	logger.Info("job completed",
		"total", total,
		"successful", completed,
		"failed", failed,
	)
	return result, nil
}

// checkFailurePolicy fails the job after the map phase when failures are not
// tolerated, collecting errors per the configured mode.
func (e *Engine) checkFailurePolicy(track *tracker, policy *core.ErrorPolicy) error {
	if policy.ContinueOnFailure {
		return nil
	}
	state := track.snapshot()
	if len(state.Failed) == 0 {
		return nil
	}

	if policy.ErrorCollection == core.CollectFirst {
		for _, id := range state.DLQ {
			if failure, ok := state.Failed[id]; ok {
				return core.ErrTerminal(core.CodeMaxFailures,
					fmt.Sprintf("item %s failed: %s", id, failure.Error))
			}
		}
		for id, failure := range state.Failed {
			return core.ErrTerminal(core.CodeMaxFailures,
				fmt.Sprintf("item %s failed: %s", id, failure.Error))
		}
	}

	msgs := make([]string, 0, len(state.Failed))
	for id, failure := range state.Failed {
		msgs = append(msgs, fmt.Sprintf("%s: %s", id, failure.Error))
	}
	sort.Strings(msgs)
	return core.ErrTerminal(core.CodeMaxFailures,
		fmt.Sprintf("%d items failed: %s", len(msgs), strings.Join(msgs, "; ")))
}

// runPhaseSteps executes a setup or reduce sequence in the parent worktree.
func (e *Engine) runPhaseSteps(ctx context.Context, steps []core.Step, ictx *interp.Context, phase string) error {
	for i, step := range steps {
		outcome := e.exec.ExecuteStep(ctx, service.StepRequest{
			Step:       step,
			Index:      i,
			Ctx:        ictx,
			WorkingDir: e.parent.RepoPath(),
		})
		if !outcome.Succeeded() {
			return core.Trace(outcome.Err, fmt.Sprintf("%s step %d", phase, i), "mapreduce.Engine")
		}
	}
	return nil
}

// runMapPhase fans items out to worktree agents under the concurrency bound.
func (e *Engine) runMapPhase(ctx context.Context, wf *core.Workflow, opts JobOptions, track *tracker, policy *core.ErrorPolicy, globals *interp.Context, logger *logging.Logger) error {
	maxParallel := wf.Map.MaxParallel
	if opts.MaxParallel > 0 {
		maxParallel = opts.MaxParallel
	}
	if maxParallel < 1 {
		maxParallel = DefaultMaxParallel
	}
	maxRetries := wf.Map.MaxRetries

	agentTimeout := wf.Map.AgentTimeout
	if opts.AgentTimeout > 0 {
		agentTimeout = opts.AgentTimeout
	}

	mapCtx, cancelMap := context.WithCancel(ctx)
	defer cancelMap()
	if wf.Map.JobTimeout > 0 {
		var cancelJob context.CancelFunc
		mapCtx, cancelJob = context.WithTimeout(mapCtx, wf.Map.JobTimeout)
		defer cancelJob()
	}

	// Wake blocked dispatchers when cancellation lands.
	go func() {
		<-mapCtx.Done()
		track.wake()
	}()

	queue := newMergeQueue(e.parent, e.worktrees, e.exec, e.runner, wf.Merge, logger)

	sem := semaphore.NewWeighted(int64(maxParallel))
	var wg sync.WaitGroup
	var abortErr error
	var abortMu sync.Mutex

	abort := func(err error) {
		abortMu.Lock()
		if abortErr == nil {
			abortErr = err
		}
		abortMu.Unlock()
		cancelMap()
	}

	for {
		item, ok := track.next(mapCtx)
		if !ok {
			break
		}
		if err := sem.Acquire(mapCtx, 1); err != nil {
			// Cancelled while waiting for a slot: the item never started.
			track.requeue(item.ID)
			break
		}

		wg.Add(1)
		go func(item core.WorkItem) {
			defer wg.Done()
			defer sem.Release(1)
			e.runAgent(mapCtx, wf, item, agentTimeout, maxRetries, track, queue, policy, globals, abort, logger)
		}(item)
	}

	wg.Wait()
	queue.close()

	if ctx.Err() != nil {
		// SIGINT/SIGTERM: in-flight items return to pending and the job
		// checkpoints as interrupted before exiting.
		track.returnInFlightToPending()
		track.persist(true)
		e.writeInterruptedCheckpoint(track, opts)
		return core.ErrCancelled("mapreduce job interrupted").Trace("map phase", "mapreduce.Engine")
	}

	abortMu.Lock()
	err := abortErr
	abortMu.Unlock()
	if err != nil {
		track.returnInFlightToPending()
		track.persist(true)
		return err
	}

	track.persist(true)
	return nil
}

// runAgent drives one item through the agent lifecycle: worktree, template,
// commit collection, serialized merge, cleanup.
func (e *Engine) runAgent(ctx context.Context, wf *core.Workflow, item core.WorkItem, agentTimeout time.Duration, maxRetries int, track *tracker, queue *mergeQueue, policy *core.ErrorPolicy, globals *interp.Context, abort func(error), logger *logging.Logger) {
	agentLogger := logger.WithAgent(item.ID)
	start := time.Now()

	agentCtx := ctx
	if agentTimeout > 0 {
		var cancel context.CancelFunc
		agentCtx, cancel = context.WithTimeout(ctx, agentTimeout)
		defer cancel()
	}

	result, err := e.executeAgent(agentCtx, wf, item, track, queue, globals, agentLogger)
	if err == nil {
		result.Duration = time.Since(start)
		track.complete(*result)
		return
	}

	if ctx.Err() != nil && !core.IsCancelled(err) {
		err = core.ErrCancelled("agent cancelled")
	}

	retryable := core.IsRetryable(err) || agentCtx.Err() == context.DeadlineExceeded
	if core.IsCancelled(err) && ctx.Err() != nil {
		// Job-level cancellation: leave the item in-flight for the engine's
		// cancellation path to return to pending.
		return
	}

	terminal := track.fail(item.ID, err.Error(), retryable, maxRetries)
	if !terminal {
		agentLogger.Info("item re-queued for retry",
			"retry_count", track.retryCount(item.ID),
			"error", err,
		)
		return
	}

	agentLogger.Warn("item failed terminally", "error", err)

	if policy.OnItemFailure != core.ItemFailureAbort {
		entry := track.moveToDLQ(item.ID)
		if dlqErr := e.store.AppendDLQ(context.WithoutCancel(ctx), track.jobID, entry); dlqErr != nil {
			agentLogger.Error("dlq append failed", "error", dlqErr)
		}
	}

	switch {
	case policy.OnItemFailure == core.ItemFailureAbort:
		abort(core.Trace(err, "item failed with on_item_failure=abort", "mapreduce.Engine"))
	case policy.MaxFailures > 0 && track.failedCount() > policy.MaxFailures:
		abort(core.ErrTerminal(core.CodeMaxFailures,
			fmt.Sprintf("job exceeded max_failures=%d", policy.MaxFailures)))
	}
}

// executeAgent performs one attempt of the agent template in a fresh
// worktree. The worktree is removed on template failure; after a merge it is
// removed by the merge queue.
func (e *Engine) executeAgent(ctx context.Context, wf *core.Workflow, item core.WorkItem, track *tracker, queue *mergeQueue, globals *interp.Context, logger *logging.Logger) (*core.AgentResult, error) {
	baseCommit, err := e.parent.RevParseHEAD(ctx)
	if err != nil {
		return nil, core.Trace(err, "resolve parent HEAD", "mapreduce.Engine")
	}

	attempt := track.retryCount(item.ID)
	// The random suffix keeps names unique across runs: branches of
	// interrupted or dead-lettered attempts survive their worktrees.
	name := fmt.Sprintf("%s-r%d-%s", item.ID, attempt, uuid.NewString()[:8])
	wt, err := e.worktrees.Create(ctx, name, baseCommit)
	if err != nil {
		return nil, core.Trace(err, "create agent worktree", "mapreduce.Engine")
	}

	// Overlay item.* onto the workflow globals; results never leak between
	// agents because each gets its own fork.
	ictx := globals.Fork()
	var decoded any
	if err := json.Unmarshal(item.Value, &decoded); err == nil {
		ictx.Set("item", decoded)
	} else {
		ictx.Set("item", string(item.Value))
	}
	// item.id is the value's own "id" field when it has one, otherwise the
	// derived item id.
	itemID := any(item.ID)
	if obj, ok := decoded.(map[string]any); ok && obj["id"] != nil {
		itemID = obj["id"]
	}
	ictx.Set("item.id", itemID)
	ictx.Set("item.index", item.Index)
	ictx.Set("item.value", string(item.Value))

	captured := make(map[string]any)
	var output string
	for i, step := range wf.Map.AgentTemplate {
		outcome := e.exec.ExecuteStep(ctx, service.StepRequest{
			Step:       step,
			Index:      i,
			Ctx:        ictx,
			WorkingDir: wt.Path,
		})
		if !outcome.Succeeded() {
			if removeErr := e.worktrees.Remove(context.WithoutCancel(ctx), wt.Path); removeErr != nil {
				logger.Warn("worktree cleanup failed", "path", wt.Path, "error", removeErr)
			}
			if outcome.Kind == service.OutcomeTimedOut {
				return nil, core.ErrTimeout(fmt.Sprintf("agent step %d timed out", i))
			}
			return nil, core.Trace(outcome.Err, fmt.Sprintf("agent step %d", i), "mapreduce.Engine")
		}
		output = outcome.Output
		for k, v := range outcome.Captures {
			captured[k] = v
		}
	}

	// Record the commit SHAs the agent produced before handing the worktree
	// to the merge queue.
	var commits []string
	if wtClient, clientErr := e.worktrees.Client(wt.Path); clientErr == nil {
		head, headErr := wtClient.RevParseHEAD(ctx)
		if headErr == nil && head != baseCommit {
			commits, _ = wtClient.CommitsBetween(ctx, baseCommit, head)
		}
	}

	result := &core.AgentResult{
		ItemID:       item.ID,
		Status:       core.AgentSuccess,
		Output:       output,
		CapturedVars: captured,
		Commits:      commits,
	}

	if len(commits) > 0 {
		if mergeErr := queue.enqueue(ctx, wt, item.ID); mergeErr != nil {
			if core.IsCancelled(mergeErr) {
				return nil, mergeErr
			}
			// Merge failure is recorded on the result without aborting the
			// job; the error policy decides the item's fate upstream.
			return nil, core.Trace(mergeErr, "merge agent worktree", "mapreduce.Engine")
		}
	} else {
		if removeErr := e.worktrees.Remove(context.WithoutCancel(ctx), wt.Path); removeErr != nil {
			logger.Warn("worktree cleanup failed", "path", wt.Path, "error", removeErr)
		}
	}

	return result, nil
}

// runReducePhase executes the reduce sequence in the parent worktree with
// the map results bound into the interpolation context. Only the scalar
// aggregates enter the environment; map.results is reachable through
// interpolation (and write_file always uses the full context).
func (e *Engine) runReducePhase(ctx context.Context, wf *core.Workflow, track *tracker, globals *interp.Context, logger *logging.Logger) error {
	if len(wf.Reduce) == 0 {
		return nil
	}

	completed, failed, total := track.counts()
	results := track.results()

	// Round-trip through JSON so map.results navigates like any other
	// context value.
	var generic []any
	if data, err := json.Marshal(results); err == nil {
		_ = json.Unmarshal(data, &generic)
	}

	ictx := globals.Fork()
	ictx.Set("map.results", generic)
	ictx.Set("map.successful", strconv.Itoa(completed))
	ictx.Set("map.failed", strconv.Itoa(failed))
	ictx.Set("map.total", strconv.Itoa(total))

	logger.Info("reduce phase starting",
		"successful", completed,
		"failed", failed,
		"total", total,
	)
	return e.runPhaseSteps(ctx, wf.Reduce, ictx, "reduce")
}

// writeInterruptedCheckpoint records the signal in the session checkpoint so
// both resume paths (session and job) observe the interruption.
func (e *Engine) writeInterruptedCheckpoint(track *tracker, opts JobOptions) {
	cp := &core.Checkpoint{
		SessionID:      track.sessionID,
		WorkflowPath:   opts.WorkflowPath,
		State:          core.Interrupted(0, true),
		WorkflowType:   core.ModeMapReduce,
		MapReduceState: track.snapshot(),
		Reason:         "signal received",
	}
	if err := e.store.Save(context.Background(), cp); err != nil {
		e.logger.Error("interrupted checkpoint write failed", "error", err)
	}
}
