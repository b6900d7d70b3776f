package mapreduce

import (
	"context"
	"fmt"
	"strings"

	"github.com/prodigy-dev/prodigy/internal/adapters/git"
	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/interp"
	"github.com/prodigy-dev/prodigy/internal/logging"
	"github.com/prodigy-dev/prodigy/internal/service"
)

// mergeRequest asks the queue to land one agent worktree on the parent.
type mergeRequest struct {
	worktree *git.Worktree
	itemID   string
	reply    chan error
}

// mergeQueue serializes agent-to-parent merges: a single consumer processes
// one worktree at a time, so the parent worktree only ever sees one writer.
type mergeQueue struct {
	requests chan mergeRequest
	done     chan struct{}

	parent    *git.Client
	worktrees *git.Manager
	exec      *service.Executor
	runner    core.StepSequenceRunner
	mergeCfg  *core.MergeConfig
	parentDir string
	logger    *logging.Logger
}

func newMergeQueue(parent *git.Client, worktrees *git.Manager, exec *service.Executor, runner core.StepSequenceRunner, mergeCfg *core.MergeConfig, logger *logging.Logger) *mergeQueue {
	q := &mergeQueue{
		requests:  make(chan mergeRequest, 64),
		done:      make(chan struct{}),
		parent:    parent,
		worktrees: worktrees,
		exec:      exec,
		runner:    runner,
		mergeCfg:  mergeCfg,
		parentDir: parent.RepoPath(),
		logger:    logger,
	}
	go q.consume()
	return q
}

// enqueue submits a merge and waits for its outcome. The queue drains a
// merge already in progress even when ctx is cancelled; only the wait is
// abandoned.
func (q *mergeQueue) enqueue(ctx context.Context, wt *git.Worktree, itemID string) error {
	req := mergeRequest{worktree: wt, itemID: itemID, reply: make(chan error, 1)}
	select {
	case q.requests <- req:
	case <-ctx.Done():
		return core.ErrCancelled("merge queue closed before enqueue")
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		// The consumer finishes the in-progress merge; the agent branch is
		// preserved for later resume.
		return core.ErrCancelled("cancelled while waiting for merge")
	}
}

// close stops the consumer after the queued merges drain.
func (q *mergeQueue) close() {
	close(q.requests)
	<-q.done
}

func (q *mergeQueue) consume() {
	defer close(q.done)
	for req := range q.requests {
		err := q.merge(req)
		if err != nil {
			q.logger.Warn("merge failed",
				"item_id", req.itemID,
				"branch", req.worktree.Branch,
				"error", err,
			)
		}
		req.reply <- err
	}
}

// merge lands one worktree per the merge policy, then removes it. The
// worktree is kept when the merge fails so the branch survives for
// inspection and resume.
func (q *mergeQueue) merge(req mergeRequest) error {
	ctx := context.Background()
	wt := req.worktree

	var err error
	if q.mergeCfg != nil && len(q.mergeCfg.Commands) > 0 {
		err = q.customMerge(ctx, wt, req.itemID)
	} else {
		err = q.policyMerge(ctx, wt)
	}

	if err != nil {
		return err
	}

	if removeErr := q.worktrees.Remove(ctx, wt.Path); removeErr != nil {
		q.logger.Warn("worktree cleanup failed", "path", wt.Path, "error", removeErr)
	}
	return nil
}

// customMerge runs the user's merge workflow verbatim, bypassing conflict
// detection. A failing merge workflow aborts the agent: no fallback to the
// Claude-assisted merge.
func (q *mergeQueue) customMerge(ctx context.Context, wt *git.Worktree, itemID string) error {
	vars := map[string]any{
		"merge.worktree":      wt.Path,
		"merge.source_branch": wt.Branch,
		"item.id":             itemID,
	}
	if err := q.runner.RunSequence(ctx, q.mergeCfg.Commands, q.parentDir, vars); err != nil {
		return core.Trace(err, "custom merge workflow", "mapreduce.mergeQueue")
	}
	return nil
}

// policyMerge detects conflicts with an in-memory trial merge. Clean merges
// land directly with an explicit merge commit; conflicted or undetectable
// merges delegate to the Claude-based merge command.
func (q *mergeQueue) policyMerge(ctx context.Context, wt *git.Worktree) error {
	targetBranch, err := q.parent.CurrentBranch(ctx)
	if err != nil {
		return core.Trace(err, "resolve parent branch", "mapreduce.mergeQueue")
	}

	report := q.parent.DetectConflicts(ctx, targetBranch, wt.Branch)
	switch report.Status {
	case git.MergeClean:
		return q.parent.FastMerge(ctx, wt.Branch)
	case git.MergeConflicted, git.MergeDetectionFailed:
		return q.claudeMerge(ctx, wt, report)
	default:
		return core.ErrTerminal(core.CodeMergeFailed,
			fmt.Sprintf("unknown conflict status %q", report.Status))
	}
}

// claudeMerge asks the configured Claude merge command to resolve the merge,
// passing the conflicting files as context.
func (q *mergeQueue) claudeMerge(ctx context.Context, wt *git.Worktree, report git.ConflictReport) error {
	if q.mergeCfg == nil || q.mergeCfg.Claude == "" {
		if report.Err != nil {
			return core.ErrTerminal(core.CodeMergeConflict,
				fmt.Sprintf("conflict detection failed (%v) and no merge command is configured", report.Err))
		}
		return core.ErrTerminal(core.CodeMergeConflict,
			fmt.Sprintf("branch %s conflicts on %s and no merge command is configured",
				wt.Branch, strings.Join(report.Files, ", ")))
	}

	ictx := interp.NewContext()
	ictx.Set("merge.source_branch", wt.Branch)
	ictx.Set("merge.worktree", wt.Path)
	conflicts := make([]any, 0, len(report.Files))
	for _, f := range report.Files {
		conflicts = append(conflicts, f)
	}
	ictx.Set("merge.conflicts", conflicts)

	outcome := q.exec.ExecuteStep(ctx, service.StepRequest{
		Step:       core.Step{Claude: q.mergeCfg.Claude},
		Ctx:        ictx,
		WorkingDir: q.parentDir,
	})
	if !outcome.Succeeded() {
		return core.Trace(outcome.Err, "claude-assisted merge", "mapreduce.mergeQueue")
	}
	return nil
}
