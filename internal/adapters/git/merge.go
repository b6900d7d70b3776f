package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/prodigy-dev/prodigy/internal/core"
)

// ConflictStatus is the result class of a trial merge.
type ConflictStatus string

const (
	MergeClean           ConflictStatus = "clean"
	MergeConflicted      ConflictStatus = "conflicted"
	MergeDetectionFailed ConflictStatus = "detection_failed"
)

// ConflictReport is the outcome of conflict detection between a source
// branch and a target worktree.
type ConflictReport struct {
	Status ConflictStatus
	Files  []string
	Err    error
}

// DetectConflicts runs a three-way trial merge entirely in memory via
// `git merge-tree --write-tree`: no working tree is mutated. Any tool
// failure, including a missing common ancestor, yields DetectionFailed so
// callers take the safe fallback path.
func (c *Client) DetectConflicts(ctx context.Context, targetBranch, sourceBranch string) ConflictReport {
	if _, err := c.MergeBase(ctx, targetBranch, sourceBranch); err != nil {
		return ConflictReport{Status: MergeDetectionFailed, Err: err}
	}

	stdout, exitCode, err := c.runExit(ctx,
		"merge-tree", "--write-tree", "--name-only", targetBranch, sourceBranch)
	if err != nil {
		return ConflictReport{Status: MergeDetectionFailed, Err: err}
	}

	switch exitCode {
	case 0:
		return ConflictReport{Status: MergeClean}
	case 1:
		// First line is the written tree OID, the following lines name the
		// conflicted files up to the blank line that starts the
		// informational messages.
		lines := strings.Split(stdout, "\n")
		files := make([]string, 0, len(lines))
		for _, line := range lines[1:] {
			line = strings.TrimSpace(line)
			if line == "" {
				break
			}
			files = append(files, line)
		}
		return ConflictReport{Status: MergeConflicted, Files: files}
	default:
		return ConflictReport{
			Status: MergeDetectionFailed,
			Err:    fmt.Errorf("merge-tree exited %d", exitCode),
		}
	}
}

// FastMerge performs a direct merge of sourceBranch into the current branch
// with an explicit merge commit (never fast-forward). On failure the merge
// is aborted so no partial index is left behind.
func (c *Client) FastMerge(ctx context.Context, sourceBranch string) error {
	_, err := c.run(ctx, "merge", "--no-ff", "--no-edit", sourceBranch)
	if err == nil {
		return nil
	}

	_, _ = c.run(ctx, "merge", "--abort")
	return core.ErrTerminal(core.CodeMergeFailed,
		fmt.Sprintf("merging %s: %v", sourceBranch, err)).WithCause(err).
		Trace("fast merge", "git.Client")
}
