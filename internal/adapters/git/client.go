package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/prodigy-dev/prodigy/internal/core"
)

// Client wraps git CLI operations for one repository or worktree.
type Client struct {
	repoPath string
	timeout  time.Duration
	gitPath  string
}

// NewClient creates a new git client rooted at repoPath.
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, core.ErrValidation(core.CodeNotGitRepo, "git binary not found in PATH")
	}

	client := &Client{
		repoPath: absPath,
		timeout:  time.Minute,
		gitPath:  gitPath,
	}

	if err := client.verifyRepo(); err != nil {
		return nil, err
	}

	return client, nil
}

// verifyRepo checks that the path is inside a git repository.
func (c *Client) verifyRepo() error {
	_, err := c.run(context.Background(), "rev-parse", "--git-dir")
	if err != nil {
		return core.ErrValidation(core.CodeNotGitRepo,
			fmt.Sprintf("%s is not a git repository", c.repoPath))
	}
	return nil
}

// RepoPath returns the client's working directory.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// run executes a git command. Arguments are never passed through a shell;
// higher-level methods validate user-controlled values to prevent option
// injection into git itself.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = c.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("git command timed out").Trace("git "+args[0], "git.Client")
		}
		if strings.Contains(stderr.String(), "index.lock") {
			return "", core.ErrTransient(core.CodeGitLock,
				fmt.Sprintf("git %s: lock contention: %s", args[0], strings.TrimSpace(stderr.String())))
		}
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// runExit executes a git command and returns its exit code along with
// output. Commands like merge-tree communicate results through exit status.
func (c *Client) runExit(ctx context.Context, args ...string) (stdout string, exitCode int, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = c.repoPath

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	stdout = strings.TrimSpace(stdoutBuf.String())

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout, -1, core.ErrTimeout("git command timed out").Trace("git "+args[0], "git.Client")
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return stdout, exitErr.ExitCode(), nil
		}
		return stdout, -1, runErr
	}

	return stdout, 0, nil
}

// RevParseHEAD returns the current HEAD commit SHA.
func (c *Client) RevParseHEAD(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// ListBranches returns local branch names.
func (c *Client) ListBranches(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// MergeBase returns the common ancestor of two revisions.
func (c *Client) MergeBase(ctx context.Context, a, b string) (string, error) {
	return c.run(ctx, "merge-base", a, b)
}

// CommitsBetween returns the SHAs reachable from head but not from base,
// oldest first.
func (c *Client) CommitsBetween(ctx context.Context, base, head string) ([]string, error) {
	output, err := c.run(ctx, "rev-list", "--reverse", base+".."+head)
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// IsClean reports whether the working tree has no pending changes.
func (c *Client) IsClean(ctx context.Context) (bool, error) {
	output, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output == "", nil
}

// Add stages paths.
func (c *Client) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := c.run(ctx, args...)
	return err
}

// Commit records a commit with the given message.
func (c *Client) Commit(ctx context.Context, message string) error {
	_, err := c.run(ctx, "commit", "-m", message)
	return err
}

// DeleteBranch removes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.run(ctx, "branch", flag, branch)
	return err
}
