package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

const worktreePrefix = "prodigy-"

// resolvePath resolves symlinks and returns an absolute path for
// cross-platform comparison (e.g. macOS /var -> /private/var).
func resolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return resolved
}

func validateWorktreeName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return core.ErrValidation(core.CodeInvalidConfig, "worktree name required")
	}
	if strings.Contains(trimmed, "..") || strings.ContainsAny(trimmed, "/\\ ") {
		return core.ErrValidation(core.CodeInvalidConfig, "worktree name contains invalid path characters")
	}
	return nil
}

// Worktree represents a git worktree owned by one agent.
type Worktree struct {
	Name      string
	Path      string
	Branch    string
	Commit    string
	CreatedAt time.Time
}

// Manager creates, tracks, and removes isolated worktrees. Each agent owns
// its worktree from creation until post-merge cleanup.
type Manager struct {
	git     *Client
	baseDir string
	logger  *logging.Logger
}

// NewManager creates a worktree manager for the given repository.
func NewManager(git *Client, baseDir string, logger *logging.Logger) *Manager {
	if baseDir == "" {
		baseDir = filepath.Join(git.RepoPath(), ".prodigy", "worktrees")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		git:     git,
		baseDir: baseDir,
		logger:  logger,
	}
}

// BaseDir returns the directory holding managed worktrees.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// BranchFor returns the branch a managed worktree runs on.
func BranchFor(name string) string {
	return "prodigy/" + name
}

// Create adds a worktree on a fresh branch cut from baseCommit.
func (m *Manager) Create(ctx context.Context, name, baseCommit string) (*Worktree, error) {
	if err := validateWorktreeName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating worktree directory: %w", err)
	}

	worktreePath := filepath.Join(m.baseDir, worktreePrefix+name)
	if _, err := os.Stat(worktreePath); err == nil {
		return nil, core.ErrValidation(core.CodeWorktreeExists,
			fmt.Sprintf("worktree %s already exists", name))
	}

	branch := BranchFor(name)
	if _, err := m.git.run(ctx, "worktree", "add", "-b", branch, worktreePath, baseCommit); err != nil {
		return nil, core.Trace(err, "worktree add", "git.Manager")
	}

	m.logger.Debug("worktree created", "name", name, "path", worktreePath, "base", baseCommit)

	return &Worktree{
		Name:      name,
		Path:      worktreePath,
		Branch:    branch,
		Commit:    baseCommit,
		CreatedAt: time.Now(),
	}, nil
}

// Remove deletes a worktree. Removing a worktree that does not exist
// succeeds, so cleanup is idempotent.
func (m *Manager) Remove(ctx context.Context, path string) error {
	resolvedPath := resolvePath(path)
	resolvedBase := resolvePath(m.baseDir)
	if !strings.HasPrefix(resolvedPath, resolvedBase) {
		return core.ErrValidation(core.CodeInvalidConfig, "worktree is not managed by this manager")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, _ = m.git.run(ctx, "worktree", "prune")
		return nil
	}

	if _, err := m.git.run(ctx, "worktree", "remove", "--force", path); err != nil {
		// A second removal attempt after partial cleanup still succeeds.
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			_, _ = m.git.run(ctx, "worktree", "prune")
			return nil
		}
		return core.Trace(err, "worktree remove", "git.Manager")
	}
	return nil
}

// List returns all worktrees of the repository, managed or not.
func (m *Manager) List(ctx context.Context) ([]Worktree, error) {
	output, err := m.git.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// ListSessions returns only worktrees created by this manager.
func (m *Manager) ListSessions(ctx context.Context) ([]Worktree, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	resolvedBase := resolvePath(m.baseDir)
	managed := make([]Worktree, 0)
	for _, wt := range all {
		if strings.HasPrefix(resolvePath(wt.Path), resolvedBase) {
			wt.Name = strings.TrimPrefix(filepath.Base(wt.Path), worktreePrefix)
			managed = append(managed, wt)
		}
	}
	return managed, nil
}

// Get returns a managed worktree by name.
func (m *Manager) Get(ctx context.Context, name string) (*Worktree, error) {
	worktrees, err := m.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, wt := range worktrees {
		if wt.Name == name {
			return &wt, nil
		}
	}
	return nil, core.ErrValidation(core.CodeSessionNotFound,
		fmt.Sprintf("worktree %s not found", name))
}

// Client returns a git client rooted inside a worktree.
func (m *Manager) Client(worktreePath string) (*Client, error) {
	return NewClient(worktreePath)
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(output string) []Worktree {
	worktrees := make([]Worktree, 0)
	var current *Worktree

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				worktrees = append(worktrees, *current)
			}
			current = &Worktree{
				Path: strings.TrimPrefix(line, "worktree "),
			}
		case current != nil:
			switch {
			case strings.HasPrefix(line, "HEAD "):
				current.Commit = strings.TrimPrefix(line, "HEAD ")
			case strings.HasPrefix(line, "branch "):
				current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
			}
		}
	}

	if current != nil {
		worktrees = append(worktrees, *current)
	}

	return worktrees
}
