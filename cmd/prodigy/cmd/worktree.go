package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/prodigy-dev/prodigy/internal/adapters/git"
	"github.com/prodigy-dev/prodigy/internal/core"
)

var worktreeVerbose bool

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Manage session worktrees",
}

var worktreeMergeCmd = &cobra.Command{
	Use:   "merge <name>",
	Short: "Merge a session's worktree back into the current branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		app, err := buildApp()
		if err != nil {
			return err
		}
		client, worktrees, err := app.gitApp()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		wt, err := worktrees.Get(ctx, name)
		if err != nil {
			return err
		}

		targetBranch, err := client.CurrentBranch(ctx)
		if err != nil {
			return err
		}

		report := client.DetectConflicts(ctx, targetBranch, wt.Branch)
		switch report.Status {
		case git.MergeClean:
			if err := confirm(fmt.Sprintf("merge %s into %s?", wt.Branch, targetBranch)); err != nil {
				return err
			}
			if err := client.FastMerge(ctx, wt.Branch); err != nil {
				return err
			}
			if err := worktrees.Remove(ctx, wt.Path); err != nil {
				logger.Warn("worktree cleanup failed", "path", wt.Path, "error", err)
			}
			fmt.Printf("merged %s into %s\n", wt.Branch, targetBranch)
			return nil
		case git.MergeConflicted:
			if worktreeVerbose {
				fmt.Printf("conflicting files:\n  %s\n", strings.Join(report.Files, "\n  "))
			}
			return core.ErrTerminal(core.CodeMergeConflict,
				fmt.Sprintf("branch %s conflicts with %s on %d files; resolve manually in %s",
					wt.Branch, targetBranch, len(report.Files), wt.Path))
		default:
			return core.ErrTerminal(core.CodeMergeFailed,
				fmt.Sprintf("conflict detection failed: %v", report.Err))
		}
	},
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session worktrees",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		_, worktrees, err := app.gitApp()
		if err != nil {
			return err
		}

		managed, err := worktrees.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		for _, wt := range managed {
			fmt.Printf("%s\t%s\t%s\n", wt.Name, wt.Branch, wt.Path)
		}
		return nil
	},
}

func init() {
	worktreeMergeCmd.Flags().BoolVarP(&worktreeVerbose, "verbose", "v", false,
		"print conflicting files")

	worktreeCmd.AddCommand(worktreeMergeCmd)
	worktreeCmd.AddCommand(worktreeListCmd)
	rootCmd.AddCommand(worktreeCmd)
}
