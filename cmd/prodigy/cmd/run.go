package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prodigy-dev/prodigy/internal/config"
	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/service"
	"github.com/prodigy-dev/prodigy/internal/service/mapreduce"
)

var (
	runWorktree      bool
	runMaxIterations int
	runDryRun        bool
	runFailFast      bool
	runResume        string
	runMapGlob       string
	runParams        []string
	runParamFile     string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Execute a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}

		wf, err := config.Load(args[0])
		if err != nil {
			return err
		}

		params, err := parseParams(runParams, runParamFile)
		if err != nil {
			return err
		}

		if runMaxIterations > 0 {
			wf.MaxIterations = runMaxIterations
		}
		if runMapGlob != "" {
			if wf.Map == nil {
				return core.ErrValidation(core.CodeInvalidConfig,
					"--map is only valid for mapreduce workflows")
			}
			wf.Map.Input = runMapGlob
		}
		if runFailFast && wf.Mode == core.ModeMapReduce {
			if wf.ErrorPolicy == nil {
				wf.ErrorPolicy = core.DefaultErrorPolicy()
			}
			wf.ErrorPolicy.OnItemFailure = core.ItemFailureAbort
		}

		ctx := cmd.Context()

		if wf.Mode == core.ModeMapReduce {
			engine, err := app.engine()
			if err != nil {
				return err
			}
			result, err := engine.Run(ctx, mapreduce.JobOptions{
				Workflow:     wf,
				WorkflowPath: args[0],
				Params:       params,
			})
			if err != nil {
				return err
			}
			fmt.Printf("job %s: %d/%d items succeeded, %d failed (%d in dlq)\n",
				result.JobID, result.Successful, result.Total, result.Failed, result.DLQ)
			return nil
		}

		opts := service.RunOptions{
			Workflow:     wf,
			WorkflowPath: args[0],
			WorkingDir:   app.repoDir,
			Params:       params,
			DryRun:       runDryRun,
			FailFast:     runFailFast,
		}

		if runResume != "" {
			cp, err := app.store.Load(ctx, runResume)
			if err != nil {
				return err
			}
			if cp == nil {
				return core.ErrValidation(core.CodeSessionNotFound,
					fmt.Sprintf("no checkpoint for session %s", runResume))
			}
			release, err := app.locker.Acquire(runResume)
			if err != nil {
				return err
			}
			defer release()
			opts.Resume = cp
			opts.WorktreePath = cp.WorktreePath
		} else if runWorktree {
			client, worktrees, err := app.gitApp()
			if err != nil {
				return err
			}
			head, err := client.RevParseHEAD(ctx)
			if err != nil {
				return err
			}
			sessionID := service.NewSessionID()
			wt, err := worktrees.Create(ctx, sessionID, head)
			if err != nil {
				return err
			}
			opts.SessionID = sessionID
			opts.WorktreePath = wt.Path
			fmt.Printf("running in worktree %s\n", wt.Path)
		}

		result, err := app.runner.Run(ctx, opts)
		if err != nil {
			return err
		}
		fmt.Printf("session %s completed (%d steps)\n",
			result.Session.SessionID, result.Completed)
		if opts.WorktreePath != "" {
			fmt.Printf("merge with: prodigy worktree merge %s\n", result.Session.SessionID)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVarP(&runWorktree, "worktree", "w", false,
		"run in an isolated git worktree")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0,
		"repeat the command list up to N times until no step commits changes")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false,
		"resolve and print the plan without executing")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false,
		"abort a mapreduce job on the first item failure")
	runCmd.Flags().StringVar(&runResume, "resume", "",
		"resume the given session instead of starting fresh")
	runCmd.Flags().StringVar(&runMapGlob, "map", "",
		"override the map input with a file glob")
	runCmd.Flags().StringArrayVar(&runParams, "param", nil,
		"workflow parameter KEY=VALUE (repeatable)")
	runCmd.Flags().StringVar(&runParamFile, "param-file", "",
		"YAML file of workflow parameters")

	rootCmd.AddCommand(runCmd)
}
