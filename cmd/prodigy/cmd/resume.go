package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/prodigy-dev/prodigy/internal/config"
	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/service"
	"github.com/prodigy-dev/prodigy/internal/service/mapreduce"
)

var resumeForceRetry bool

var resumeCmd = &cobra.Command{
	Use:   "resume <session_id>",
	Short: "Resume a standard workflow from its latest checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		app, err := buildApp()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		cp, err := app.store.Load(ctx, sessionID)
		if err != nil {
			return err
		}
		if cp == nil {
			return core.ErrValidation(core.CodeSessionNotFound,
				fmt.Sprintf("no checkpoint for session %s", sessionID))
		}
		if cp.RecoveredFromHistory {
			logger.Warn("current checkpoint was corrupt; resuming from history",
				"session_id", sessionID)
		}

		wf, err := config.Load(cp.WorkflowPath)
		if err != nil {
			return err
		}

		release, err := app.locker.Acquire(sessionID)
		if err != nil {
			return err
		}
		defer release()

		result, err := app.runner.Run(ctx, service.RunOptions{
			Workflow:     wf,
			WorkflowPath: cp.WorkflowPath,
			WorkingDir:   app.repoDir,
			WorktreePath: cp.WorktreePath,
			Resume:       cp,
			ForceRetry:   resumeForceRetry,
		})
		if err != nil {
			return err
		}
		fmt.Printf("session %s completed (%d steps)\n",
			result.Session.SessionID, result.Completed)
		return nil
	},
}

var (
	resumeJobIncludeDLQ  bool
	resumeJobMaxParallel int
	resumeJobTimeout     string
)

var resumeJobCmd = &cobra.Command{
	Use:   "resume-job <job_id>",
	Short: "Resume a MapReduce job from its persisted state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		app, err := buildApp()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		sessionID, err := app.store.SessionForJob(ctx, jobID)
		if err != nil {
			return err
		}
		cp, err := app.store.Load(ctx, sessionID)
		if err != nil {
			return err
		}
		if cp == nil {
			return core.ErrValidation(core.CodeSessionNotFound,
				fmt.Sprintf("job %s has no session checkpoint", jobID))
		}

		wf, err := config.Load(cp.WorkflowPath)
		if err != nil {
			return err
		}

		var agentTimeout time.Duration
		if resumeJobTimeout != "" {
			agentTimeout, err = str2duration.ParseDuration(resumeJobTimeout)
			if err != nil {
				return core.ErrValidation(core.CodeInvalidConfig,
					"bad --timeout: "+err.Error())
			}
		}

		release, err := app.locker.Acquire(sessionID)
		if err != nil {
			return err
		}
		defer release()

		engine, err := app.engine()
		if err != nil {
			return err
		}
		result, err := engine.Run(ctx, mapreduce.JobOptions{
			Workflow:     wf,
			WorkflowPath: cp.WorkflowPath,
			JobID:        jobID,
			SessionID:    sessionID,
			MaxParallel:  resumeJobMaxParallel,
			AgentTimeout: agentTimeout,
			IncludeDLQ:   resumeJobIncludeDLQ,
		})
		if err != nil {
			return err
		}
		fmt.Printf("job %s: %d/%d items succeeded, %d failed (%d in dlq)\n",
			result.JobID, result.Successful, result.Total, result.Failed, result.DLQ)
		return nil
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeForceRetry, "force-retry", false,
		"retry the failed step even when its failure was terminal")

	resumeJobCmd.Flags().BoolVar(&resumeJobIncludeDLQ, "include-dlq", false,
		"re-include dead-lettered items with a fresh retry budget")
	resumeJobCmd.Flags().IntVar(&resumeJobMaxParallel, "max-parallel", 0,
		"override the map concurrency bound")
	resumeJobCmd.Flags().StringVar(&resumeJobTimeout, "timeout", "",
		"override the per-agent timeout (e.g. 10m)")

	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(resumeJobCmd)
}
