package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	sessionsStatus string
	sessionsLimit  int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect resumable sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resumable sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}

		infos, err := app.store.ListResumable(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTATE\tSTEP\tWORKFLOW\tUPDATED")
		shown := 0
		for _, info := range infos {
			if sessionsStatus != "" && string(info.State) != sessionsStatus {
				continue
			}
			if sessionsLimit > 0 && shown >= sessionsLimit {
				break
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				info.SessionID, info.State, info.StepIndex,
				info.WorkflowPath, info.UpdatedAt.Format("2006-01-02 15:04:05"))
			shown++
		}
		return w.Flush()
	},
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsStatus, "status", "",
		"filter by checkpoint state (before_step, completed, failed, interrupted)")
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 0,
		"show at most N sessions")

	sessionsCmd.AddCommand(sessionsListCmd)
	rootCmd.AddCommand(sessionsCmd)
}
