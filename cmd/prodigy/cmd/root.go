package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

// Exit codes per the CLI contract.
const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitUserCancel = 2
	ExitSignalled  = 130
)

var (
	logLevel  string
	logFormat string
	stateDir  string

	appVersion string
	appCommit  string
	appDate    string

	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "prodigy",
	Short: "Workflow orchestrator for iterative code-improvement loops",
	Long: `prodigy drives declarative workflows that compose shell commands and
Claude CLI invocations, with resumable checkpoints and MapReduce fan-out
across isolated git worktrees.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	code := exitCode(ctx, err)
	printFailure(err)
	return code
}

// exitCode maps an error to the CLI contract: 130 when a signal drove the
// cancellation, 2 for an interactive decline, 1 otherwise.
func exitCode(ctx context.Context, err error) int {
	if errors.Is(err, errUserDeclined) {
		return ExitUserCancel
	}
	if core.IsCancelled(err) && ctx.Err() != nil {
		return ExitSignalled
	}
	if core.IsCancelled(err) {
		return ExitUserCancel
	}
	return ExitFailure
}

// printFailure renders the one-line summary, the context trail, and the
// suggested next action.
func printFailure(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)

	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		if trail := domErr.TrailString(); trail != "" {
			fmt.Fprintf(os.Stderr, "\ntrail:\n%s\n", indent(trail))
		}
		fmt.Fprintf(os.Stderr, "\nnext: %s\n", domErr.Suggestion())
	}
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}

// SetVersion records build metadata.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "",
		"storage root for checkpoints (default: .prodigy/state, or $PRODIGY_STATE_DIR)")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))

	rootCmd.AddCommand(versionCmd)
}

func initConfig() error {
	viper.SetEnvPrefix("PRODIGY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	logger = logging.New(logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
	})
	return nil
}

// resolveStateDir picks the storage root: flag, then PRODIGY_STATE_DIR,
// then .prodigy/state under the repository.
func resolveStateDir(repoDir string) string {
	if dir := viper.GetString("state_dir"); dir != "" {
		return dir
	}
	return repoDir + "/.prodigy/state"
}

// automationEnabled reports whether interactive prompts are disabled.
func automationEnabled() bool {
	return strings.EqualFold(viper.GetString("automation"), "true")
}

var errUserDeclined = errors.New("declined by user")

// confirm asks the user before a destructive action. With
// PRODIGY_AUTOMATION=true prompts are skipped and answered yes.
func confirm(prompt string) error {
	if automationEnabled() {
		return nil
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	var answer string
	_, _ = fmt.Scanln(&answer)
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	default:
		return errUserDeclined
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("prodigy %s (%s, %s)\n", appVersion, appCommit, appDate)
	},
}
