// Package cmd provides the cobra/viper CLI wiring over the review cycle
// engine: flag parsing, config-file resolution, signal registration, and a
// single "run" command that constructs a Supervisor request, runs it, and
// reports the outcome.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ralph-review/ralph-review/internal/cancelplane"
	"github.com/ralph-review/ralph-review/internal/changeset"
	"github.com/ralph-review/ralph-review/internal/config"
	"github.com/ralph-review/ralph-review/internal/errs"
	"github.com/ralph-review/ralph-review/internal/lockfile"
	"github.com/ralph-review/ralph-review/internal/supervisor"
)

var rootCmd = &cobra.Command{
	Use:   "ralph-review",
	Short: "Iterative reviewer/fixer loop over a local source tree",
	Long: `ralph-review drives an iterative reviewer -> fixer loop over a local
source tree by orchestrating pluggable command-line AI agents. Each
iteration a reviewer agent inspects a scoped change set and emits a
structured critique; a fixer agent then applies what it judges worth
applying. The loop stops on a reviewer/fixer stop signal, at max
iterations, or on operator interrupt.`,
	SilenceUsage: true,
}

var (
	flagBase               string
	flagCommit             string
	flagCustom             string
	flagSimplifier         bool
	flagForceMaxIterations bool
	flagSessionName        string
	flagBranch             string
	flagBackground         bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the review cycle against the current project",
	RunE: func(c *cobra.Command, args []string) error {
		code, err := runReview(c)
		lastExitCode = code
		return err
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: $HOME/.config/ralph-review/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	runCmd.Flags().StringVar(&flagBase, "base", "", "review the diff from this branch's merge-base to HEAD")
	runCmd.Flags().StringVar(&flagCommit, "commit", "", "review the patch introduced by this single commit")
	runCmd.Flags().StringVar(&flagCustom, "custom", "", "skip diff-based review; pass this instruction through instead")
	runCmd.Flags().BoolVar(&flagSimplifier, "simplifier", false, "run a simplifier pre-pass before the reviewer")
	runCmd.Flags().BoolVar(&flagForceMaxIterations, "force-max-iterations", false, "never stop early on a reviewer/fixer stop signal")
	runCmd.Flags().StringVar(&flagSessionName, "session-name", "", "operator-visible label for this session")
	runCmd.Flags().StringVar(&flagBranch, "branch", "", "branch to scope the session lock to (default: current branch)")
	runCmd.Flags().BoolVar(&flagBackground, "background", false, "mark this session as launched in background mode")

	rootCmd.AddCommand(runCmd)
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(userConfigDir())
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("RALPH_REVIEW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Absence of a config file is not an error: defaults plus flags plus
	// environment are a complete configuration on their own.
	_ = viper.ReadInConfig()
}

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/ralph-review"
	}
	return "."
}

var lastExitCode int

// Execute runs the root command and returns the process exit code: the
// Supervisor's completed/failed/interrupted mapping for a run that reached
// the Iteration Controller, or a generic failure code for any error before
// that point.
func Execute() int {
	lastExitCode = 0
	if err := rootCmd.Execute(); err != nil {
		if lastExitCode == 0 {
			lastExitCode = supervisor.ExitFailed
		}
		fmt.Fprintln(os.Stderr, err)
	}
	return lastExitCode
}

func runReview(c *cobra.Command) (int, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return supervisor.ExitFailed, fmt.Errorf("ralph-review: getwd: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return supervisor.ExitFailed, fmt.Errorf("ralph-review: load config: %w", err)
	}

	opts := config.ReviewOptions{
		BaseBranch:         flagBase,
		CommitSHA:          flagCommit,
		CustomInstructions: flagCustom,
		Simplifier:         flagSimplifier,
		ForceMaxIterations: flagForceMaxIterations,
	}
	if err := opts.Validate(); err != nil {
		return supervisor.ExitFailed, errs.Newf(errs.PreconditionFailed, err, "invalid review options")
	}

	mode := lockfile.ModeForeground
	if flagBackground {
		mode = lockfile.ModeBackground
	}

	plane := cancelplane.New(context.Background())
	stopSignals := plane.WatchOSSignals()
	defer stopSignals()

	branch := flagBranch
	if branch == "" {
		branch = changeset.New(cwd).CurrentBranch(plane.Context())
	}

	outcome, err := supervisor.Run(plane, supervisor.Request{
		Config:      cfg,
		Options:     opts,
		ProjectPath: cwd,
		Branch:      branch,
		SessionName: flagSessionName,
		Mode:        mode,
	})
	if err != nil {
		return supervisor.ExitFailed, err
	}

	fmt.Fprintf(c.OutOrStdout(), "session %s: %s (%d iteration(s))\n", outcome.Result.FinalStatus, outcome.Result.Reason, outcome.Result.Iterations)
	if outcome.LogPath != "" {
		fmt.Fprintf(c.OutOrStdout(), "event log: %s\n", outcome.LogPath)
	}

	return outcome.ExitCode, nil
}
