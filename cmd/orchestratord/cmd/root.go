// Package cmd implements the orchestratord CLI: a cobra root command plus
// the serve and version subcommands, following the teacher's
// viper-bound-persistent-flags shape.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Coding-agent task orchestration controller",
	Long: `orchestratord drives a single coding-model process through
task lifecycles: workspace provisioning, turn dispatch, verify/fix loops,
autonomous multi-phase runs, merge-queue automation, and the scheduled
maintenance jobs that keep a fleet of tasks healthy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion injects build-time version metadata, reported by the version
// subcommand.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./orchestrator.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error); overrides config/env")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (auto, text, json, pretty); overrides config/env")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
