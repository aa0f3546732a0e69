// Labhub Core - laboratory apparatus control engine
//
// This is the main entry point for the labhub daemon. It loads the
// configuration and apparatus definition, connects the infrastructure
// and serves the hub over HTTP and WebSocket until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the root command alone
// serves.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "labhub",
		Short:         "Labhub controls laboratory apparatus",
		Long:          `Labhub drives the things and knobs of an apparatus, guards them with watchdogs, plays waveform sequences and runs optimizations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(), "configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the hub and its API until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the configuration and apparatus definition",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return check(cmd.OutOrStdout(), configPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "labhub %s (commit %s, built %s)\n", version, commit, date)
			},
		},
		newHashPasswordCmd(),
	)
	return root
}

// getConfigPath returns the configuration file path.
// Uses LABHUB_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("LABHUB_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
