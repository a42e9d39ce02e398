// Package main provides the notegrade command-line client for offline scoring
// and speaker reports.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/notegrade/notegrade/internal/config"
	"github.com/notegrade/notegrade/internal/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notegrade",
		Short: "notegrade - score candidate notes and inspect speaker statistics",
		Long: `notegrade scores a candidate note against its reference draft without a running
server, submits evaluations to a running server, and reports the per-speaker
statistics kept in the configured storage.

Run 'notegrade-server serve' to start the API.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")

	rootCmd.AddCommand(
		scoreCmd(),
		evaluateCmd(),
		speakersCmd(),
		eventsCmd(),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("notegrade %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

// setup loads configuration and a logger that writes to stderr.
func setup(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	return cfg, logger.NewWithWriter(os.Stderr, level, cfg.Log.Format), nil
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
