// Package main provides the notegrade server binary.
// The server exposes the evaluation HTTP API and consumes evaluation requests
// from the event bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/notegrade/notegrade/internal/bus"
	"github.com/notegrade/notegrade/internal/config"
	"github.com/notegrade/notegrade/internal/evaluation"
	"github.com/notegrade/notegrade/internal/pkg/logger"
	"github.com/notegrade/notegrade/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notegrade-server",
		Short: "notegrade - candidate note evaluation and speaker bucketing",
		Long: `notegrade compares candidate notes against reference drafts, scores them,
keeps running per-speaker statistics and classifies speakers into buckets A, B and C.

Examples:
  notegrade-server serve                       # Start with defaults
  notegrade-server serve -c notegrade.yaml     # Load a config file
  notegrade-server serve --port 9090           # Custom HTTP port
  notegrade-server replay --since 1h           # Re-deliver the last hour of logged events`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		replayCmd(),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and bus consumers",
		RunE:  runServer,
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP server port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP server host")
	cmd.Flags().String("storage", "", "storage backend (memory, sqlite, postgres, redis)")
	cmd.Flags().String("bus", "", "event bus type (memory, kafka)")

	return cmd
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-evaluate logged evaluation requests in log order",
		Long: `Replay reads the JSONL event log configured as bus.event_log and evaluates every
logged evaluation request newer than --since again, one at a time in log order.
Candidates that were already evaluated are reported as such and leave the
speaker statistics untouched.`,
		RunE: runReplay,
	}

	cmd.Flags().Duration("since", 24*time.Hour, "replay events newer than this")
	cmd.Flags().String("speaker", "", "only replay requests for this speaker")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("notegrade-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	appCfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := appCfg.Log.Level
	if verbose {
		level = "debug"
	}
	return appCfg, logger.New(level, appCfg.Log.Format), nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	appCfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Override from flags
	if cmd.Flags().Changed("port") {
		appCfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") {
		appCfg.Host, _ = cmd.Flags().GetString("host")
	}
	if v, _ := cmd.Flags().GetString("storage"); v != "" {
		appCfg.Storage.Type = v
	}
	if v, _ := cmd.Flags().GetString("bus"); v != "" {
		appCfg.Bus.Type = v
	}
	if err := appCfg.Validate(); err != nil {
		return err
	}

	log.Info("Starting notegrade server",
		"version", version,
		"addr", appCfg.Address(),
		"storage", appCfg.Storage.Type,
		"bus", appCfg.Bus.Type,
		"similarity", appCfg.Similarity.Providers,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvCfg := server.DefaultConfig()
	srvCfg.Host = appCfg.Host
	srvCfg.Port = appCfg.Port
	srvCfg.Version = version

	srv, err := server.New(ctx, srvCfg, appCfg, log)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func runReplay(cmd *cobra.Command, _ []string) error {
	appCfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	since, _ := cmd.Flags().GetDuration("since")

	path := appCfg.Bus.EventLogPath
	if path == "" {
		return fmt.Errorf("bus.event_log is not configured")
	}
	eventLog, err := bus.NewEventLogger(path, true)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer func() { _ = eventLog.Close() }()

	// Replay runs on an in-process bus that is not logged again. Requests are
	// handed to the evaluation handler directly, so nothing consumes them
	// from the bus.
	appCfg.Bus.Type = "memory"
	appCfg.Bus.EventLogPath = ""
	appCfg.Bus.ConsumeRequests = false

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, server.Config{Version: version}, appCfg, log)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Subscribe(ctx); err != nil {
		return err
	}

	filter := bus.EventFilter{
		Since: time.Now().Add(-since),
		Topic: bus.TopicEvaluationRequested,
	}
	filter.SpeakerID, _ = cmd.Flags().GetString("speaker")

	log.Info("Replaying evaluation requests",
		"path", path, "since", filter.Since.Format(time.RFC3339), "speaker", filter.SpeakerID)
	handler := evaluation.NewEventHandler(srv.Evaluation(), srv.Bus(), log)
	stats, err := eventLog.Replay(ctx, filter, handler.Handle)
	if err != nil {
		return err
	}
	log.Info("Replay complete", "delivered", stats.Delivered, "failed", stats.Failed)
	return nil
}
