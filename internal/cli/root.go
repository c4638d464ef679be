// Package cli defines the polling-scheduler commands.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/config"
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "polling-scheduler",
		Short: "Polls third-party sources on a schedule and dispatches new data as events",
		Long: `polling-scheduler scans the trigger store for due polling triggers, asks the
check endpoint whether each one has new data, and sends one event per new batch
to the event bus. Configuration is read from the environment and an optional
.env file.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored if missing)")

	root.AddCommand(newServeCommand(&envFile))
	root.AddCommand(newTickCommand(&envFile))
	return root
}

// Execute runs the root command, cancelling its context on SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}

// loadConfig reads and validates configuration and installs the global
// logger it describes.
func loadConfig(envFile string) (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	cfg := config.Load()
	logging.InitGlobalLogger(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		logging.Error("Configuration validation failed", err)
		return nil, err
	}
	return cfg, nil
}
