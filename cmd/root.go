package cmd

import (
	"fmt"
	"log/slog"

	"github.com/psds-microservice/support-session/internal/config"
	"github.com/psds-microservice/support-session/internal/logger"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "support-session",
	Short:         "Support sessions: store API, realtime hub and terminal client (PSDS)",
	RunE:          runAPI,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(replayEventsCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig читает .env и окружение и строит логгер по LOG_LEVEL/APP_ENV.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return cfg, logger.New(cfg.LogLevel, cfg.AppEnv), nil
}
