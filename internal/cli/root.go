// Package cli implements the companion command line: the HTTP server, the
// profile setup wizard and a terminal chat.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/app"
	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/logging"
)

var (
	envFile  string
	logLevel string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:          "companion",
	Short:        "Companion persona chat service",
	Long:         "Chat with a configurable companion persona backed by a hosted LLM, with a per-user message quota and persisted transcripts.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}

// loadConfig reads the dotenv file and environment and builds the logger.
func loadConfig(defaultLevel string) (config.Config, *zap.Logger, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	level := cfg.LogLevel
	if defaultLevel != "" {
		level = defaultLevel
	}
	if logLevel != "" {
		level = logLevel
	}
	logger, err := logging.New(logging.Options{
		FilePath:   cfg.LogFilePath,
		Level:      level,
		Production: cfg.Production(),
	})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg, logger, nil
}

func build(ctx context.Context, defaultLevel string) (*app.BuildResult, *zap.Logger, error) {
	cfg, logger, err := loadConfig(defaultLevel)
	if err != nil {
		return nil, nil, err
	}
	b, err := app.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return b, logger, nil
}
