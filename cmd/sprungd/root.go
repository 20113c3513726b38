package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sprung-app/llm-orchestrator/internal/config"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "sprungd",
	Short: "LLM orchestration server for Sprung",
	Long: `sprungd fronts the LLM backends used by the Sprung job-search app.

It validates model capabilities before dispatch, retries transient failures,
streams replies over SSE, keeps conversation history and runs sub-agents
that read the user's artifacts.

Configuration is read from the environment. Run "sprungd serve" to start
the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the environment and applies persistent flag overrides.
func loadConfig() *config.Config {
	cfg := config.Load()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetGlobal(log)
	return log, nil
}
