// Package main is the entry point for the pipassist server and its
// maintenance commands.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chenpipi0807/PIP-Assistant/internal/config"
	"github.com/chenpipi0807/PIP-Assistant/internal/telemetry"
)

// Global flags.
var (
	configFile string
	envFiles   []string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipassist",
		Short: "Streaming chat assistant server",
		Long: `pipassist serves a streaming chat API backed by an OpenAI-compatible,
Ark or Anthropic model, keeps conversation history in a snapshot store and
answers one-shot search and file-analysis requests.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML config file")
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Dotenv files to load (default .env)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newConversationsCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// loadConfig reads the configuration named by the global flags and builds
// the logger it selects.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile, envFiles...)
	if err != nil {
		return config.Config{}, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := telemetry.ParseLevel(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := telemetry.NewLogger(os.Stderr, level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
