// Package cmd implements the bookwatch CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bookwatch/bookwatch/internal/config"
	"github.com/bookwatch/bookwatch/internal/logging"
)

var cfgFile string

// setup loads configuration and installs the global logger. Every
// subcommand calls it first.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if err := logging.Init(cfg.Logging.Development); err != nil {
		return config.Config{}, nil, fmt.Errorf("init logging: %w", err)
	}
	zap.ReplaceGlobals(logging.L)
	return cfg, logging.L, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookwatch",
		Short: "Catalog crawler and change-detection service",
		Long: `bookwatch crawls a paginated book catalog, diffs each listing against
the stored copy, and records price, availability, and lifecycle changes
as an append-only event stream.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bookwatch: %v\n", err)
		os.Exit(1)
	}
}
