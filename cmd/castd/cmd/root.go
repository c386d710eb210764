// Package cmd implements the CLI commands for castd.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/observability"
	"github.com/castdio/castd/internal/version"
)

// cfgFile holds the config file path from the --config flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "castd",
	Short:   "Media processing and broadcast daemon",
	Version: version.Short(),
	Long: `castd is a media processing and broadcast daemon. It runs transcode
and conversion jobs through a plugin registry, and simulates continuous
radio and TV channels served over HTTP.

Configuration is read from castd.yaml (./, /etc/castd, $HOME/.castd) and
CASTD_-prefixed environment variables; flags take priority over both.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Logging flags are not bound to viper: only an explicitly set flag
	// overrides config/env, so the priority stays flag > env > file.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./castd.yaml, /etc/castd, $HOME/.castd)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initLogging builds the process logger before any command runs. The
// config file has not been loaded yet at this point, so it reads the
// environment directly and lets explicit flags win.
func initLogging() error {
	level := os.Getenv("CASTD_LOGGING_LEVEL")
	format := os.Getenv("CASTD_LOGGING_FORMAT")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}
	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}

	logger := observability.NewLoggerWithWriter(config.LoggingConfig{
		Level:  strings.ToLower(level),
		Format: strings.ToLower(format),
	}, os.Stderr)
	observability.SetDefault(logger)
	return nil
}
