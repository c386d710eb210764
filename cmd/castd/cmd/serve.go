package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/daemon"
	"github.com/castdio/castd/internal/observability"
	"github.com/castdio/castd/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the castd daemon",
	Long: `Start the castd daemon and HTTP API.

The daemon provides:
- REST API for jobs, radio channels, TV channels, and plugins
- Live stream endpoints under /stream/{mount}
- Job progress events over SSE at /jobs/{id}/events
- Prometheus metrics at /metrics and health at /health
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to (overrides config)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().String("plugins-dir", "", "directory scanned for plugin artifacts (overrides config)")
	serveCmd.Flags().String("channels-file", "", "declarative channel bootstrap file (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd, cfg)

	// Rebuild the logger from the loaded config unless the logging flags
	// were set explicitly; initLogging already honored those.
	if !rootCmd.PersistentFlags().Changed("log-level") && !rootCmd.PersistentFlags().Changed("log-format") {
		observability.SetDefault(observability.NewLoggerWithWriter(cfg.Logging, os.Stderr))
	}
	logger := slog.Default()

	d, err := daemon.New(cfg, logger, version.Version)
	if err != nil {
		return fmt.Errorf("building daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting castd",
		slog.String("addr", cfg.Server.Address()),
		slog.String("version", version.Version),
	)
	return d.Run(ctx)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("plugins-dir") {
		cfg.Plugins.Dir, _ = cmd.Flags().GetString("plugins-dir")
	}
	if cmd.Flags().Changed("channels-file") {
		cfg.Channels.BootstrapFile, _ = cmd.Flags().GetString("channels-file")
	}
}
