// Package main is the entry point for the polis-relay binary.
// It serves the authenticated image and API relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/logging"
	"github.com/polisai/polis-relay/pkg/policy"
	"github.com/polisai/polis-relay/pkg/relay"
	"github.com/polisai/polis-relay/pkg/server"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-relay
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-relay",
		Short: "Authenticated relay for whitelisted image and API hosts",
		Long: `A relay that fetches images and API responses from whitelisted upstream
hosts on behalf of clients holding the shared access code.

Configuration comes from an optional YAML file and the environment;
SECRET_TOKEN is required.

Example:
  SECRET_TOKEN=... polis-relay --listen :8000`,
		SilenceUsage: true,
		RunE:         runRelay,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().String("listen", "", "Address to listen on (overrides RELAY_LISTEN_ADDR)")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("pretty", false, "Enable pretty console logging")

	return rootCmd
}

// loadConfig loads the configuration file and environment, then applies
// the flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, err
	}

	if cmd.Flags().Changed("listen") {
		if cfg.Server.ListenAddress, err = cmd.Flags().GetString("listen"); err != nil {
			return nil, configPath, fmt.Errorf("failed to get listen flag: %w", err)
		}
	}
	if cmd.Flags().Changed("log-level") {
		if cfg.Logging.Level, err = cmd.Flags().GetString("log-level"); err != nil {
			return nil, configPath, fmt.Errorf("failed to get log-level flag: %w", err)
		}
	}
	if cmd.Flags().Changed("pretty") {
		if cfg.Logging.Pretty, err = cmd.Flags().GetBool("pretty"); err != nil {
			return nil, configPath, fmt.Errorf("failed to get pretty flag: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, configPath, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, configPath, nil
}

// runRelay is the main entry point for the relay command
func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		logging.NewLogger(logging.Config{Level: "error", Output: os.Stderr}).
			Error("Failed to load configuration", "config", configPath, "error", err)
		return err
	}

	logger := logging.WithRedaction(logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	}), cfg.Policy.Secrets)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, metrics, err := buildHandler(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to build relay", "error", err)
		return err
	}

	shutdownTelemetry, err := setupTelemetry(ctx, cfg, metrics)
	if err != nil {
		logger.Error("Failed to initialise telemetry", "error", err)
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Error("Failed to flush telemetry", "error", err)
		}
	}()

	if configPath != "" {
		notifier, err := watchConfig(configPath, metrics, logger)
		if err != nil {
			logger.Warn("Configuration watcher disabled", "config", configPath, "error", err)
		} else {
			defer func() {
				if err := notifier.Close(); err != nil {
					logger.Error("Failed to close configuration watcher", "error", err)
				}
			}()
		}
	}

	logger.Info("Starting polis-relay",
		"listen", cfg.Server.ListenAddress,
		"upstream_timeout", cfg.Relay.Timeout.String(),
		"metrics", cfg.Metrics.Enabled,
		"secrets", len(cfg.Policy.Secrets),
	)

	return serve(ctx, cfg.Server, handler, logger)
}

// buildHandler wires the policy store, validator, relay and dispatcher.
// The returned metrics are nil when the metrics endpoint is disabled.
func buildHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, *server.Metrics, error) {
	store, err := policy.NewStore(ctx, cfg.Policy)
	if err != nil {
		return nil, nil, err
	}

	var metrics *server.Metrics
	if cfg.Metrics.Enabled {
		metrics = server.NewMetrics(cfg.Metrics.Path)
	}

	handler := server.NewHandler(server.Config{
		Validator: policy.NewValidator(store, logger),
		Relay: relay.New(relay.Options{
			Timeout:      cfg.Relay.Timeout,
			MaxBodyBytes: cfg.Relay.MaxBodyBytes,
			Logger:       logger,
		}),
		Logger:      logger,
		Metrics:     metrics,
		MetricsPath: cfg.Metrics.Path,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	return handler, metrics, nil
}

// setupTelemetry installs the otel providers. Relay instruments share the
// dispatcher's Prometheus registry when the metrics endpoint is enabled.
func setupTelemetry(ctx context.Context, cfg *config.Config, metrics *server.Metrics) (func(context.Context) error, error) {
	tcfg := telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	}
	if metrics != nil {
		tcfg.MetricsRegisterer = metrics.Registry()
	}
	return telemetry.SetupProvider(ctx, tcfg)
}

// watchConfig reports configuration file edits. Policy is fixed at startup,
// so a change is validated and logged but only takes effect on restart.
func watchConfig(path string, metrics *server.Metrics, logger *slog.Logger) (*config.ChangeNotifier, error) {
	record := func(status string) {
		if metrics != nil {
			metrics.RecordConfigChange(status)
		}
	}

	return config.WatchFile(path,
		func(changed string) {
			if _, err := config.Load(changed); err != nil {
				record("invalid")
				logger.Error("Changed configuration is invalid", "config", changed, "error", err)
				return
			}
			record("valid")
			logger.Warn("Configuration changed; restart to apply", "config", changed)
		},
		func(err error) {
			record("error")
			logger.Error("Configuration watcher error", "error", err)
		},
	)
}

// serve runs the HTTP server until ctx is done, then drains it.
func serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Error("Failed to bind listener", "addr", cfg.ListenAddress, "error", err)
		return err
	}
	logger.Info("Server listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
		return err
	}
	return nil
}
