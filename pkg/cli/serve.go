package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloudemu/cloudemu/pkg/cli/internal/ports"
	"github.com/cloudemu/cloudemu/pkg/config"
	"github.com/cloudemu/cloudemu/pkg/engine"
	"github.com/cloudemu/cloudemu/pkg/logging"
)

func newServeCmd(g *globals) *cobra.Command {
	var logFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the emulator (foreground)",
		Long: `Start the emulator. Every enabled provider gets its own listener:
AWS on 4566, Azure on 4567 and GCP on 4568 unless configured otherwise.
The process stops gracefully on SIGINT or SIGTERM.`,
		Example: `  # Start with defaults
  cloudemu serve

  # Keep state in ./state and serve only AWS
  cloudemu serve --data-dir ./state --enable-azure=false --enable-gcp=false

  # Compress blobs and log JSON
  cloudemu serve --compression zstd --log-format json

  # Same settings through the environment
  CLOUDEMU_STORAGE_COMPRESSION=zstd CLOUDEMU_LOG_FORMAT=json cloudemu serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}

			logCfg := logging.Config{
				Level:  logging.ParseLevel(cfg.Log.Level),
				Format: logging.ParseFormat(cfg.Log.Format),
				Output: cmd.ErrOrStderr(),
			}
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer func() { _ = f.Close() }()
				logCfg.File = f
			}
			log := logging.New(logCfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this file")
	return cmd
}

// runServe starts the engine and blocks until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var busy []error
	for _, p := range cfg.Providers.Enabled() {
		if err := ports.Check(cfg.BindHost, cfg.Providers.For(p).Port); err != nil {
			busy = append(busy, fmt.Errorf("%s: %w", p, err))
		}
	}
	if len(busy) > 0 {
		return errors.Join(busy...)
	}

	srv, err := engine.NewServer(ctx, cfg, engine.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Error("storage close failed", "error", err)
		}
	}()

	for _, p := range srv.Providers() {
		log.Info("provider enabled", "provider", p, "port", cfg.Providers.For(p).Port)
	}
	return srv.Run(ctx)
}
