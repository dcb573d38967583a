package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ddk-dev/ddk/internal/config"
	"github.com/ddk-dev/ddk/internal/host"
	"github.com/ddk-dev/ddk/internal/logging"
	"github.com/ddk-dev/ddk/internal/metrics"
	"github.com/ddk-dev/ddk/internal/telemetry"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Daemon.LogLevel = level
	}
	return cfg, nil
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the plugin host daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logging.Init(logging.Config{Level: logging.Level(cfg.Daemon.LogLevel), JSON: true})
			log := logging.Component("daemon")

			ctx := cmd.Context()
			if err := telemetry.Init(ctx, telemetry.Config{
				Enabled:     cfg.Daemon.OTLPEndpoint != "",
				Endpoint:    cfg.Daemon.OTLPEndpoint,
				ServiceName: "ddk",
			}); err != nil {
				return err
			}
			defer func() {
				shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(shCtx)
			}()

			if cfg.Daemon.MetricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", metrics.Global().Handler())
					if err := http.ListenAndServe(cfg.Daemon.MetricsAddr, mux); err != nil {
						log.Error().Err(err).Msg("metrics listener failed")
					}
				}()
			}

			h, err := host.New(cfg)
			if err != nil {
				return err
			}
			log.Info().Str("data_dir", cfg.DataDir).Msg("daemon started")

			watchCtx, stopWatch := context.WithCancel(ctx)
			defer stopWatch()
			go func() {
				if err := h.Plugins.Watch(watchCtx); err != nil {
					log.Warn().Err(err).Msg("plugin watcher stopped")
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			log.Info().Msg("shutting down")

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			h.Close(stopCtx)
			return nil
		},
	}
}
