package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snapfaas/pulsar/internal/config"
	"github.com/snapfaas/pulsar/internal/logging"
	"github.com/snapfaas/pulsar/internal/metrics"
	"github.com/snapfaas/pulsar/internal/observability"
	"github.com/snapfaas/pulsar/internal/protocol"
	"github.com/snapfaas/pulsar/internal/sched"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var (
		listenAddr  string
		metricsAddr string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Pulsar scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("listen") {
				cfg.ListenAddress = listenAddr
			}
			if cmd.Flags().Changed("metrics") {
				cfg.MetricsAddress = metricsAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
			}

			catalog := sched.FunctionCatalog{}
			for _, fn := range cfg.Functions {
				catalog[fn.Image] = protocol.Gate{Image: fn.Image, Privilege: fn.Privilege}
			}

			s := sched.NewScheduler(catalog)

			ctx, cancel := context.WithCancel(context.Background())
			schedDone := make(chan struct{})
			go func() {
				s.Run(ctx)
				close(schedDone)
			}()

			serveErrCh := make(chan error, 1)
			go func() {
				serveErrCh <- sched.Serve(ctx, cfg.ListenAddress, s)
			}()
			logging.Op().Info("scheduler RPC listening", "addr", cfg.ListenAddress)

			var metricsSrv *http.Server
			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				metricsSrv = &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Warn("metrics server stopped", "error", err)
					}
				}()
				logging.Op().Info("metrics listening", "addr", cfg.MetricsAddress)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				logging.Op().Info("shutdown signal received")
			case err := <-serveErrCh:
				if err != nil {
					logging.Op().Error("scheduler RPC listener failed", "error", err)
				}
			}

			cancel()
			<-schedDone
			if metricsSrv != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				metricsSrv.Shutdown(shutdownCtx)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Scheduler RPC listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Metrics HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")

	return cmd
}
