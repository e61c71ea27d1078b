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
	"github.com/snapfaas/pulsar/internal/resourcemgr"
	"github.com/snapfaas/pulsar/internal/schedclient"
	"github.com/snapfaas/pulsar/internal/vmmonitor"
	"github.com/snapfaas/pulsar/internal/worker"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var (
		schedAddr   string
		metricsAddr string
		statDir     string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Ember worker-node agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("scheduler") {
				cfg.ListenAddress = schedAddr
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
				ServiceName: "ember-worker",
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
			}

			resClient, err := schedclient.Dial(cfg.ListenAddress)
			if err != nil {
				return fmt.Errorf("dial scheduler at %s: %w", cfg.ListenAddress, err)
			}

			totalMem := cfg.TotalMemory
			if totalMem == 0 {
				probed, ok := resourcemgr.ProbeHostMemoryMB()
				if !ok {
					return fmt.Errorf("total_memory not configured and host memory probe is unavailable on this platform")
				}
				totalMem = probed
				logging.Op().Info("total_memory not configured, probed from host", "total_memory_mb", totalMem)
			}
			mgr := resourcemgr.NewManager(totalMem, cfg.Functions, vmmonitor.NewDevVM, resClient, time.Duration(cfg.FlushIntervalSecs)*time.Second)

			ctx, cancel := context.WithCancel(context.Background())
			go mgr.Run(ctx)

			slots := int(totalMem / resourcemgr.DefaultVMMemoryMB)
			if slots < 1 {
				slots = 1
			}
			logging.Op().Info("starting worker pool", "slots", slots, "total_memory_mb", totalMem)

			for i := 0; i < slots; i++ {
				threadID := uint64(i + 1)
				cid := uint32(i + 1)
				go runWorker(ctx, cfg, threadID, cid, statDir, mgr)
			}

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
			<-sigCh
			logging.Op().Info("shutdown signal received")

			cancel()
			resClient.Close()
			if metricsSrv != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				metricsSrv.Shutdown(shutdownCtx)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&schedAddr, "scheduler", "", "Scheduler RPC address")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Metrics HTTP listen address")
	cmd.Flags().StringVar(&statDir, "stat-dir", "./out", "Directory for per-worker stat logs")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")

	return cmd
}

// runWorker dials its own scheduler connection (§6: one connection per
// peer) and drives one worker-thread loop until ctx is canceled or the
// scheduler tells it to terminate.
func runWorker(ctx context.Context, cfg *config.Config, threadID uint64, cid uint32, statDir string, mgr *resourcemgr.Manager) {
	log := logging.Op().With("thread_id", threadID)
	client, err := schedclient.Dial(cfg.ListenAddress)
	if err != nil {
		log.Error("worker dial failed", "error", err)
		return
	}
	defer client.Close()

	w := worker.New(worker.Config{
		ThreadID:   threadID,
		CID:        cid,
		RetryLimit: cfg.RetryLimit,
		StatDir:    statDir,
	}, client, mgr)
	defer w.Close()

	w.Run(ctx)
}
