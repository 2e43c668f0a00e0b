package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/not-empty/orderq-go/src/config"
	"github.com/not-empty/orderq-go/src/monitor"
	"github.com/not-empty/orderq-go/src/orderq"
)

const shutdownTimeout = 5 * time.Second

func newWorkerCommand() *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run supervised consumers",
		Long: `Worker runs worker.concurrency consumers named "<worker.id>-<n>", each
restarted after an unexpected termination. Unless monitor.enabled is false the
depth monitor and its HTTP endpoints run alongside.

The binary only ships the demo order-status processor (--demo); production
processors embed the orderq library and call Client.Supervise directly.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			demo, _ := cmd.Flags().GetBool("demo")
			openChecks, _ := cmd.Flags().GetInt("demo-open-checks")
			if !demo {
				return errors.New("no processor configured: run with --demo or embed the orderq library")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cmd.ErrOrStderr(), cfg.Log)

			c, err := openClient(ctx, cfg)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Close()

			reg := newRegistry()
			handler := OrderStatusHandler(&DemoBroker{OpenChecks: openChecks}, log)
			return runWorkers(ctx, cfg, c, handler, log, reg)
		},
	}
	workerCmd.Flags().StringP("queue", "q", "", "Queue name (overrides config)")
	workerCmd.Flags().Bool("demo", false, "Process jobs with the demo order-status processor")
	workerCmd.Flags().Int("demo-open-checks", 1, "Status checks a demo order stays open for")
	return workerCmd
}

func newMonitorCommand() *cobra.Command {
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Sample queue depths and serve /metrics, /depths and /healthz",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cmd.ErrOrStderr(), cfg.Log)

			c, err := openClient(ctx, cfg)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Close()

			g, gctx := errgroup.WithContext(ctx)
			runMonitor(gctx, g, cfg, c, log, newRegistry())
			return g.Wait()
		},
	}
	monitorCmd.Flags().StringP("queue", "q", "", "Queue name (overrides config)")
	return monitorCmd
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// runWorkers blocks until ctx is done or a consumer fails validation.
func runWorkers(ctx context.Context, cfg *config.Config, c *orderq.Client, handler orderq.Handler, log *slog.Logger, reg *prometheus.Registry) error {
	metrics := orderq.NewMetrics(reg)
	retryLimit := cfg.Queue.RetryLimit

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range cfg.ConsumerIDs() {
		opts := orderq.ConsumeOpts{
			Queue:                 cfg.Queue.Name,
			ConsumerID:            id,
			Handler:               handler,
			RetryLimit:            &retryLimit,
			InvisibilityTimeoutMs: cfg.Queue.InvisibilityTimeoutMs,
			RetryEvictMs:          cfg.Queue.RetryEvictMs,
			ClaimWait:             cfg.ClaimWait(),
			HeartbeatInterval:     time.Duration(cfg.Worker.HeartbeatIntervalMs) * time.Millisecond,
			SweepBatch:            cfg.Queue.SweepBatch,
			Logger:                log,
			Metrics:               metrics,
		}
		g.Go(func() error {
			return c.Supervise(gctx, opts)
		})
	}

	if cfg.Monitor.Enabled {
		runMonitor(gctx, g, cfg, c, log, reg)
	}

	log.Info("worker started", "queue", cfg.Queue.Name, "consumers", cfg.Worker.Concurrency)
	err := g.Wait()
	log.Info("worker stopped")
	return err
}

// runMonitor schedules depth sampling and serves the admin endpoints on g
// until ctx is done.
func runMonitor(ctx context.Context, g *errgroup.Group, cfg *config.Config, c *orderq.Client, log *slog.Logger, reg *prometheus.Registry) {
	mon := monitor.New(c, monitor.Opts{
		Queue:       cfg.Queue.Name,
		ConsumerIDs: cfg.ConsumerIDs(),
		Interval:    cfg.SampleInterval(),
		SweepBatch:  cfg.Queue.SweepBatch,
		Logger:      log,
		Registerer:  reg,
	})
	mon.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Monitor.Addr,
		Handler:           mon.Router(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		log.Info("monitor listening", "addr", cfg.Monitor.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("monitor server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		mon.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}
