package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"clubattendance/internal/attendance"
	"clubattendance/internal/audit"
	"clubattendance/internal/config"
	"clubattendance/internal/logging"
	"clubattendance/internal/metrics"
	"clubattendance/internal/queue"
	"clubattendance/internal/scheduler"
	"clubattendance/internal/store"
)

// Worker runs the period-boundary scheduler and writes the audit log from
// the event queue.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(os.Stdout, cfg.Env, cfg.LogLevel).With("process", "worker")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker_exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(cfg.StoreBackend, cfg.StoreDSN())
	if db != nil {
		defer db.Close()
	}
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	repo := attendance.NewRepository(db.Client, db.Dialect())
	if err := repo.Migrate(ctx); err != nil {
		return err
	}

	rdb := store.NewRedis(cfg.RedisAddr, cfg.RedisKeyPrefix)
	defer rdb.Close()
	if !rdb.Healthy(ctx) {
		logger.Warn("redis_unreachable", "addr", cfg.RedisAddr, "hint", "sweeps still run; lease and audit stream are degraded")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	q := queue.NewRedisQueue(rdb.Client, rdb.EventsKey())
	opts := []attendance.Option{attendance.WithLogger(logger), attendance.WithMetrics(m)}
	if cfg.QueueBackend != "memory" {
		opts = append(opts, attendance.WithPublisher(q))
	}
	engine := attendance.NewEngine(repo, opts...)

	schedule, err := cfg.Schedule()
	if err != nil {
		return err
	}
	sched := scheduler.New(engine, schedule,
		scheduler.WithLease(rdb),
		scheduler.WithInterval(cfg.SweepInterval),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(m),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if cfg.QueueBackend == "memory" {
		logger.Warn("audit_disabled", "reason", "QUEUE_BACKEND=memory keeps events inside the api process")
	} else {
		g.Go(func() error {
			_, err := audit.Run(gctx, q, logger)
			return err
		})
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logger.Info("worker_started", "logout_times", len(cfg.LogoutTimes), "timezone", cfg.SchoolTimezone.String())
	err = g.Wait()
	logger.Info("worker_stopped")
	return err
}
