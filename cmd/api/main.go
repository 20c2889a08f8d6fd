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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"clubattendance/internal/api"
	"clubattendance/internal/attendance"
	"clubattendance/internal/audit"
	"clubattendance/internal/auth"
	"clubattendance/internal/config"
	"clubattendance/internal/httpmiddleware"
	"clubattendance/internal/logging"
	"clubattendance/internal/metrics"
	"clubattendance/internal/queue"
	"clubattendance/internal/scheduler"
	"clubattendance/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("api_exited", "error", err)
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

	var (
		rdb *store.Redis
		q   queue.Queue
	)
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		rdb = store.NewRedis(cfg.RedisAddr, cfg.RedisKeyPrefix)
		defer rdb.Close()
		if !rdb.Healthy(ctx) {
			logger.Warn("redis_unreachable", "addr", cfg.RedisAddr)
		}
		q = queue.NewRedisQueue(rdb.Client, rdb.EventsKey())
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	engine := attendance.NewEngine(repo,
		attendance.WithLogger(logger),
		attendance.WithPublisher(q),
		attendance.WithMetrics(m),
	)
	m.RegisterPresence(engine.CurrentCount)

	pin, err := auth.NewPINVerifier(cfg.AdminPINHash, cfg.AdminPIN)
	switch {
	case errors.Is(err, auth.ErrPINNotConfigured) && !cfg.Production():
		logger.Warn("admin_pin_missing", "hint", "set ADMIN_PIN_HASH or ADMIN_PIN; admin login is disabled")
	case err != nil:
		return fmt.Errorf("admin PIN: %w", err)
	case cfg.AdminPINHash == "" && cfg.Production():
		logger.Warn("admin_pin_plaintext", "hint", "use ADMIN_PIN_HASH in production")
	}

	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	memberLimiter := httpmiddleware.NewSimpleTokenBucket(cfg.MemberRateLimit, cfg.MemberRateLimit)
	deps := api.Deps{
		Engine:   engine,
		Admin:    attendance.NewAdmin(engine),
		Registry: attendance.NewRegistry(repo, nil),
		PIN:      pin,
		Tokens: api.Tokens{
			Issuer:     cfg.JWTIssuer,
			SigningKey: cfg.JWTSigningKey,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		DB:             db,
		Logger:         logger,
		Metrics:        m,
		MetricsHandler: promhttp.Handler(),
		Limiter:        limiter,
		MemberLimiter:  memberLimiter,
		RequestTimeout: cfg.RequestTimeout,
		AllowOrigins:   cfg.CORSAllowOrigins,
		Location:       cfg.SchoolTimezone,
	}
	if rdb != nil {
		deps.Redis = rdb
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listening", "addr", srv.Addr, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("http_shutting_down")
		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Prune()
				memberLimiter.Prune()
			}
		}
	})

	if cfg.SchedulerEmbedded {
		schedule, err := cfg.Schedule()
		if err != nil {
			return err
		}
		var lease scheduler.Lease = scheduler.NopLease{}
		if rdb != nil {
			lease = rdb
		}
		sched := scheduler.New(engine, schedule,
			scheduler.WithLease(lease),
			scheduler.WithInterval(cfg.SweepInterval),
			scheduler.WithLogger(logger),
			scheduler.WithMetrics(m),
		)
		g.Go(func() error { return sched.Run(gctx) })
	}

	// Nothing else drains an in-process queue.
	if mem, ok := q.(*queue.InMemory); ok {
		g.Go(func() error {
			_, err := audit.Run(gctx, mem, logger)
			return err
		})
	}

	err = g.Wait()
	logger.Info("api_stopped")
	return err
}
