package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/d60-Lab/clinic-booking/config"
	"github.com/d60-Lab/clinic-booking/internal/api"
	"github.com/d60-Lab/clinic-booking/internal/api/handler"
	"github.com/d60-Lab/clinic-booking/internal/effector"
	"github.com/d60-Lab/clinic-booking/internal/idempotency"
	"github.com/d60-Lab/clinic-booking/internal/notify"
	"github.com/d60-Lab/clinic-booking/internal/outbox"
	"github.com/d60-Lab/clinic-booking/internal/repository"
	"github.com/d60-Lab/clinic-booking/internal/service"
	"github.com/d60-Lab/clinic-booking/pkg/cache"
	"github.com/d60-Lab/clinic-booking/pkg/clock"
	"github.com/d60-Lab/clinic-booking/pkg/database"
	"github.com/d60-Lab/clinic-booking/pkg/logger"
	"github.com/d60-Lab/clinic-booking/pkg/tracing"
)

// @title Clinic Booking API
// @version 1.0
// @description 预约、出站事件投递与幂等请求
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN, Environment: cfg.Sentry.Environment}); err != nil {
			logger.Warn("sentry init failed", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.InitDB(cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	rdb, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	clk := clock.RealClock{}

	// 出站事件：分发表 + 回写 + 分发器
	registry := outbox.NewRegistry()
	if err := effector.RegisterHTTP(registry, cfg.Effectors, &http.Client{Timeout: cfg.Effectors.Timeout}); err != nil {
		return err
	}

	var pub notify.Publisher = notify.NopPublisher{}
	if cfg.Kafka.Enabled {
		pub = notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	defer pub.Close()
	notifier := notify.NewAsyncNotifier(pub, cfg.Kafka.QueueSize)
	stopNotifier := notifier.Start(2)

	policy, err := outbox.ParseMalformedPolicy(cfg.Outbox.MalformedPayloadPolicy)
	if err != nil {
		return err
	}
	dispatcher := outbox.NewDispatcher(db, registry, outbox.NewRollup(db, notifier), clk, outbox.NewMetrics(reg), outbox.Options{
		PollInterval:    cfg.Outbox.PollInterval(),
		BatchSize:       cfg.Outbox.BatchSize,
		Workers:         cfg.Outbox.Workers,
		MalformedPolicy: policy,
	})
	stopDispatcher := dispatcher.Start()

	writer := outbox.NewWriter(repository.NewOutboxRepository(db), clk)
	booking := service.NewBookingService(db, writer)
	auth := service.NewAuthService(repository.NewAdminRepository(db), cfg.JWT.Secret, cfg.JWT.TTL)
	if cfg.Admin.Password != "" {
		if err := auth.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.Password); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	guard := idempotency.NewGuard(idempotency.NewRedisStore(rdb), cfg.Idempotency, reg)
	if err := guard.RegisterSpecs(cfg.Idempotency.Routes); err != nil {
		return err
	}
	if err := handler.RegisterValidators(); err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	h := handler.NewHandler(booking, auth,
		handler.HealthCheck{Name: "database", Check: sqlDB.PingContext},
		handler.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(api.Deps{Config: cfg, Handler: h, Guard: guard, Auth: auth, Gatherer: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// 先停分发器，再排空通知队列
	if err := stopDispatcher(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown", zap.Error(err))
	}
	if err := stopNotifier(shutdownCtx); err != nil {
		logger.Warn("notifier shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
