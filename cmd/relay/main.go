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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/outbox-relay/api/routes"
	"github.com/angelmondragon/outbox-relay/internal/deadletter"
	"github.com/angelmondragon/outbox-relay/internal/delivery"
	"github.com/angelmondragon/outbox-relay/internal/ingress"
	"github.com/angelmondragon/outbox-relay/internal/outbox"
	"github.com/angelmondragon/outbox-relay/internal/retry"
	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/db"
	"github.com/angelmondragon/outbox-relay/pkg/kafka"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
	"github.com/angelmondragon/outbox-relay/pkg/migrate"
	"github.com/angelmondragon/outbox-relay/pkg/redis"
)

const (
	serviceName   = "outbox-relay"
	lockKeyFormat = "retry-sweep:%s"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithField(ctx, "env", cfg.App.Env)

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "relay stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "relay shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	started := time.Now()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()

	if err := migrate.MaybeAutoRun(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.NewRelayMetrics(registry)

	store := outbox.NewStore(dbClient.DB())
	registry.MustRegister(metrics.NewStatusCollector(store, 0))

	producer, err := kafka.New(ctx, cfg.Kafka, logg, kafka.WithMetrics(relayMetrics))
	if err != nil {
		return fmt.Errorf("bootstrap kafka: %w", err)
	}
	defer func() { err = multierr.Append(err, producer.Close()) }()

	lock, closeLock, err := sweepLock(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeLock()) }()

	engine, err := delivery.NewEngine(producer, cfg.Kafka.Source, logg)
	if err != nil {
		return fmt.Errorf("create delivery engine: %w", err)
	}
	guard := delivery.NewGuard()

	deadLetters := deadletter.NewRepository(dbClient.DB())
	router, err := deadletter.NewRouter(deadletter.RouterParams{
		Publisher: producer,
		Audit:     deadLetters,
		Topic:     cfg.Kafka.DeadLetterTopic,
		Source:    cfg.Kafka.Source,
		Logger:    logg,
		Metrics:   relayMetrics,
	})
	if err != nil {
		return fmt.Errorf("create dead-letter router: %w", err)
	}

	scheduler, err := retry.NewScheduler(retry.Params{
		Logger:    logg,
		Store:     store,
		Engine:    engine,
		Router:    router,
		Guard:     guard,
		Lock:      lock,
		Metrics:   relayMetrics,
		Interval:  cfg.Retry.Interval,
		WarmUp:    cfg.Retry.WarmUp,
		MaxRetry:  cfg.Retry.MaxRetry,
		BatchSize: cfg.Retry.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("create retry scheduler: %w", err)
	}

	ingressSvc, err := ingress.NewService(ingress.ServiceParams{
		Store:   store,
		Engine:  engine,
		Guard:   guard,
		Logger:  logg,
		Metrics: relayMetrics,
	})
	if err != nil {
		return fmt.Errorf("create ingress service: %w", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	server := &http.Server{
		Addr: ":" + port,
		Handler: routes.NewRouter(routes.Deps{
			Config:      cfg,
			Logger:      logg,
			Ingress:     ingressSvc,
			Messages:    store,
			DeadLetters: deadLetters,
			Counter:     store,
			Broker:      producer,
			DB:          dbClient,
			InFlight:    guard,
			Gatherer:    registry,
			Started:     started,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logg.Info(logg.WithFields(ctx, map[string]any{
		"addr":              server.Addr,
		"brokers":           producer.Brokers(),
		"dead_letter_topic": router.Topic(),
	}), "starting outbox relay")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), cfg.App.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return ignoreCanceled(scheduler.Run(groupCtx))
	})
	group.Go(func() error {
		return ignoreCanceled(producer.Run(groupCtx))
	})

	return group.Wait()
}

// sweepLock returns the Redis lock when coordination is enabled, otherwise a
// process-local lock. The returned closer releases the Redis connection.
func sweepLock(ctx context.Context, cfg *config.Config, logg *logger.Logger) (retry.Lock, func() error, error) {
	noop := func() error { return nil }
	if !cfg.Retry.LockEnabled {
		return retry.LocalLock{}, noop, nil
	}
	if !cfg.Redis.Enabled() {
		return nil, noop, errors.New("retry lock enabled but redis is not configured")
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return nil, noop, fmt.Errorf("bootstrap redis: %w", err)
	}
	lock, err := retry.NewRedisLock(redisClient, redisClient.LockKey(fmt.Sprintf(lockKeyFormat, lockEnv(cfg.App.Env))), cfg.Retry.LockTTL)
	if err != nil {
		return nil, noop, multierr.Append(fmt.Errorf("create sweep lock: %w", err), redisClient.Close())
	}
	return lock, redisClient.Close, nil
}

func lockEnv(env string) string {
	if env == "" {
		return "local"
	}
	return env
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
