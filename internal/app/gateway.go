package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/vladislavdragonenkov/ostrich/internal/auth"
	"github.com/vladislavdragonenkov/ostrich/internal/config"
	healthcheck "github.com/vladislavdragonenkov/ostrich/internal/health"
	"github.com/vladislavdragonenkov/ostrich/internal/httpapi"
	"github.com/vladislavdragonenkov/ostrich/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ostrich/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/ostrich/internal/metrics"
	"github.com/vladislavdragonenkov/ostrich/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ostrich/internal/service/notification"
	"github.com/vladislavdragonenkov/ostrich/internal/service/outbox"
	"github.com/vladislavdragonenkov/ostrich/internal/version"
)

const httpTracerName = "github.com/vladislavdragonenkov/ostrich/internal/httpapi"

// RunGateway поднимает HTTP API продаж и уведомлений и блокируется до отмены ctx.
func RunGateway(ctx context.Context, cfg *config.Config) error {
	logger := log.WithField("component", "gateway")

	store, err := initStorage(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer closeQuietly("storage", store.close, logger)

	dedupStore, err := initDedup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuietly("dedup store", dedupStore.close, logger)

	producer := initEventProducer(cfg.Kafka, logger)
	defer closeEventProducer(producer, logger)

	services := newRemoteServices(cfg.Services, logger)
	orchestrator := createOrchestrator(cfg.Saga, services, store, producer != nil, logger)

	pool := newPool(cfg.Rabbit, logger)
	defer closeQuietly("rabbitmq pool", pool.Close, logger)

	// workers останавливаются раньше, чем закрываются хранилища.
	workersCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	defer workers.Wait()
	defer stopWorkers()

	workers.Add(1)
	go func() {
		defer workers.Done()
		// Брокер может подняться позже gateway: публикация подключится сама.
		if err := pool.EnsureConnected(workersCtx); err != nil && workersCtx.Err() == nil {
			logger.WithError(err).Warn("rabbitmq is unreachable, notifications will reconnect on demand")
		}
	}()

	if producer != nil {
		relay := outbox.NewRelay(
			store.outbox,
			kafka.NewOutboxPublisher(producer, kafka.TopicSaleEvents),
			outbox.Config{
				PollInterval: cfg.Outbox.PollInterval,
				BatchSize:    cfg.Outbox.BatchSize,
				MaxAttempts:  cfg.Outbox.MaxAttempts,
				RetryDelay:   cfg.Outbox.RetryDelay,
			},
			outbox.WithLogger(logger.WithField("layer", "outbox")),
			outbox.WithDeadLetters(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
			outbox.WithMetrics(metrics.NewOutboxMetrics(prometheus.DefaultRegisterer)),
		)
		workers.Add(1)
		go func() {
			defer workers.Done()
			relay.Run(workersCtx)
		}()
	}

	sweeper := idempotency.NewSweeper(
		store.idempotency,
		idempotency.SweeperConfig{
			Interval:   cfg.Idempotency.CleanupInterval,
			BatchSize:  cfg.Idempotency.CleanupBatchSize,
			MaxBatches: cfg.Idempotency.CleanupMaxBatches,
		},
		idempotency.WithLogger(logger.WithField("layer", "idempotency")),
		idempotency.WithMetrics(metrics.NewCleanupMetrics(prometheus.DefaultRegisterer)),
	)
	workers.Add(1)
	go func() {
		defer workers.Done()
		sweeper.Run(workersCtx)
	}()

	router := httpapi.NewRouter(
		httpapi.Dependencies{
			Sales:         orchestrator,
			Notifications: notification.NewTrigger(services.reports, pool, logger.WithField("layer", "notification")),
			Discrepancies: store.discrepancies,
			Idempotency:   store.idempotency,
			Auth:          auth.NewManager(cfg.Auth.JWTSecret, dedupStore.store, cfg.Auth.RevokeTTL()),
		},
		httpapi.WithLogger(logger.WithField("layer", "http")),
		httpapi.WithTracer(otel.Tracer(httpTracerName)),
		httpapi.WithIdempotencyTTL(cfg.Idempotency.TTL),
		httpapi.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	)

	healthHandler := healthcheck.NewHandler(version.Version())
	registerChecks(healthHandler, dedupStore, store, pool)
	metricsSrv := startMetricsServer(ctx, cfg.Metrics.Addr, logger, healthHandler)

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTP.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP API")
		shutdownHTTP(httpSrv, logger)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// newPool создаёт пул каналов RabbitMQ по конфигурации процесса.
func newPool(cfg config.RabbitConfig, logger *log.Entry) *rabbitmq.Pool {
	return rabbitmq.NewPool(
		rabbitmq.PoolConfig{
			URL:  rabbitmq.URL(cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Vhost),
			Size: cfg.PoolSize,
			Reconnect: rabbitmq.ReconnectPolicy{
				MaxAttempts: cfg.ReconnectAttempts,
				Delay:       cfg.ReconnectDelay,
			},
			AcquireInterval: cfg.AcquirePollInterval,
			PublishTimeout:  cfg.PublishTimeout,
		},
		rabbitmq.WithPoolLogger(logger.WithField("layer", "rabbitmq")),
		rabbitmq.WithPoolMetrics(metrics.NewPoolMetrics(prometheus.DefaultRegisterer)),
	)
}
