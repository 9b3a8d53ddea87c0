package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/ostrich/internal/config"
	"github.com/vladislavdragonenkov/ostrich/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ostrich/internal/health"
	"github.com/vladislavdragonenkov/ostrich/internal/mail"
	"github.com/vladislavdragonenkov/ostrich/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/ostrich/internal/metrics"
	"github.com/vladislavdragonenkov/ostrich/internal/service/notification"
	"github.com/vladislavdragonenkov/ostrich/internal/version"
)

// RunWorker потребляет очереди уведомлений и блокируется до отмены ctx.
// Возвращает ошибку, если брокер недоступен после всех попыток подключения.
func RunWorker(ctx context.Context, cfg *config.Config) error {
	logger := log.WithField("component", "notification-worker")

	dedupStore, err := initDedup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuietly("dedup store", dedupStore.close, logger)

	renderer, err := notification.NewRenderer()
	if err != nil {
		return fmt.Errorf("load email templates: %w", err)
	}
	mailer := mail.NewSMTPMailer(mail.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		StartTLS: cfg.SMTP.StartTLS,
	}, logger.WithField("layer", "smtp"))
	handler := notification.NewHandler(
		dedupStore.store,
		mailer,
		renderer,
		notification.WithHandlerLogger(logger.WithField("layer", "handler")),
		notification.WithDedupTTL(cfg.Dedup.TTL),
		notification.WithClaimTTL(cfg.Dedup.ClaimTTL),
	)

	pool := newPool(cfg.Rabbit, logger)
	defer closeQuietly("rabbitmq pool", pool.Close, logger)
	if err := pool.EnsureConnected(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connect rabbitmq: %w", err)
	}

	healthHandler := healthcheck.NewHandler(version.Version())
	registerChecks(healthHandler, dedupStore, nil, nil)
	// Без брокера worker бесполезен, поэтому здесь проверка критичная.
	healthHandler.Require("rabbitmq", pool.Ping)

	grpcServer, healthServer := newGRPCServer(logger)
	metricsSrv := startMetricsServer(ctx, cfg.Metrics.Addr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	consumeCtx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()

	errCh := make(chan error, len(domain.NotificationQueues)+1)
	var consumers sync.WaitGroup
	consumerMetrics := metrics.NewConsumerMetrics(prometheus.DefaultRegisterer)
	for _, queue := range domain.NotificationQueues {
		consumer := rabbitmq.NewConsumer(pool, handler, rabbitmq.ConsumerConfig{
			Queue:           queue,
			Tag:             "notification-worker-" + queue,
			RedeliveryDelay: cfg.Rabbit.RedeliveryDelay,
		},
			rabbitmq.WithConsumerLogger(logger.WithField("queue", queue)),
			rabbitmq.WithConsumerMetrics(consumerMetrics),
		)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := consumer.Run(consumeCtx); err != nil {
				errCh <- fmt.Errorf("consume %s: %w", queue, err)
			}
		}()
	}

	go watchHealth(consumeCtx, healthHandler, healthServer, healthProbeInterval)

	go func() {
		logger.Infof("gRPC health сервер слушает %s", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем consumers")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("notification worker failed")
	}

	stopConsumers()
	consumers.Wait()
	stopGRPC(grpcServer, healthServer, logger)
	shutdownHTTP(metricsSrv, logger)
	return runErr
}

// newGRPCServer создаёт gRPC-сервер с health service, reflection и метриками.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

// watchHealth переносит результат проверок зависимостей в gRPC health status.
func watchHealth(ctx context.Context, h *healthcheck.Handler, server *health.Server, interval time.Duration) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if h.Evaluate(ctx).Status == healthcheck.StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		server.SetServingStatus("", status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

// stopGRPC останавливает сервер, при зависании GracefulStop — принудительно.
func stopGRPC(grpcServer *grpc.Server, healthServer *health.Server, logger *log.Entry) {
	healthServer.Shutdown()

	stoppedCh := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		grpcServer.Stop()
	}
}
