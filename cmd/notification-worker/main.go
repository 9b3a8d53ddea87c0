package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/app"
	"github.com/vladislavdragonenkov/ostrich/internal/config"
	"github.com/vladislavdragonenkov/ostrich/internal/logging"
	"github.com/vladislavdragonenkov/ostrich/internal/tracing"
	"github.com/vladislavdragonenkov/ostrich/internal/version"
)

const serviceName = "ostrich-notification-worker"

// readConfig загружает конфигурацию и проверяет параметры SMTP и брокера.
func readConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	return cfg, nil
}

func run(configPath string) error {
	cfg, err := readConfig(configPath)
	if err != nil {
		return err
	}

	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, serviceName, version.Version())
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"grpc_addr":    cfg.GRPC.Addr,
		"metrics_addr": cfg.Metrics.Addr,
	}).Info("запускаем notification-worker")

	if err := app.RunWorker(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./configs/config.yaml if present)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.WithError(err).Fatal("notification-worker завершился с ошибкой")
	}
	log.Info("notification-worker остановлен")
}
