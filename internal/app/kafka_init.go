package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/config"
	"github.com/vladislavdragonenkov/ostrich/internal/messaging/kafka"
)

// initEventProducer подключается к Kafka для публикации событий продаж.
// nil означает, что публикации нет: без брокеров в конфигурации или при ошибке подключения
// gateway продолжает работу, события остаются в журнале outbox.
func initEventProducer(cfg config.KafkaConfig, logger *log.Entry) *kafka.Producer {
	if len(cfg.Brokers) == 0 {
		logger.Info("kafka brokers are not configured, sale events are not published")
		return nil
	}

	producer, err := kafka.NewProducer(cfg.Brokers, cfg.ClientID, logger.WithField("layer", "kafka"))
	if err != nil {
		logger.WithError(err).WithField("brokers", cfg.Brokers).Warn("kafka is unavailable, sale events stay in the outbox")
		return nil
	}
	logger.WithField("brokers", cfg.Brokers).Info("kafka producer ready")
	return producer
}

func closeEventProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	closeQuietly("kafka producer", producer.Close, logger)
}
