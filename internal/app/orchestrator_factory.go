package app

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/config"
	"github.com/vladislavdragonenkov/ostrich/internal/domain"
	"github.com/vladislavdragonenkov/ostrich/internal/metrics"
	"github.com/vladislavdragonenkov/ostrich/internal/remote"
	"github.com/vladislavdragonenkov/ostrich/internal/service/saga"
)

// remoteServices — HTTP-клиенты сервисов, участвующих в продаже и уведомлениях.
type remoteServices struct {
	accounts  *remote.AccountClient
	shops     *remote.ShopClient
	inventory *remote.InventoryClient
	reports   *remote.ReportClient
}

func newRemoteServices(cfg config.ServicesConfig, logger *log.Entry) remoteServices {
	opts := func(service string) []remote.Option {
		return []remote.Option{
			remote.WithTimeout(cfg.Timeout),
			remote.WithLogger(logger.WithField("service", service)),
		}
	}
	return remoteServices{
		accounts:  remote.NewAccountClient(cfg.AccountURL, opts("account")...),
		shops:     remote.NewShopClient(cfg.ShopURL, opts("shop")...),
		inventory: remote.NewInventoryClient(cfg.InventoryURL, opts("inventory")...),
		reports:   remote.NewReportClient(cfg.ReportURL, opts("report")...),
	}
}

// createOrchestrator создаёт saga orchestrator. События продаж пишутся в outbox,
// только если их есть кому доставить: настроен Kafka или журнал хранится в PostgreSQL.
func createOrchestrator(
	cfg config.SagaConfig,
	services remoteServices,
	store *storage,
	journalEvents bool,
	logger *log.Entry,
) *saga.Orchestrator {
	var outbox domain.OutboxRepository
	if journalEvents || store.persistent {
		outbox = store.outbox
	}

	return saga.NewOrchestrator(
		saga.Dependencies{
			Accounts:      services.accounts,
			Shops:         services.shops,
			Shifts:        services.reports,
			Inventory:     services.inventory,
			Receipts:      services.reports,
			Outbox:        outbox,
			Discrepancies: store.discrepancies,
		},
		saga.WithLogger(logger.WithField("layer", "saga")),
		saga.WithMetrics(metrics.NewSagaMetrics(prometheus.DefaultRegisterer)),
		saga.WithTimeout(cfg.Timeout),
		saga.WithCompensationTimeout(cfg.CompensationTimeout),
	)
}
