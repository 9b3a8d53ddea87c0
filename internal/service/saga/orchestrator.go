// Package saga реализует сагу создания чека: проверка смены, списание остатков,
// сохранение чека и однократная компенсация при сбое сохранения.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
	"github.com/vladislavdragonenkov/ostrich/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ostrich/internal/metrics"
)

const (
	defaultCompensationTimeout = 10 * time.Second
	tracerName                 = "github.com/vladislavdragonenkov/ostrich/internal/service/saga"
)

// Dependencies — внешние участники саги. Outbox и Discrepancies опциональны.
type Dependencies struct {
	Accounts      domain.AccountService
	Shops         domain.ShopService
	Shifts        domain.ShiftService
	Inventory     domain.InventoryService
	Receipts      domain.ReceiptStore
	Outbox        domain.OutboxRepository
	Discrepancies domain.DiscrepancyRepository
}

// Options задаёт параметры оркестратора.
type Options struct {
	Logger              *log.Entry
	Metrics             *metrics.SagaMetrics
	Tracer              trace.Tracer
	Timeout             time.Duration
	CompensationTimeout time.Duration
}

// Option настраивает Orchestrator.
type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithMetrics подключает Prometheus-метрики. Без опции метрики не пишутся.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(opts *Options) { opts.Tracer = tracer }
}

// WithTimeout ограничивает время всей саги. 0 — без ограничения.
func WithTimeout(timeout time.Duration) Option {
	return func(opts *Options) { opts.Timeout = timeout }
}

// WithCompensationTimeout задаёт таймаут единственной попытки компенсации.
func WithCompensationTimeout(timeout time.Duration) Option {
	return func(opts *Options) { opts.CompensationTimeout = timeout }
}

// Orchestrator выполняет шаги продажи последовательно и возвращает единый SagaResult.
type Orchestrator struct {
	deps                Dependencies
	logger              *log.Entry
	metrics             *metrics.SagaMetrics
	tracer              trace.Tracer
	timeout             time.Duration
	compensationTimeout time.Duration
	newID               func() string
}

// NewOrchestrator создаёт оркестратор.
func NewOrchestrator(deps Dependencies, options ...Option) *Orchestrator {
	opts := Options{CompensationTimeout: defaultCompensationTimeout}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "saga")
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.CompensationTimeout <= 0 {
		opts.CompensationTimeout = defaultCompensationTimeout
	}

	return &Orchestrator{
		deps:                deps,
		logger:              opts.Logger,
		metrics:             opts.Metrics,
		tracer:              opts.Tracer,
		timeout:             opts.Timeout,
		compensationTimeout: opts.CompensationTimeout,
		newID:               uuid.NewString,
	}
}

// CreateSale проводит продажу. Ошибка равна result.Err: для сбоя сохранения чека это
// исходная ошибка сервиса отчётов, независимо от исхода компенсации.
func (o *Orchestrator) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.SagaResult, error) {
	if err := req.Validate(); err != nil {
		return domain.SagaResult{Outcome: domain.SagaAborted, Err: err}, err
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	result := domain.SagaResult{SagaID: o.newID()}
	started := time.Now()
	logger := o.logger.WithFields(log.Fields{
		"saga_id": result.SagaID,
		"shop_id": req.ShopID,
		"user_id": req.UserID,
	})

	ctx, span := o.tracer.Start(ctx, "saga.create_sale", trace.WithAttributes(
		attribute.String("saga.id", result.SagaID),
		attribute.Int64("shop.id", req.ShopID),
		attribute.Int64("user.id", req.UserID),
		attribute.Int("sale.items", len(req.Items)),
	))
	defer span.End()

	o.metrics.Started()

	o.run(ctx, req, &result, logger)

	result.Duration = time.Since(started)
	o.metrics.Finished(string(result.Outcome), result.Duration)
	span.SetAttributes(attribute.String("saga.outcome", string(result.Outcome)))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, string(result.Outcome))
	}

	o.emitEvent(ctx, req, result, logger)

	entry := logger.WithFields(log.Fields{
		"outcome":  result.Outcome,
		"duration": result.Duration,
	})
	switch result.Outcome {
	case domain.SagaCommitted:
		entry.WithField("receipt_id", result.Receipt.ID).Info("sale saga committed")
	case domain.SagaAborted:
		entry.WithError(result.Err).WithField("step", result.FailedStep).Warn("sale saga aborted")
	default:
		entry.WithError(result.Err).Warn("sale saga failed after inventory update")
	}

	return result, result.Err
}

func (o *Orchestrator) run(ctx context.Context, req domain.SaleRequest, result *domain.SagaResult, logger *log.Entry) {
	var seller domain.User
	err := o.step(ctx, domain.SagaStepVerifyShift, func(ctx context.Context) error {
		var err error
		seller, err = o.verifyShift(ctx, req)
		return err
	})
	if err != nil {
		o.abort(result, domain.SagaStepVerifyShift, err)
		return
	}

	var shop domain.ShopSnapshot
	err = o.step(ctx, domain.SagaStepResolveShop, func(ctx context.Context) error {
		var err error
		shop, err = o.resolveShop(ctx, req.ShopID)
		return err
	})
	if err != nil {
		o.abort(result, domain.SagaStepResolveShop, err)
		return
	}

	deltas := req.InventoryDeltas()
	if len(deltas) > 0 {
		err = o.step(ctx, domain.SagaStepInventory, func(ctx context.Context) error {
			return o.deps.Inventory.ApplyDeltas(ctx, req.ShopID, deltas)
		})
		if err != nil {
			o.abort(result, domain.SagaStepInventory, err)
			return
		}
		result.Plan = domain.NewCompensationPlan(deltas)
	}

	doc := domain.ReceiptDocument{
		Items:    req.Items,
		Seller:   seller,
		Shop:     shop,
		Sum:      req.Total(),
		Datetime: domain.Timestamp{Time: req.Timestamp},
		SellType: req.Payment,
	}

	var record domain.ReceiptRecord
	err = o.step(ctx, domain.SagaStepPersist, func(ctx context.Context) error {
		var err error
		record, err = o.deps.Receipts.CreateReceipt(ctx, req.ShopID, req.UserID, doc)
		return err
	})
	if err == nil {
		result.Outcome = domain.SagaCommitted
		result.Receipt = record
		return
	}

	result.Err = err
	result.FailedStep = domain.SagaStepPersist
	if result.Plan.Empty() {
		result.Outcome = domain.SagaAborted
		return
	}

	o.compensate(ctx, req, result, logger)
}

// verifyShift проверяет, что смена открыта ровно одна и открыта запрашивающим пользователем.
func (o *Orchestrator) verifyShift(ctx context.Context, req domain.SaleRequest) (domain.User, error) {
	seller, err := o.deps.Accounts.GetUser(ctx, req.UserID)
	if err != nil {
		return domain.User{}, err
	}

	shift, err := o.deps.Shifts.OpenShift(ctx, req.ShopID)
	if err != nil {
		return domain.User{}, err
	}
	if shift.Seller.ID != req.UserID {
		return domain.User{}, fmt.Errorf("%w: shift %s was opened by another user", domain.ErrUnauthorized, shift.ID)
	}
	return seller, nil
}

func (o *Orchestrator) resolveShop(ctx context.Context, shopID int64) (domain.ShopSnapshot, error) {
	shop, err := o.deps.Shops.GetShop(ctx, shopID)
	if err != nil {
		return domain.ShopSnapshot{}, err
	}
	owner, err := o.deps.Accounts.GetUser(ctx, shop.OwnerID)
	if err != nil {
		return domain.ShopSnapshot{}, err
	}
	return domain.NewShopSnapshot(shop, owner), nil
}

// compensate выполняет план ровно один раз. Контекст отвязан от отмены вызывающего.
func (o *Orchestrator) compensate(ctx context.Context, req domain.SaleRequest, result *domain.SagaResult, logger *log.Entry) {
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.compensationTimeout)
	defer cancel()

	deltas := result.Plan.Deltas()
	err := o.step(compCtx, domain.SagaStepCompensate, func(ctx context.Context) error {
		return o.deps.Inventory.ApplyDeltas(ctx, req.ShopID, deltas)
	})
	o.metrics.Compensated(err == nil)
	if err == nil {
		result.Outcome = domain.SagaCompensatedFailure
		return
	}

	result.Outcome = domain.SagaUncompensatedFailure
	result.CompensationErr = err
	logger.WithError(err).WithFields(log.Fields{
		"persist_error": result.Err.Error(),
		"deltas":        deltas,
	}).Error("inventory compensation failed, manual reconciliation required")

	o.metrics.Discrepancy()
	if o.deps.Discrepancies == nil {
		return
	}
	if _, recErr := o.deps.Discrepancies.Record(compCtx, domain.Discrepancy{
		SagaID:            result.SagaID,
		ShopID:            req.ShopID,
		UserID:            req.UserID,
		Deltas:            deltas,
		PersistError:      result.Err.Error(),
		CompensationError: err.Error(),
	}); recErr != nil {
		logger.WithError(recErr).Error("failed to record inventory discrepancy")
	}
}

func (o *Orchestrator) abort(result *domain.SagaResult, step domain.SagaStep, err error) {
	result.Outcome = domain.SagaAborted
	result.FailedStep = step
	result.Err = err
}

// step выполняет шаг в отдельном span и пишет его длительность.
func (o *Orchestrator) step(ctx context.Context, step domain.SagaStep, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "saga."+string(step))
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	o.metrics.Step(string(step), time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// emitEvent кладёт событие об исходе саги в outbox. Ошибка только логируется.
func (o *Orchestrator) emitEvent(ctx context.Context, req domain.SaleRequest, result domain.SagaResult, logger *log.Entry) {
	if o.deps.Outbox == nil {
		return
	}

	eventType := kafka.EventTypeForOutcome(result.Outcome)
	payload, err := json.Marshal(kafka.NewSaleEvent(eventType, req, result))
	if err != nil {
		logger.WithError(err).WithField("event", eventType).Error("marshal sale event failed")
		return
	}

	// событие пишется и после отмены ctx вызывающим
	ctx = context.WithoutCancel(ctx)
	if _, err := o.deps.Outbox.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: kafka.AggregateSale,
		AggregateID:   result.SagaID,
		EventType:     string(eventType),
		Payload:       payload,
	}); err != nil {
		logger.WithError(err).WithField("event", eventType).Error("enqueue sale event failed")
		return
	}
	o.metrics.OutboxWrite()
}
