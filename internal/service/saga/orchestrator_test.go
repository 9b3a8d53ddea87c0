package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
	"github.com/vladislavdragonenkov/ostrich/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ostrich/internal/metrics"
	"github.com/vladislavdragonenkov/ostrich/internal/storage/memory"
)

const (
	testShopID   int64 = 3
	testSellerID int64 = 11
	testOwnerID  int64 = 1
)

type stubAccounts struct {
	users map[int64]domain.User
	err   error
	calls []int64
}

func (s *stubAccounts) GetUser(_ context.Context, userID int64) (domain.User, error) {
	s.calls = append(s.calls, userID)
	if s.err != nil {
		return domain.User{}, s.err
	}
	user, ok := s.users[userID]
	if !ok {
		return domain.User{}, &domain.RemoteServiceError{Service: "account", StatusCode: 404, Body: []byte(`{"message":"User not found."}`)}
	}
	return user, nil
}

type stubShops struct {
	shop domain.Shop
	err  error
}

func (s *stubShops) GetShop(context.Context, int64) (domain.Shop, error) {
	return s.shop, s.err
}

type stubShifts struct {
	shift domain.Shift
	err   error
}

func (s *stubShifts) OpenShift(context.Context, int64) (domain.Shift, error) {
	return s.shift, s.err
}

// stubInventory запоминает каждый батч; errs выдаются по порядку вызовов.
type stubInventory struct {
	mu      sync.Mutex
	errs    []error
	batches [][]domain.InventoryDelta
	ctxErrs []error
}

func (s *stubInventory) ApplyDeltas(ctx context.Context, _ int64, deltas []domain.InventoryDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = append(s.batches, append([]domain.InventoryDelta(nil), deltas...))
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubInventory) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type stubReceipts struct {
	record domain.ReceiptRecord
	err    error
	docs   []domain.ReceiptDocument
	before func()
}

func (s *stubReceipts) CreateReceipt(_ context.Context, _, _ int64, doc domain.ReceiptDocument) (domain.ReceiptRecord, error) {
	if s.before != nil {
		s.before()
	}
	s.docs = append(s.docs, doc)
	return s.record, s.err
}

type fixture struct {
	accounts      *stubAccounts
	shops         *stubShops
	shifts        *stubShifts
	inventory     *stubInventory
	receipts      *stubReceipts
	outbox        *memory.OutboxRepository
	discrepancies *memory.DiscrepancyRepository
}

func newFixture() *fixture {
	return &fixture{
		accounts: &stubAccounts{users: map[int64]domain.User{
			testSellerID: {ID: testSellerID, Username: "seller", ShopID: testShopID},
			testOwnerID:  {ID: testOwnerID, Username: "owner", IsOwner: true, ShopID: testShopID},
		}},
		shops: &stubShops{shop: domain.Shop{ID: testShopID, Name: "Kolosok", OwnerID: testOwnerID}},
		shifts: &stubShifts{shift: domain.Shift{
			ID:     "shift-1",
			Status: "opened",
			ShopID: testShopID,
			Seller: domain.User{ID: testSellerID},
		}},
		inventory:     &stubInventory{},
		receipts:      &stubReceipts{record: domain.ReceiptRecord{ID: "65f0c1", FiscalNumber: 1234567890}},
		outbox:        memory.NewOutboxRepository(),
		discrepancies: memory.NewDiscrepancyRepository(),
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	opts = append([]Option{WithLogger(log.New().WithField("component", "saga-test"))}, opts...)
	return NewOrchestrator(Dependencies{
		Accounts:      f.accounts,
		Shops:         f.shops,
		Shifts:        f.shifts,
		Inventory:     f.inventory,
		Receipts:      f.receipts,
		Outbox:        f.outbox,
		Discrepancies: f.discrepancies,
	}, opts...)
}

func commoditySale(items ...domain.LineItem) domain.SaleRequest {
	if len(items) == 0 {
		items = []domain.LineItem{{ID: 7, Name: "Milk", Type: domain.ItemTypeCommodity, Quantity: 2, Price: 1000}}
	}
	return domain.SaleRequest{
		ShopID:    testShopID,
		UserID:    testSellerID,
		Items:     items,
		Payment:   domain.PaymentCash,
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func lastEventType(t *testing.T, repo *memory.OutboxRepository) string {
	t.Helper()
	events := repo.Events()
	if len(events) != 1 {
		t.Fatalf("expected exactly one outbox event, got %d", len(events))
	}
	return events[0].EventType
}

func TestCreateSale_Committed(t *testing.T) {
	f := newFixture()
	registry := prometheus.NewRegistry()
	m := metrics.NewSagaMetrics(registry)

	result, err := f.orchestrator(WithMetrics(m)).CreateSale(context.Background(), commoditySale())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != domain.SagaCommitted {
		t.Fatalf("expected committed, got %s", result.Outcome)
	}
	if result.Receipt.ID != "65f0c1" || result.Receipt.FiscalNumber != 1234567890 {
		t.Fatalf("unexpected receipt: %+v", result.Receipt)
	}
	if f.inventory.calls() != 1 {
		t.Fatalf("expected one inventory call, got %d", f.inventory.calls())
	}
	if got := f.inventory.batches[0]; len(got) != 1 || got[0] != (domain.InventoryDelta{ItemID: 7, CountDelta: -2}) {
		t.Fatalf("unexpected inventory batch: %+v", got)
	}

	doc := f.receipts.docs[0]
	if doc.Seller.ID != testSellerID || doc.Shop.Owner.ID != testOwnerID || doc.Shop.Name != "Kolosok" {
		t.Fatalf("receipt snapshot is incomplete: %+v", doc)
	}
	if doc.Sum != 2000 {
		t.Fatalf("expected sum 20.00, got %s", doc.Sum)
	}

	if got := lastEventType(t, f.outbox); got != string(kafka.EventTypeSaleCommitted) {
		t.Fatalf("unexpected event type %s", got)
	}
	if got := gatheredValue(t, registry, "ostrich_saga_finished_total"); got != 1 {
		t.Fatalf("expected one recorded outcome, got %v", got)
	}
}

func TestCreateSale_PersistFailureCompensatesOnce(t *testing.T) {
	f := newFixture()
	persistErr := &domain.RemoteServiceError{Service: "report", StatusCode: 500, Body: []byte(`{"message":"db down"}`)}
	f.receipts.err = persistErr

	result, err := f.orchestrator().CreateSale(context.Background(), commoditySale())

	if !errors.Is(err, persistErr) {
		t.Fatalf("expected the original persistence error, got %v", err)
	}
	if result.Outcome != domain.SagaCompensatedFailure {
		t.Fatalf("expected compensated failure, got %s", result.Outcome)
	}
	if result.FailedStep != domain.SagaStepPersist {
		t.Fatalf("unexpected failed step %s", result.FailedStep)
	}
	if f.inventory.calls() != 2 {
		t.Fatalf("expected decrement + one compensation, got %d calls", f.inventory.calls())
	}

	applied, reverted := f.inventory.batches[0], f.inventory.batches[1]
	if len(applied) != len(reverted) {
		t.Fatalf("compensation size mismatch: %+v vs %+v", applied, reverted)
	}
	for i := range applied {
		if reverted[i].ItemID != applied[i].ItemID || reverted[i].CountDelta != -applied[i].CountDelta {
			t.Fatalf("compensation is not the negation: applied %+v, reverted %+v", applied[i], reverted[i])
		}
	}
	if reverted[0].CountDelta != 2 {
		t.Fatalf("expected +2 re-applied, got %v", reverted[0].CountDelta)
	}

	if got := lastEventType(t, f.outbox); got != string(kafka.EventTypeSaleCompensated) {
		t.Fatalf("unexpected event type %s", got)
	}
}

func TestCreateSale_ServiceOnlyMakesNoInventoryCall(t *testing.T) {
	f := newFixture()
	f.receipts.err = errors.New("report unavailable")

	sale := commoditySale(domain.LineItem{ID: 9, Name: "Delivery", Type: domain.ItemTypeService, Quantity: 1, Price: 5000})
	result, err := f.orchestrator().CreateSale(context.Background(), sale)

	if err == nil {
		t.Fatal("expected persistence error")
	}
	if f.inventory.calls() != 0 {
		t.Fatalf("SERVICE items must not touch inventory, got %d calls", f.inventory.calls())
	}
	if !result.Plan.Empty() {
		t.Fatalf("expected no compensation plan, got %+v", result.Plan)
	}
	if result.Outcome != domain.SagaAborted {
		t.Fatalf("expected aborted, got %s", result.Outcome)
	}
}

func TestCreateSale_MixedItemsCompensatesOnlyCommodity(t *testing.T) {
	f := newFixture()
	f.receipts.err = errors.New("report unavailable")

	sale := commoditySale(
		domain.LineItem{ID: 1, Type: domain.ItemTypeCommodity, Quantity: 1.5, Price: 2000},
		domain.LineItem{ID: 2, Type: domain.ItemTypeService, Quantity: 1, Price: 100},
		domain.LineItem{ID: 3, Type: domain.ItemTypeCommodity, Quantity: 4, Price: 50},
	)
	result, _ := f.orchestrator().CreateSale(context.Background(), sale)

	want := []domain.InventoryDelta{{ItemID: 1, CountDelta: 1.5}, {ItemID: 3, CountDelta: 4}}
	got := result.Plan.Deltas()
	if len(got) != len(want) {
		t.Fatalf("expected %d compensation steps, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestCreateSale_NoOpenShift(t *testing.T) {
	f := newFixture()
	f.shifts.err = errors.Join(domain.ErrNotFound, &domain.RemoteServiceError{
		Service:    "report",
		StatusCode: 404,
		Body:       []byte(`{"message":"No shifts are opened"}`),
	})

	result, err := f.orchestrator().CreateSale(context.Background(), commoditySale())

	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if remote, ok := domain.AsRemoteServiceError(err); !ok || remote.StatusCode != 404 {
		t.Fatalf("remote error must be forwarded untouched, got %v", err)
	}
	if f.inventory.calls() != 0 || len(f.receipts.docs) != 0 {
		t.Fatal("no mutation calls expected")
	}
	if result.Outcome != domain.SagaAborted || result.FailedStep != domain.SagaStepVerifyShift {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := lastEventType(t, f.outbox); got != string(kafka.EventTypeSaleAborted) {
		t.Fatalf("unexpected event type %s", got)
	}
}

func TestCreateSale_SeveralOpenShifts(t *testing.T) {
	f := newFixture()
	f.shifts.err = errors.Join(domain.ErrConflict, &domain.RemoteServiceError{Service: "report", StatusCode: 400})

	_, err := f.orchestrator().CreateSale(context.Background(), commoditySale())

	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if f.inventory.calls() != 0 {
		t.Fatal("no mutation calls expected")
	}
}

func TestCreateSale_ShiftOpenedByAnotherSeller(t *testing.T) {
	f := newFixture()
	f.shifts.shift.Seller.ID = 42

	_, err := f.orchestrator().CreateSale(context.Background(), commoditySale())

	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if f.inventory.calls() != 0 || len(f.receipts.docs) != 0 {
		t.Fatal("no mutation calls expected")
	}
}

func TestCreateSale_OwnerLookupFailureIsForwarded(t *testing.T) {
	f := newFixture()
	delete(f.accounts.users, testOwnerID)

	result, err := f.orchestrator().CreateSale(context.Background(), commoditySale())

	remote, ok := domain.AsRemoteServiceError(err)
	if !ok || remote.Service != "account" || remote.StatusCode != 404 {
		t.Fatalf("expected forwarded account error, got %v", err)
	}
	if result.FailedStep != domain.SagaStepResolveShop {
		t.Fatalf("unexpected failed step %s", result.FailedStep)
	}
	if f.inventory.calls() != 0 {
		t.Fatal("inventory must not be touched")
	}
}

func TestCreateSale_InventoryFailureAbortsWithoutCompensation(t *testing.T) {
	f := newFixture()
	invErr := &domain.RemoteServiceError{Service: "inventory", StatusCode: 400, Body: []byte(`{"message":"Not enough items"}`)}
	f.inventory.errs = []error{invErr}

	result, err := f.orchestrator().CreateSale(context.Background(), commoditySale())

	if !errors.Is(err, invErr) {
		t.Fatalf("expected inventory error, got %v", err)
	}
	if result.Outcome != domain.SagaAborted || result.FailedStep != domain.SagaStepInventory {
		t.Fatalf("unexpected result: %+v", result)
	}
	if f.inventory.calls() != 1 {
		t.Fatalf("expected no compensation call, got %d calls", f.inventory.calls())
	}
	if len(f.receipts.docs) != 0 {
		t.Fatal("receipt must not be persisted")
	}
}

func TestCreateSale_UncompensatedFailureRecordsDiscrepancy(t *testing.T) {
	f := newFixture()
	persistErr := errors.New("report: 503")
	compErr := domain.NewTransportError("inventory PUT /item/update_counts", errors.New("connection refused"))
	f.receipts.err = persistErr
	f.inventory.errs = []error{nil, compErr}

	registry := prometheus.NewRegistry()
	result, err := f.orchestrator(WithMetrics(metrics.NewSagaMetrics(registry))).
		CreateSale(context.Background(), commoditySale())

	if !errors.Is(err, persistErr) || errors.Is(err, domain.ErrTransport) {
		t.Fatalf("the persistence error must be surfaced, got %v", err)
	}
	if result.Outcome != domain.SagaUncompensatedFailure {
		t.Fatalf("expected uncompensated failure, got %s", result.Outcome)
	}
	if !errors.Is(result.CompensationErr, domain.ErrTransport) {
		t.Fatalf("compensation error not kept: %v", result.CompensationErr)
	}
	if f.inventory.calls() != 2 {
		t.Fatalf("compensation must not be retried, got %d inventory calls", f.inventory.calls())
	}

	entries, _ := f.discrepancies.ListByShop(context.Background(), testShopID, 10)
	if len(entries) != 1 {
		t.Fatalf("expected one discrepancy, got %d", len(entries))
	}
	if entries[0].SagaID != result.SagaID || entries[0].Deltas[0].CountDelta != 2 {
		t.Fatalf("unexpected discrepancy: %+v", entries[0])
	}

	if got := lastEventType(t, f.outbox); got != string(kafka.EventTypeSaleCompensationFailed) {
		t.Fatalf("unexpected event type %s", got)
	}
	var event kafka.SaleEvent
	if err := json.Unmarshal(f.outbox.Events()[0].Payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.CompensationError == "" {
		t.Fatal("compensation error missing from the event")
	}

	if got := gatheredValue(t, registry, "ostrich_inventory_discrepancies_total"); got != 1 {
		t.Fatalf("expected discrepancy metric 1, got %v", got)
	}
}

func TestCreateSale_CompensationRunsAfterCallerCancel(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.receipts.err = context.Canceled
	f.receipts.before = cancel

	result, err := f.orchestrator().CreateSale(ctx, commoditySale())

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the persistence error, got %v", err)
	}
	if f.inventory.calls() != 2 {
		t.Fatalf("compensation must run despite cancellation, got %d calls", f.inventory.calls())
	}
	if f.inventory.ctxErrs[1] != nil {
		t.Fatalf("compensation ran on a canceled context: %v", f.inventory.ctxErrs[1])
	}
	if result.Outcome != domain.SagaCompensatedFailure {
		t.Fatalf("expected compensated failure, got %s", result.Outcome)
	}
	if len(f.outbox.Events()) != 1 {
		t.Fatal("sale event must be stored even after cancellation")
	}
}

func TestCreateSale_ValidationFailsBeforeAnyCall(t *testing.T) {
	f := newFixture()
	sale := commoditySale()
	sale.Payment = "BARTER"

	result, err := f.orchestrator().CreateSale(context.Background(), sale)

	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(f.accounts.calls) != 0 || f.inventory.calls() != 0 {
		t.Fatal("no remote calls expected for an invalid request")
	}
	if result.SagaID != "" || len(f.outbox.Events()) != 0 {
		t.Fatal("invalid request must not start a saga")
	}
}

func TestCreateSale_Timeout(t *testing.T) {
	f := newFixture()
	orch := f.orchestrator(WithTimeout(10 * time.Millisecond))
	orch.deps.Receipts = &deadlineReceipts{}

	_, err := orch.CreateSale(context.Background(), commoditySale())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if f.inventory.calls() != 2 {
		t.Fatalf("expected compensation after timeout, got %d calls", f.inventory.calls())
	}
}

// deadlineReceipts ждёт истечения контекста саги.
type deadlineReceipts struct{}

func (deadlineReceipts) CreateReceipt(ctx context.Context, _, _ int64, _ domain.ReceiptDocument) (domain.ReceiptRecord, error) {
	<-ctx.Done()
	return domain.ReceiptRecord{}, ctx.Err()
}

func gatheredValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		var total float64
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
