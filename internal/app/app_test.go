package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vladislavdragonenkov/ostrich/internal/config"
	"github.com/vladislavdragonenkov/ostrich/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ostrich/internal/health"
	"github.com/vladislavdragonenkov/ostrich/internal/storage/memory"
)

func testLogger() *log.Entry {
	return log.WithField("test", "app")
}

func findFreePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestStartMetricsServer_Endpoints(t *testing.T) {
	port := findFreePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler("test")
	down := errors.New("redis: connection refused")
	healthHandler.Require("dedup", func(context.Context) error { return down })
	srv := startMetricsServer(ctx, addr, testLogger(), healthHandler)
	defer shutdownHTTP(srv, testLogger())

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/livez")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	code, body := getBody(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body)

	code, body = getBody(t, base+"/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = getBody(t, base+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body = getBody(t, base+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var resp healthcheck.Report
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, healthcheck.StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks, "dedup")
}

func TestShutdownHTTP_NilServer(t *testing.T) {
	shutdownHTTP(nil, testLogger())
}

func TestInitStorage_MemoryWithoutDSN(t *testing.T) {
	store, err := initStorage(context.Background(), config.PostgresConfig{}, testLogger())
	require.NoError(t, err)
	defer store.close()

	assert.False(t, store.persistent)
	assert.Nil(t, store.ping)
	assert.IsType(t, &memory.OutboxRepository{}, store.outbox)
	assert.NotNil(t, store.idempotency)
	assert.NotNil(t, store.discrepancies)
}

func TestInitDedup_Backends(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name     string
		mutate   func(*config.Config)
		wantPing bool
	}{
		{
			name:   "memory",
			mutate: func(c *config.Config) { c.Dedup.Backend = config.DedupBackendMemory },
		},
		{
			name: "bolt",
			mutate: func(c *config.Config) {
				c.Dedup.Backend = config.DedupBackendBolt
				c.Dedup.BoltPath = filepath.Join(t.TempDir(), "dedup.db")
			},
		},
		{
			name: "redis",
			mutate: func(c *config.Config) {
				c.Dedup.Backend = config.DedupBackendRedis
				c.Redis.Addr = mr.Addr()
			},
			wantPing: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Dedup: config.DedupConfig{Prefix: "test:"}}
			tt.mutate(cfg)

			backend, err := initDedup(context.Background(), cfg, testLogger())
			require.NoError(t, err)
			defer backend.close()

			ctx := context.Background()
			claimed, err := backend.store.Claim(ctx, "receipt:R1", time.Minute)
			require.NoError(t, err)
			assert.True(t, claimed)
			claimed, err = backend.store.Claim(ctx, "receipt:R1", time.Minute)
			require.NoError(t, err)
			assert.False(t, claimed)

			if tt.wantPing {
				require.NotNil(t, backend.ping)
				assert.NoError(t, backend.ping(ctx))
			}
		})
	}
}

func TestInitDedup_Errors(t *testing.T) {
	_, err := initDedup(context.Background(), &config.Config{Dedup: config.DedupConfig{Backend: "etcd"}}, testLogger())
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = initDedup(context.Background(), &config.Config{
		Dedup: config.DedupConfig{Backend: config.DedupBackendRedis},
		Redis: config.RedisConfig{Addr: addr},
	}, testLogger())
	assert.Error(t, err)
}

func TestInitEventProducer(t *testing.T) {
	assert.Nil(t, initEventProducer(config.KafkaConfig{}, testLogger()))

	// недоступный брокер не останавливает gateway
	producer := initEventProducer(config.KafkaConfig{Brokers: []string{fmt.Sprintf("127.0.0.1:%d", findFreePort(t))}}, testLogger())
	assert.Nil(t, producer)
	closeEventProducer(producer, testLogger())
}

// upstream имитирует сервисы аккаунтов, магазинов, товаров и отчётов одним сервером.
type upstream struct {
	receiptStatus int
	// failInventoryFrom — номер PUT-запроса к товарам, начиная с которого сервис отвечает 503; 0 — никогда.
	failInventoryFrom int32
	inventoryCalls    atomic.Int32
}

func (u *upstream) start(t *testing.T) string {
	t.Helper()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": json.Number(r.PathValue("id")), "name": "Seller"})
	})
	mux.HandleFunc("GET /shop/{id}/shift", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "S1", "status": "OPEN", "shop_id": 1, "seller": map[string]any{"id": 7}})
	})
	mux.HandleFunc("GET /shop/{id}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": 1, "name": "Corner", "owner_id": 2})
	})
	mux.HandleFunc("PUT /item/update_counts", func(w http.ResponseWriter, _ *http.Request) {
		call := u.inventoryCalls.Add(1)
		if u.failInventoryFrom > 0 && call >= u.failInventoryFrom {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": "inventory is down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "ok"})
	})
	mux.HandleFunc("POST /shop/{id}/receipt", func(w http.ResponseWriter, _ *http.Request) {
		if u.receiptStatus != http.StatusCreated {
			writeJSON(w, u.receiptStatus, map[string]any{"message": "db down"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"message": "Receipt created.", "id": "R1", "fn": 42})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func servicesAt(t *testing.T, u *upstream) remoteServices {
	t.Helper()
	url := u.start(t)
	return newRemoteServices(config.ServicesConfig{
		AccountURL:   url,
		ShopURL:      url,
		InventoryURL: url,
		ReportURL:    url,
		Timeout:      time.Second,
	}, testLogger())
}

func testSale() domain.SaleRequest {
	return domain.SaleRequest{
		ShopID:    1,
		UserID:    7,
		Items:     []domain.LineItem{{ID: 5, Name: "Milk", Type: domain.ItemTypeCommodity, Quantity: 2, Price: 1000}},
		Payment:   domain.PaymentCash,
		Timestamp: time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC),
	}
}

func TestCreateOrchestrator_JournalsEventsOnlyWhenDelivered(t *testing.T) {
	services := servicesAt(t, &upstream{receiptStatus: http.StatusCreated})

	for _, journal := range []bool{false, true} {
		t.Run(fmt.Sprintf("journal=%t", journal), func(t *testing.T) {
			store, err := initStorage(context.Background(), config.PostgresConfig{}, testLogger())
			require.NoError(t, err)

			orchestrator := createOrchestrator(config.SagaConfig{Timeout: 5 * time.Second}, services, store, journal, testLogger())
			result, err := orchestrator.CreateSale(context.Background(), testSale())
			require.NoError(t, err)
			assert.Equal(t, domain.SagaCommitted, result.Outcome)
			assert.Equal(t, domain.ReceiptRecord{ID: "R1", FiscalNumber: 42}, result.Receipt)

			events := store.outbox.(*memory.OutboxRepository).Events()
			if journal {
				assert.Len(t, events, 1)
			} else {
				assert.Empty(t, events)
			}
		})
	}
}

func TestCreateOrchestrator_FailedCompensationIsJournaled(t *testing.T) {
	up := &upstream{receiptStatus: http.StatusInternalServerError, failInventoryFrom: 2}
	services := servicesAt(t, up)
	store, err := initStorage(context.Background(), config.PostgresConfig{}, testLogger())
	require.NoError(t, err)

	orchestrator := createOrchestrator(config.SagaConfig{CompensationTimeout: time.Second}, services, store, false, testLogger())
	result, err := orchestrator.CreateSale(context.Background(), testSale())

	var remoteErr *domain.RemoteServiceError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "report", remoteErr.Service)
	assert.Equal(t, domain.SagaUncompensatedFailure, result.Outcome)
	assert.EqualValues(t, 2, up.inventoryCalls.Load())

	list, err := store.discrepancies.ListByShop(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, result.SagaID, list[0].SagaID)
	assert.Equal(t, []domain.InventoryDelta{{ItemID: 5, CountDelta: 2}}, list[0].Deltas)
}

func TestWatchHealth_ReflectsCriticalChecks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var connected atomic.Bool
	h := healthcheck.NewHandler("test")
	h.Require("rabbitmq", func(context.Context) error {
		if !connected.Load() {
			return errors.New("disconnected")
		}
		return nil
	})

	server := health.NewServer()
	go watchHealth(ctx, h, server, 10*time.Millisecond)

	servingStatus := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := server.Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	require.Eventually(t, func() bool {
		return servingStatus() == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 5*time.Millisecond)

	connected.Store(true)
	require.Eventually(t, func() bool {
		return servingStatus() == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)
}

func TestNewGRPCServer_RegistersHealthService(t *testing.T) {
	// повторное создание переиспользует уже зарегистрированные метрики
	first, firstHealth := newGRPCServer(testLogger())
	second, secondHealth := newGRPCServer(testLogger())

	assert.Contains(t, first.GetServiceInfo(), healthpb.Health_ServiceDesc.ServiceName)
	assert.Contains(t, second.GetServiceInfo(), healthpb.Health_ServiceDesc.ServiceName)

	stopGRPC(first, firstHealth, testLogger())
	stopGRPC(second, secondHealth, testLogger())
}
