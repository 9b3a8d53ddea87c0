// Package health отдаёт состояние процесса и его зависимостей (брокер, Redis, PostgreSQL).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Result struct {
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Report отдаётся на /healthz.
type Report struct {
	Status        Status            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]Result `json:"checks,omitempty"`
}

// Probe — проверка зависимости. Сбой Optional-проверки даёт degraded, а не unhealthy.
type Probe struct {
	Name     string
	Ping     func(ctx context.Context) error
	Optional bool
}

func (p Probe) run(ctx context.Context) Result {
	started := time.Now()
	err := p.Ping(ctx)
	res := Result{Status: StatusHealthy, LatencyMs: time.Since(started).Milliseconds()}
	if err == nil {
		return res
	}
	res.Error = err.Error()
	res.Status = StatusUnhealthy
	if p.Optional {
		res.Status = StatusDegraded
	}
	return res
}

type Handler struct {
	mu      sync.RWMutex
	probes  []Probe
	version string
	started time.Time
	timeout time.Duration
}

func NewHandler(version string) *Handler {
	return &Handler{version: version, started: time.Now(), timeout: 2 * time.Second}
}

// Register добавляет проверку; проверка с тем же именем заменяется.
func (h *Handler) Register(p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = slices.DeleteFunc(h.probes, func(existing Probe) bool { return existing.Name == p.Name })
	h.probes = append(h.probes, p)
}

// Require регистрирует критичную проверку: её сбой снимает готовность.
func (h *Handler) Require(name string, ping func(ctx context.Context) error) {
	h.Register(Probe{Name: name, Ping: ping})
}

func (h *Handler) Optional(name string, ping func(ctx context.Context) error) {
	h.Register(Probe{Name: name, Ping: ping, Optional: true})
}

// Evaluate запускает все проверки параллельно с общим таймаутом.
func (h *Handler) Evaluate(ctx context.Context) Report {
	h.mu.RLock()
	probes := slices.Clone(h.probes)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Result, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.run(ctx)
		}()
	}
	wg.Wait()

	report := Report{
		Status:        StatusHealthy,
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Checks:        make(map[string]Result, len(probes)),
	}
	for i, p := range probes {
		report.Checks[p.Name] = results[i]
		if severity(results[i].Status) > severity(report.Status) {
			report.Status = results[i].Status
		}
	}
	return report
}

func severity(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

// ServeHTTP отдаёт отчёт; 503 только при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Evaluate(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(report.Status))
	_ = json.NewEncoder(w).Encode(report)
}

// Ready отвечает на readiness probe.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Evaluate(r.Context()).Status == StatusUnhealthy {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// Live отвечает 200, пока процесс обслуживает HTTP.
func Live(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
