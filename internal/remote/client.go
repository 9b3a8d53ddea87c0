// Package remote содержит HTTP-клиенты к сервисам аккаунтов, магазинов, товаров и отчётов.
//
// Клиенты не повторяют запросы: любой неожиданный статус превращается в
// *domain.RemoteServiceError с исходным телом ответа, сетевой сбой — в TransportError.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ostrich_remote_request_duration_seconds",
	Help:    "Duration of requests to upstream services",
	Buckets: prometheus.DefBuckets,
}, []string{"service", "method", "code"})

type authorizationKey struct{}

// WithAuthorization кладёт заголовок Authorization входящего запроса в контекст,
// чтобы клиенты пробросили его в upstream.
func WithAuthorization(ctx context.Context, header string) context.Context {
	if header == "" {
		return ctx
	}
	return context.WithValue(ctx, authorizationKey{}, header)
}

func authorizationFrom(ctx context.Context) string {
	header, _ := ctx.Value(authorizationKey{}).(string)
	return header
}

// Result — ответ upstream: статус, сырое тело и разобранный JSON.
type Result struct {
	StatusCode int
	Raw        []byte
	Object     any
}

// Decode разбирает сырое тело в v.
func (r Result) Decode(v any) error {
	if len(r.Raw) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Raw, v)
}

// Client выполняет JSON-запросы к одному сервису.
type Client struct {
	service    string
	baseURL    string
	httpClient *http.Client
	logger     *log.Entry
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет http.Client (в тестах — клиент httptest-сервера).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger задаёт логгер клиента.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout задаёт таймаут одного запроса.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient создаёт клиента сервиса service с базовым адресом baseURL.
func NewClient(service, baseURL string, opts ...Option) *Client {
	c := &Client{
		service:    service,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     log.WithField("component", "remote").WithField("service", service),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do выполняет запрос и возвращает Result. Ошибка возвращается только при сетевом сбое;
// проверка статуса — забота вызывающего (см. Expect).
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (Result, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Result{}, fmt.Errorf("%w: encode %s request: %v", domain.ErrValidation, c.service, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return Result{}, fmt.Errorf("build %s request: %w", c.service, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth := authorizationFrom(ctx); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestDuration.WithLabelValues(c.service, method, "error").Observe(time.Since(started).Seconds())
		c.logger.WithError(err).WithField("method", method).WithField("path", path).Warn("upstream request failed")
		return Result{}, domain.NewTransportError(c.service+" "+method+" "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	requestDuration.WithLabelValues(c.service, method, strconv.Itoa(resp.StatusCode)).Observe(time.Since(started).Seconds())
	if err != nil {
		return Result{}, domain.NewTransportError(c.service+" read body", err)
	}

	result := Result{StatusCode: resp.StatusCode, Raw: raw}
	if len(raw) > 0 {
		var obj any
		if json.Unmarshal(raw, &obj) == nil {
			result.Object = obj
		}
	}
	return result, nil
}

// Expect возвращает RemoteServiceError, если статус ответа не равен want.
func (c *Client) Expect(result Result, want int) error {
	if result.StatusCode == want {
		return nil
	}
	return &domain.RemoteServiceError{
		Service:    c.service,
		StatusCode: result.StatusCode,
		Body:       result.Raw,
	}
}

// call выполняет Do, Expect и декодирует ответ в out, если out != nil.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, want int, out any) error {
	result, err := c.Do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if err := c.Expect(result, want); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrRemoteService, c.service, err)
	}
	return nil
}
