// Package httpapi — HTTP API gateway: продажа через сагу, постановка писем в очередь,
// logout и журнал расхождений остатков.
package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vladislavdragonenkov/ostrich/internal/auth"
	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultRateLimitRPS   = 20
	defaultRateLimitBurst = 40
)

// SaleCreator проводит продажу (реализуется saga.Orchestrator).
type SaleCreator interface {
	CreateSale(ctx context.Context, req domain.SaleRequest) (domain.SagaResult, error)
}

// NotificationTrigger ставит письма с чеком или Z-отчётом в очередь.
type NotificationTrigger interface {
	SendReceipt(ctx context.Context, shopID int64, receiptID, email string) error
	SendReport(ctx context.Context, shopID, fiscalNumber int64, email string) error
}

// Authenticator проверяет и отзывает токены (реализуется auth.Manager).
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Claims, error)
	Revoke(ctx context.Context, claims *auth.Claims) error
}

// Dependencies — сервисы, которые использует API. Idempotency может быть nil:
// тогда заголовок Idempotency-Key игнорируется.
type Dependencies struct {
	Sales         SaleCreator
	Notifications NotificationTrigger
	Discrepancies domain.DiscrepancyRepository
	Idempotency   domain.IdempotencyRepository
	Auth          Authenticator
}

// Options задаёт параметры роутера.
type Options struct {
	Logger         *log.Entry
	Tracer         trace.Tracer
	IdempotencyTTL time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// Option настраивает роутер.
type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(opts *Options) { opts.Tracer = tracer }
}

func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(opts *Options) { opts.IdempotencyTTL = ttl }
}

// WithRateLimit ограничивает постановку писем в очередь на пользователя.
func WithRateLimit(rps float64, burst int) Option {
	return func(opts *Options) {
		opts.RateLimitRPS = rps
		opts.RateLimitBurst = burst
	}
}

type handlers struct {
	sales          SaleCreator
	notifications  NotificationTrigger
	discrepancies  domain.DiscrepancyRepository
	idempotency    domain.IdempotencyRepository
	auth           Authenticator
	logger         *log.Entry
	idempotencyTTL time.Duration
}

// NewRouter собирает gin.Engine со всеми маршрутами API.
func NewRouter(deps Dependencies, options ...Option) *gin.Engine {
	opts := Options{
		IdempotencyTTL: defaultIdempotencyTTL,
		RateLimitRPS:   defaultRateLimitRPS,
		RateLimitBurst: defaultRateLimitBurst,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "http-api")
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("httpapi")
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}
	if opts.RateLimitRPS <= 0 || opts.RateLimitBurst <= 0 {
		opts.RateLimitRPS = defaultRateLimitRPS
		opts.RateLimitBurst = defaultRateLimitBurst
	}

	h := &handlers{
		sales:          deps.Sales,
		notifications:  deps.Notifications,
		discrepancies:  deps.Discrepancies,
		idempotency:    deps.Idempotency,
		auth:           deps.Auth,
		logger:         opts.Logger,
		idempotencyTTL: opts.IdempotencyTTL,
	}
	limiter := newRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, opts.Logger)

	router := gin.New()
	router.Use(recovery(opts.Logger), tracing(opts.Tracer), requestLogger(opts.Logger))

	authorized := router.Group("/", authenticate(deps.Auth, opts.Logger))
	authorized.POST("/logout", h.logout)

	staff := authorized.Group("/shop/:shop_id", requireStaff(false))
	staff.POST("/receipt", h.createReceipt)
	staff.POST("/receipt/:id/send_email", limiter.middleware(), h.sendReceipt)
	staff.POST("/report/:fn/send_email", limiter.middleware(), h.sendReport)

	owner := authorized.Group("/shop/:shop_id", requireStaff(true))
	owner.GET("/discrepancies", h.listDiscrepancies)

	return router
}
