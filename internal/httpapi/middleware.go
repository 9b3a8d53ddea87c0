package httpapi

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/ostrich/internal/auth"
	"github.com/vladislavdragonenkov/ostrich/internal/remote"
)

const (
	bearerPrefix = "Bearer "

	claimsKey = "auth_claims"
	shopIDKey = "shop_id"
)

// requestLogger пишет одну строку на запрос; уровень зависит от статуса ответа.
func requestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(log.Fields{
			"status":  status,
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"ip":      c.ClientIP(),
			"latency": time.Since(start),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Info("request completed")
		}
	}
}

func recovery(logger *log.Entry) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.WithFields(log.Fields{
			"error":  recovered,
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
			"stack":  string(debug.Stack()),
		}).Error("panic recovered")
		abortWith(c, messageReply(http.StatusInternalServerError, msgInternal))
	})
}

// tracing открывает серверный span, продолжая trace из заголовков traceparent/baggage.
func tracing(tracer trace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Request.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// authenticate проверяет Bearer-токен и отзыв по blocklist. Заголовок Authorization
// пробрасывается в удалённые сервисы через context.
func authenticate(authenticator Authenticator, logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, bearerPrefix)
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			abortWith(c, messageReply(http.StatusUnauthorized, "Request does not contain an access token."))
			return
		}

		claims, err := authenticator.Authenticate(c.Request.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrTokenRevoked):
			abortWith(c, messageReply(http.StatusUnauthorized, "The token has been revoked."))
			return
		case errors.Is(err, jwt.ErrTokenExpired):
			abortWith(c, messageReply(http.StatusUnauthorized, "The token has expired."))
			return
		case errors.Is(err, auth.ErrInvalidToken):
			abortWith(c, messageReply(http.StatusUnauthorized, "Signature verification failed."))
			return
		default:
			logger.WithError(err).Error("token blocklist is unavailable")
			abortWith(c, messageReply(http.StatusServiceUnavailable, msgInternal))
			return
		}

		c.Set(claimsKey, claims)
		c.Request = c.Request.WithContext(remote.WithAuthorization(c.Request.Context(), header))
		c.Next()
	}
}

// requireStaff пропускает только сотрудников магазина из пути; ownerOnly
// дополнительно требует владельца.
func requireStaff(ownerOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		shopID, err := strconv.ParseInt(c.Param("shop_id"), 10, 64)
		if err != nil || shopID <= 0 {
			abortWith(c, messageReply(http.StatusNotFound, "Shop not found."))
			return
		}

		claims := claimsFrom(c)
		switch {
		case claims == nil || !claims.IsStaff(shopID):
			abortWith(c, messageReply(http.StatusUnauthorized, "Should belong to the shop staff."))
			return
		case ownerOnly && !claims.IsShopOwner(shopID):
			abortWith(c, messageReply(http.StatusUnauthorized, "Should be the shop owner."))
			return
		}

		c.Set(shopIDKey, shopID)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *auth.Claims {
	value, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := value.(*auth.Claims)
	return claims
}

// rateLimiter ограничивает частоту запросов на пользователя (или IP без токена).
type rateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	logger   *log.Entry
}

func newRateLimiter(rps float64, burst int, logger *log.Entry) *rateLimiter {
	return &rateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

func (l *rateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

func (l *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if claims := claimsFrom(c); claims != nil {
			key = "user:" + claims.Subject
		}

		if !l.limiter(key).Allow() {
			l.logger.WithFields(log.Fields{
				"key":  key,
				"path": c.FullPath(),
			}).Warn("rate limit exceeded")
			abortWith(c, messageReply(http.StatusTooManyRequests, "Too many requests"))
			return
		}
		c.Next()
	}
}

func shopIDFrom(c *gin.Context) int64 {
	return c.GetInt64(shopIDKey)
}
