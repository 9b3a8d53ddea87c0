package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
)

// idempotent выполняет run не более одного раза на пару (пользователь, Idempotency-Key).
// Повтор с тем же телом получает сохранённый ответ, с другим телом или пока
// первый запрос не завершён — 409.
func (h *handlers) idempotent(c *gin.Context, scope string, raw []byte, run func(context.Context) reply) {
	key := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
	if key == "" || h.idempotency == nil {
		run(c.Request.Context()).write(c)
		return
	}
	if len(key) > maxIdempotencyKeyLen {
		messageReply(http.StatusBadRequest, "Idempotency-Key is too long.").write(c)
		return
	}

	ctx := c.Request.Context()
	claims := claimsFrom(c)
	storeKey := "user:" + claims.Subject + ":" + key
	entry := h.logger.WithFields(log.Fields{
		"idempotency_key": key,
		"user_id":         claims.Subject,
	})

	record, err := h.idempotency.CreateProcessing(ctx, storeKey, requestHash(scope, shopIDFrom(c), raw), time.Now().UTC().Add(h.idempotencyTTL))
	if err != nil {
		h.replay(c, entry, record, err)
		return
	}

	resp := run(ctx)

	// ответ сохраняется, даже если клиент уже отключился
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if resp.status < http.StatusBadRequest {
		err = h.idempotency.MarkDone(storeCtx, storeKey, resp.body, resp.status)
	} else {
		err = h.idempotency.MarkFailed(storeCtx, storeKey, resp.body, resp.status)
	}
	if err != nil {
		entry.WithError(err).Warn("failed to store idempotent response")
	}

	resp.write(c)
}

func (h *handlers) replay(c *gin.Context, entry *log.Entry, record domain.IdempotencyRecord, createErr error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		messageReply(http.StatusConflict, "Idempotency-Key is already used with a different request.").write(c)
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		if !record.Replayable() {
			messageReply(http.StatusConflict, "A request with this Idempotency-Key is still being processed.").write(c)
			return
		}
		entry.WithField("status", record.HTTPStatus).Info("replaying stored response")
		c.Header(replayedHeader, "true")
		reply{status: record.HTTPStatus, body: record.ResponseBody}.write(c)
	default:
		entry.WithError(createErr).Error("failed to create idempotency record")
		messageReply(http.StatusInternalServerError, msgInternal).write(c)
	}
}

// requestHash связывает ключ с операцией, магазином и телом запроса.
func requestHash(scope string, shopID int64, raw []byte) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.FormatInt(shopID, 10)))
	h.Write([]byte{':'})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}
