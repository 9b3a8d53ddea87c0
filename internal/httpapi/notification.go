package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

var notificationQueued = messageResponse{Message: "Notification sent to RabbitMQ"}

// sendReceipt — POST /shop/:shop_id/receipt/:id/send_email?email=
func (h *handlers) sendReceipt(c *gin.Context) {
	receiptID := strings.TrimSpace(c.Param("id"))
	if receiptID == "" {
		messageReply(http.StatusNotFound, "Receipt not found.").write(c)
		return
	}

	if err := h.notifications.SendReceipt(c.Request.Context(), shopIDFrom(c), receiptID, c.Query("email")); err != nil {
		h.notificationFailed(c, err)
		return
	}
	jsonReply(http.StatusOK, notificationQueued).write(c)
}

// sendReport — POST /shop/:shop_id/report/:fn/send_email?email=
func (h *handlers) sendReport(c *gin.Context) {
	fn, err := strconv.ParseInt(c.Param("fn"), 10, 64)
	if err != nil || fn <= 0 {
		messageReply(http.StatusNotFound, "Report not found.").write(c)
		return
	}

	if err := h.notifications.SendReport(c.Request.Context(), shopIDFrom(c), fn, c.Query("email")); err != nil {
		h.notificationFailed(c, err)
		return
	}
	jsonReply(http.StatusOK, notificationQueued).write(c)
}

func (h *handlers) notificationFailed(c *gin.Context, err error) {
	_ = c.Error(err)
	if _, remote := domain.AsRemoteServiceError(err); !remote && statusFor(err) >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("shop_id", shopIDFrom(c)).Warn("notification was not queued")
	}
	errorReply(err).write(c)
}
