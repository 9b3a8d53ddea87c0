package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const (
	defaultDiscrepancyLimit = 50
	maxDiscrepancyLimit     = 500
)

type discrepanciesResponse struct {
	Items []domain.Discrepancy `json:"items"`
	Count int                  `json:"count"`
}

// listDiscrepancies — GET /shop/:shop_id/discrepancies?limit=: продажи, после которых
// остатки не удалось вернуть. Только для владельца.
func (h *handlers) listDiscrepancies(c *gin.Context) {
	limit := defaultDiscrepancyLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			messageReply(http.StatusUnprocessableEntity, "limit must be a positive integer").write(c)
			return
		}
		limit = min(parsed, maxDiscrepancyLimit)
	}

	items, err := h.discrepancies.ListByShop(c.Request.Context(), shopIDFrom(c), limit)
	if err != nil {
		_ = c.Error(err)
		h.logger.WithError(err).Error("failed to list discrepancies")
		errorReply(err).write(c)
		return
	}

	if items == nil {
		items = []domain.Discrepancy{}
	}
	jsonReply(http.StatusOK, discrepanciesResponse{Items: items, Count: len(items)}).write(c)
}
