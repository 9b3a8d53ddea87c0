package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const (
	sagaIDHeader      = "X-Saga-Id"
	sagaOutcomeHeader = "X-Saga-Outcome"
)

type saleRequestBody struct {
	Items    []domain.LineItem  `json:"items"`
	Sum      *domain.Money      `json:"sum"`
	Datetime domain.Timestamp   `json:"datetime"`
	SellType domain.PaymentKind `json:"sell_type"`
}

type receiptCreatedResponse struct {
	Message      string `json:"message"`
	ID           string `json:"id"`
	FiscalNumber int64  `json:"fn"`
}

// createReceipt — POST /shop/:shop_id/receipt: продажа через сагу.
func (h *handlers) createReceipt(c *gin.Context) {
	shopID := shopIDFrom(c)
	userID, err := claimsFrom(c).UserID()
	if err != nil {
		messageReply(http.StatusUnauthorized, "Signature verification failed.").write(c)
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		messageReply(http.StatusBadRequest, "Failed to read request body.").write(c)
		return
	}

	req, err := decodeSaleRequest(raw, shopID, userID)
	if err != nil {
		errorReply(err).write(c)
		return
	}

	h.idempotent(c, "create_receipt", raw, func(ctx context.Context) reply {
		result, err := h.sales.CreateSale(ctx, req)
		if result.SagaID != "" {
			c.Header(sagaIDHeader, result.SagaID)
		}
		if result.Outcome != "" {
			c.Header(sagaOutcomeHeader, string(result.Outcome))
		}
		if err != nil {
			if result.Outcome == domain.SagaUncompensatedFailure {
				h.logger.WithFields(log.Fields{
					"saga_id": result.SagaID,
					"shop_id": shopID,
				}).Error("sale failed and inventory was not restored")
			}
			_ = c.Error(err)
			return errorReply(err)
		}

		return jsonReply(http.StatusCreated, receiptCreatedResponse{
			Message:      "Receipt created.",
			ID:           result.Receipt.ID,
			FiscalNumber: result.Receipt.FiscalNumber,
		})
	})
}

func decodeSaleRequest(raw []byte, shopID, userID int64) (domain.SaleRequest, error) {
	var body saleRequestBody
	if err := binding.JSON.BindBody(raw, &body); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return domain.SaleRequest{}, err
		}
		return domain.SaleRequest{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	req := domain.SaleRequest{
		ShopID:    shopID,
		UserID:    userID,
		Items:     body.Items,
		Payment:   body.SellType,
		Timestamp: body.Datetime.Time,
	}
	if body.Sum != nil {
		req.DeclaredSum = *body.Sum
	}
	return req, req.Validate()
}
