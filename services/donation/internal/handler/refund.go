package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/middleware"
	"example.com/campaign-payments/services/donation/internal/refund"
)

// maxBulkRefunds — предел размера пакетного запроса.
const maxBulkRefunds = 500

// RefundHandler — возвраты средств.
type RefundHandler struct {
	service RefundService
}

// NewRefundHandler создаёт обработчик возвратов.
func NewRefundHandler(service RefundService) *RefundHandler {
	return &RefundHandler{service: service}
}

// RefundResponse — возврат в ответе.
type RefundResponse struct {
	ID            string  `json:"id"`
	DonationID    string  `json:"donation_id"`
	TransactionID string  `json:"transaction_id"`
	ExternalID    string  `json:"external_id,omitempty"`
	Amount        int64   `json:"amount"`
	Reason        string  `json:"reason"`
	Status        string  `json:"status"`
	FailureReason *string `json:"failure_reason,omitempty"`
	CreatedAt     int64   `json:"created_at"`
}

func toRefundResponse(r *domain.Refund) RefundResponse {
	return RefundResponse{
		ID:            r.ID,
		DonationID:    r.DonationID,
		TransactionID: r.TransactionID,
		ExternalID:    r.ExternalID,
		Amount:        r.Amount,
		Reason:        string(r.Reason),
		Status:        string(r.Status),
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt.Unix(),
	}
}

// BulkRefundRequest — тело пакетного возврата.
type BulkRefundRequest struct {
	Requests []refund.Request `json:"requests"`
}

// BulkRefundItem — результат одного возврата пакета.
type BulkRefundItem struct {
	TransactionID string          `json:"transaction_id"`
	Success       bool            `json:"success"`
	Refund        *RefundResponse `json:"refund,omitempty"`
	Error         string          `json:"error,omitempty"`
	Code          string          `json:"code,omitempty"`
}

// BulkRefundResponse — итог пакетного возврата.
type BulkRefundResponse struct {
	Success   bool             `json:"success"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Items     []BulkRefundItem `json:"items"`
}

// CreateRefund — POST /api/v1/refunds
func (h *RefundHandler) CreateRefund(c *gin.Context) {
	ctx := c.Request.Context()

	var req refund.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "невалидное тело запроса")
		return
	}

	r, err := h.service.Refund(ctx, req)
	if err != nil {
		writeError(c, err, "CreateRefund")
		return
	}

	if claims, ok := middleware.Claims(c); ok {
		logger.Ctx(ctx).Info().
			Str("operator_id", claims.OperatorID).
			Str("refund_id", r.ID).
			Str("transaction_id", r.TransactionID).
			Int64("amount", r.Amount).
			Msg("Оператор инициировал возврат")
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "refund": toRefundResponse(r)})
}

// BulkRefund — POST /api/v1/refunds/bulk. Частичный успех возвращается со статусом 200.
func (h *RefundHandler) BulkRefund(c *gin.Context) {
	var req BulkRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "невалидное тело запроса")
		return
	}
	if len(req.Requests) == 0 || len(req.Requests) > maxBulkRefunds {
		badRequest(c, "requests должен содержать от 1 до 500 элементов")
		return
	}

	result := h.service.BulkRefund(c.Request.Context(), req.Requests)

	resp := BulkRefundResponse{
		Success:   result.Failed == 0,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Items:     make([]BulkRefundItem, 0, len(result.Items)),
	}
	for _, item := range result.Items {
		out := BulkRefundItem{TransactionID: item.Request.TransactionID, Error: item.Error, Code: item.Code}
		if item.Refund != nil && item.Err == nil {
			rr := toRefundResponse(item.Refund)
			out.Refund = &rr
			out.Success = true
		}
		resp.Items = append(resp.Items, out)
	}
	c.JSON(http.StatusOK, resp)
}
