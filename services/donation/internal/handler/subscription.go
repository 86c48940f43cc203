package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/campaign-payments/services/donation/internal/domain"
)

// SubscriptionHandler — операторское управление регулярными пожертвованиями.
type SubscriptionHandler struct {
	service SubscriptionService
}

// NewSubscriptionHandler создаёт обработчик подписок.
func NewSubscriptionHandler(service SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{service: service}
}

// SubscriptionResponse — подписка в ответе.
type SubscriptionResponse struct {
	ID             string  `json:"id"`
	FundraiserID   string  `json:"fundraiser_id"`
	Status         string  `json:"status"`
	Amount         int64   `json:"amount"`
	Currency       string  `json:"currency"`
	Interval       string  `json:"interval"`
	IntervalCount  int     `json:"interval_count"`
	GatewayManaged bool    `json:"gateway_managed"`
	NextRunAt      int64   `json:"next_run_at"`
	EndsAt         int64   `json:"ends_at,omitempty"`
	PaymentsMade   int     `json:"payments_made"`
	FailureCount   int     `json:"failure_count"`
	LastFailure    *string `json:"last_failure,omitempty"`
	PausedAt       int64   `json:"paused_at,omitempty"`
	CanceledAt     int64   `json:"canceled_at,omitempty"`
	CancelReason   *string `json:"cancel_reason,omitempty"`
}

func toSubscriptionResponse(s *domain.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:             s.ID,
		FundraiserID:   s.FundraiserID,
		Status:         string(s.Status),
		Amount:         s.Amount,
		Currency:       s.Currency,
		Interval:       string(s.Interval),
		IntervalCount:  s.IntervalCount,
		GatewayManaged: s.IsExternal(),
		NextRunAt:      s.NextRunAt.Unix(),
		EndsAt:         unixOrZero(s.EndsAt),
		PaymentsMade:   s.PaymentsMade,
		FailureCount:   s.FailureCount,
		LastFailure:    s.LastFailure,
		PausedAt:       unixOrZero(s.PausedAt),
		CanceledAt:     unixOrZero(s.CanceledAt),
		CancelReason:   s.CancelReason,
	}
}

type cancelSubscriptionRequest struct {
	Reason string `json:"reason"`
}

type updateAmountRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

func (h *SubscriptionHandler) respond(c *gin.Context, sub *domain.Subscription, err error, method string) {
	if err != nil {
		writeError(c, err, method)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": toSubscriptionResponse(sub)})
}

// GetSubscription — GET /api/v1/subscriptions/:id
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	sub, err := h.service.Get(c.Request.Context(), c.Param("id"))
	h.respond(c, sub, err, "GetSubscription")
}

// Pause — POST /api/v1/subscriptions/:id/pause
func (h *SubscriptionHandler) Pause(c *gin.Context) {
	sub, err := h.service.Pause(c.Request.Context(), c.Param("id"))
	h.respond(c, sub, err, "PauseSubscription")
}

// Resume — POST /api/v1/subscriptions/:id/resume
func (h *SubscriptionHandler) Resume(c *gin.Context) {
	sub, err := h.service.Resume(c.Request.Context(), c.Param("id"))
	h.respond(c, sub, err, "ResumeSubscription")
}

// Cancel — POST /api/v1/subscriptions/:id/cancel. Тело с причиной необязательно.
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	var req cancelSubscriptionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "невалидное тело запроса")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "canceled by operator"
	}
	sub, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	h.respond(c, sub, err, "CancelSubscription")
}

// UpdateAmount — PATCH /api/v1/subscriptions/:id
func (h *SubscriptionHandler) UpdateAmount(c *gin.Context) {
	var req updateAmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "требуется поле amount")
		return
	}
	sub, err := h.service.UpdateAmount(c.Request.Context(), c.Param("id"), req.Amount)
	h.respond(c, sub, err, "UpdateSubscriptionAmount")
}
