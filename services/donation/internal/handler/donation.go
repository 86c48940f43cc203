package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/services/donation/internal/domain"
)

// HeaderIdempotencyKey — ключ идемпотентности запроса на пожертвование.
const HeaderIdempotencyKey = "Idempotency-Key"

// DonationHandler — обработчик пожертвований.
type DonationHandler struct {
	service DonationService
}

// NewDonationHandler создаёт обработчик пожертвований.
func NewDonationHandler(service DonationService) *DonationHandler {
	return &DonationHandler{service: service}
}

// === Response DTOs ===

// DonationResponse — пожертвование в ответе. Данные донора не возвращаются.
type DonationResponse struct {
	ID              string   `json:"id"`
	FundraiserID    string   `json:"fundraiser_id"`
	Status          string   `json:"status"`
	Amount          int64    `json:"amount"`
	Currency        string   `json:"currency"`
	IsRecurring     bool     `json:"is_recurring"`
	IsAnonymous     bool     `json:"is_anonymous"`
	TransactionID   string   `json:"transaction_id,omitempty"`
	SubscriptionID  string   `json:"subscription_id,omitempty"`
	RefundedAmount  int64    `json:"refunded_amount"`
	ComplianceFlags []string `json:"compliance_flags"`
	FailureReason   *string  `json:"failure_reason,omitempty"`
	FailedStep      *string  `json:"failed_step,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// CreateDonationResponse — ответ на создание пожертвования.
type CreateDonationResponse struct {
	Success      bool                  `json:"success"`
	Donation     DonationResponse      `json:"donation"`
	Subscription *SubscriptionResponse `json:"subscription,omitempty"`
	Warnings     []string              `json:"warnings,omitempty"`
	Duplicate    bool                  `json:"duplicate,omitempty"`
}

// FailedDonationDetails — пожертвование, сохранённое со статусом failed.
type FailedDonationDetails struct {
	DonationID string `json:"donation_id"`
	Status     string `json:"status"`
	FailedStep string `json:"failed_step,omitempty"`
}

func toDonationResponse(d *domain.Donation) DonationResponse {
	flags := d.ComplianceFlags
	if flags == nil {
		flags = []string{}
	}
	return DonationResponse{
		ID:              d.ID,
		FundraiserID:    d.FundraiserID,
		Status:          string(d.Status),
		Amount:          d.Amount,
		Currency:        d.Currency,
		IsRecurring:     d.IsRecurring,
		IsAnonymous:     d.IsAnonymous,
		TransactionID:   d.TransactionID,
		SubscriptionID:  d.SubscriptionID,
		RefundedAmount:  d.RefundedAmount,
		ComplianceFlags: flags,
		FailureReason:   d.FailureReason,
		FailedStep:      d.FailedStep,
		CreatedAt:       d.CreatedAt.Unix(),
		UpdatedAt:       d.UpdatedAt.Unix(),
	}
}

// === Handlers ===

// CreateDonation принимает пожертвование.
// POST /api/v1/donations
//
// 201 — пожертвование выполнено, 202 — ждёт подтверждения шлюза,
// 200 — повтор по ключу идемпотентности.
func (h *DonationHandler) CreateDonation(c *gin.Context) {
	ctx := c.Request.Context()

	var req domain.DonationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("Невалидное тело запроса на пожертвование")
		badRequest(c, "невалидное тело запроса")
		return
	}
	if key := c.GetHeader(HeaderIdempotencyKey); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	req.ClientIP = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()

	result, err := h.service.CreateDonation(ctx, &req)
	if err != nil {
		var details any
		if result != nil && result.Donation != nil {
			d := result.Donation
			fd := FailedDonationDetails{DonationID: d.ID, Status: string(d.Status)}
			if d.FailedStep != nil {
				fd.FailedStep = *d.FailedStep
			}
			details = fd
		}
		writeErrorWithDetails(c, err, "CreateDonation", details)
		return
	}

	resp := CreateDonationResponse{
		Success:   true,
		Donation:  toDonationResponse(result.Donation),
		Warnings:  result.Warnings,
		Duplicate: result.Duplicate,
	}
	if result.Subscription != nil {
		sub := toSubscriptionResponse(result.Subscription)
		resp.Subscription = &sub
	}

	status := http.StatusCreated
	switch {
	case result.Duplicate:
		status = http.StatusOK
	case result.Donation.Status != domain.DonationSucceeded:
		status = http.StatusAccepted
	}
	c.JSON(status, resp)
}

// GetDonation возвращает пожертвование.
// GET /api/v1/donations/:id
func (h *DonationHandler) GetDonation(c *gin.Context) {
	d, err := h.service.GetDonation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "GetDonation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "donation": toDonationResponse(d)})
}

// unixOrZero возвращает unix-время или 0 для nil.
func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}
