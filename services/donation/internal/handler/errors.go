// Package handler содержит HTTP обработчики REST API сервиса пожертвований.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/gateway"
)

// ErrorResponse — формат синхронной ошибки: {success:false, error, code}.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// ViolationDetails — подробности нарушения лимита.
type ViolationDetails struct {
	AlertID        string `json:"alert_id,omitempty"`
	Limit          int64  `json:"limit"`
	CurrentTotal   int64  `json:"current_total"`
	RemainingLimit int64  `json:"remaining_limit"`
}

// statusFor сопоставляет код ошибки HTTP статусу.
func statusFor(err error, code string) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeComplianceViolation, domain.CodeFraudRejected, domain.CodeRefundIneligible:
		return http.StatusUnprocessableEntity
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidTransition:
		return http.StatusConflict
	case domain.CodeGateway:
		// Отказ банка — ответ шлюза 4xx; недоступность шлюза — 502.
		var gerr *gateway.GatewayError
		if errors.As(err, &gerr) && !gerr.Retryable && gerr.StatusCode >= 400 && gerr.StatusCode < 500 {
			return http.StatusPaymentRequired
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError пишет ошибку в едином формате. Внутренние ошибки не раскрываются клиенту.
func writeError(c *gin.Context, err error, method string) {
	writeErrorWithDetails(c, err, method, nil)
}

func writeErrorWithDetails(c *gin.Context, err error, method string, details any) {
	log := logger.Ctx(c.Request.Context())
	if err == nil {
		log.Error().Str("method", method).Msg("writeError вызван с nil ошибкой")
		err = errors.New("unknown error")
	}

	code := domain.ErrorCode(err)
	status := statusFor(err, code)
	resp := ErrorResponse{Success: false, Error: err.Error(), Code: code, Details: details}

	var verr *domain.ValidationError
	var violation *domain.ComplianceViolation
	switch {
	case errors.As(err, &verr):
		resp.Details = verr.Errors
	case errors.As(err, &violation):
		resp.Details = ViolationDetails{
			AlertID:        violation.AlertID,
			Limit:          violation.Limit,
			CurrentTotal:   violation.CurrentTotal,
			RemainingLimit: violation.RemainingLimit,
		}
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("method", method).Str("code", code).Msg("Ошибка обработки запроса")
		if code == domain.CodeInternal {
			resp.Error = "внутренняя ошибка сервера"
		}
	} else {
		log.Debug().Err(err).Str("method", method).Str("code", code).Msg("Запрос отклонён")
	}

	c.JSON(status, resp)
}

// badRequest — тело запроса не разобрано.
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Success: false, Error: msg, Code: domain.CodeValidation})
}
