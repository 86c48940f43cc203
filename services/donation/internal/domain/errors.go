// Package domain содержит бизнес-сущности сервиса пожертвований.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Коды ошибок для синхронных ответов {success:false, error, code}.
const (
	CodeValidation          = "validation_error"
	CodeComplianceViolation = "compliance_violation"
	CodeFraudRejected       = "fraud_rejected"
	CodeRefundIneligible    = "refund_ineligible"
	CodeGateway             = "gateway_error"
	CodeNotFound            = "not_found"
	CodeInvalidTransition   = "invalid_transition"
	CodeInternal            = "internal_error"

	// Коды границы HTTP.
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeRateLimited  = "rate_limited"
)

// Доменные ошибки.
var (
	ErrDonationNotFound     = errors.New("пожертвование не найдено")
	ErrSubscriptionNotFound = errors.New("подписка не найдена")
	ErrRefundNotFound       = errors.New("возврат не найден")
	ErrFundraiserNotFound   = errors.New("сбор средств не найден")

	// ErrInvalidTransition — недопустимый переход состояния.
	ErrInvalidTransition = errors.New("недопустимый переход состояния")

	// ErrIdempotencyConflict — запись с таким ключом уже существует (webhook event id,
	// idempotency key пожертвования). Не является отказом: вызывающий код отдаёт уже сохранённый результат.
	ErrIdempotencyConflict = errors.New("запись с таким ключом идемпотентности уже существует")

	// ErrStaleStatus — условное обновление статуса не применилось: статус уже изменён конкурентно.
	ErrStaleStatus = errors.New("статус уже изменён другим обработчиком")

	// ErrRefundExceedsAmount — сумма возвратов превысила бы сумму пожертвования.
	ErrRefundExceedsAmount = errors.New("сумма возвратов превышает сумму пожертвования")
)

// CodedError — ошибка с кодом для внешнего ответа.
type CodedError interface {
	error
	ErrorCode() string
}

// ErrorCode возвращает код ошибки для ответа клиенту.
func ErrorCode(err error) string {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	switch {
	case errors.Is(err, ErrDonationNotFound), errors.Is(err, ErrSubscriptionNotFound),
		errors.Is(err, ErrRefundNotFound), errors.Is(err, ErrFundraiserNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	default:
		return CodeInternal
	}
}

// =============================================================================
// ValidationError
// =============================================================================

// FieldError — ошибка одного поля запроса.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError — запрос отклонён правилами валидации. Содержит все найденные ошибки.
type ValidationError struct {
	Errors []FieldError
}

// NewValidationError создаёт ошибку валидации из списка полей.
func NewValidationError(errs ...FieldError) *ValidationError {
	return &ValidationError{Errors: errs}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "ошибка валидации: " + strings.Join(parts, "; ")
}

// ErrorCode реализует CodedError.
func (e *ValidationError) ErrorCode() string { return CodeValidation }

// HasField проверяет наличие ошибки по полю.
func (e *ValidationError) HasField(field string) bool {
	for _, fe := range e.Errors {
		if fe.Field == field {
			return true
		}
	}
	return false
}

// =============================================================================
// ComplianceViolation
// =============================================================================

// ComplianceViolation — пожертвование превысило бы лимит донора за цикл.
type ComplianceViolation struct {
	DonorKey       string
	CurrentTotal   int64
	Attempted      int64
	Limit          int64
	AlertID        string
	RemainingLimit int64
}

func (e *ComplianceViolation) Error() string {
	return fmt.Sprintf("превышен лимит пожертвований донора: текущая сумма %d, попытка %d, лимит %d",
		e.CurrentTotal, e.Attempted, e.Limit)
}

// ErrorCode реализует CodedError.
func (e *ComplianceViolation) ErrorCode() string { return CodeComplianceViolation }

// =============================================================================
// FraudRejection
// =============================================================================

// FraudRejection — пожертвование отклонено fraud-скорингом.
type FraudRejection struct {
	Score   int
	Reasons []string
}

func (e *FraudRejection) Error() string {
	return fmt.Sprintf("пожертвование отклонено проверкой на мошенничество (score=%d)", e.Score)
}

// ErrorCode реализует CodedError.
func (e *FraudRejection) ErrorCode() string { return CodeFraudRejected }

// =============================================================================
// RefundIneligible
// =============================================================================

// Причины отказа в возврате.
const (
	IneligibleStatus        = "transaction is not in succeeded status"
	IneligibleAmount        = "amount exceeds original amount"
	IneligibleNonPositive   = "refund amount must be positive"
	IneligibleAlreadyFull   = "refunds would exceed original amount"
	IneligibleWindowExpired = "refund window has expired"
)

// RefundIneligible — возврат невозможен по правилам.
type RefundIneligible struct {
	Reason string
}

func (e *RefundIneligible) Error() string {
	return "возврат невозможен: " + e.Reason
}

// ErrorCode реализует CodedError.
func (e *RefundIneligible) ErrorCode() string { return CodeRefundIneligible }
