package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"example.com/campaign-payments/services/donation/internal/domain"
)

// ErrInvalidConfig — клиент нельзя создать с такой конфигурацией.
var ErrInvalidConfig = errors.New("некорректная конфигурация платёжного шлюза")

// GatewayError — ошибка вызова шлюза.
// StatusCode == 0 означает сетевую ошибку или таймаут.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("шлюз недоступен (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("шлюз вернул %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ErrorCode реализует domain.CodedError.
func (e *GatewayError) ErrorCode() string { return domain.CodeGateway }

// IsRetryable возвращает true для ошибок, которые имеет смысл повторить:
// сеть, таймаут, 5xx и 429. Отказы 4xx (в т.ч. отклонённая карта) не повторяются.
func IsRetryable(err error) bool {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr.Retryable
	}
	return false
}

// IsTerminal возвращает true, если шлюз ответил окончательным отказом и операция
// точно не выполнена. Для сети, таймаута, 5xx и отмены исход неизвестен.
func IsTerminal(err error) bool {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr.StatusCode != 0 && !gerr.Retryable
	}
	return false
}

// retryableStatus классифицирует HTTP статус ответа шлюза.
func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

// Reason возвращает краткую причину отказа для FailureReason.
func Reason(err error) string {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		if gerr.Message != "" {
			return gerr.Message
		}
		return gerr.Code
	}
	return err.Error()
}
