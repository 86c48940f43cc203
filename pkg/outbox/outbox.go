// Package outbox реализует Outbox Pattern для гарантированной доставки событий в Kafka.
// Запись в outbox создаётся в той же транзакции, что и бизнес-данные
// (пожертвование, возврат, compliance-алерт). Worker читает outbox и публикует события.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Типы агрегатов, для которых пишутся события.
const (
	AggregateDonation     = "donation"
	AggregateRefund       = "refund"
	AggregateSubscription = "subscription"
	AggregateAlert        = "compliance_alert"
)

// Outbox — запись в таблице outbox.
type Outbox struct {
	ID            string
	AggregateType string            // donation / refund / subscription / compliance_alert
	AggregateID   string            // ID агрегата
	EventType     string            // notification.receipt, compliance.alert.created, ...
	Topic         string            // Kafka топик
	MessageKey    string            // ключ партиционирования (обычно ID агрегата)
	Payload       []byte            // JSON payload
	Headers       map[string]string // trace_id, correlation_id
	CreatedAt     time.Time
	ProcessedAt   *time.Time // nil — ещё не отправлена
	RetryCount    int
	LastError     *string
}

// NewRecord собирает запись outbox, сериализуя payload в JSON.
func NewRecord(aggregateType, aggregateID, eventType, topic string, payload any, headers map[string]string) (*Outbox, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации payload %s: %w", eventType, err)
	}

	return &Outbox{
		ID:            uuid.New().String(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Topic:         topic,
		MessageKey:    aggregateID,
		Payload:       data,
		Headers:       headers,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// IsDeadLetter сообщает, исчерпан ли лимит попыток отправки.
func (o *Outbox) IsDeadLetter(maxRetries int) bool {
	return o.RetryCount >= maxRetries
}

// HeadersJSON возвращает headers в формате JSON для БД.
func (o *Outbox) HeadersJSON() ([]byte, error) {
	if o.Headers == nil {
		return nil, nil
	}
	return json.Marshal(o.Headers)
}

// SetHeadersFromJSON устанавливает headers из JSON.
func (o *Outbox) SetHeadersFromJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &o.Headers)
}
