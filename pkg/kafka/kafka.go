// Package kafka предоставляет обёртки над kafka-go: Producer для outbox и relay webhook,
// Consumer для асинхронной обработки уведомлений платёжного шлюза.
package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/campaign-payments/pkg/logger"
)

// Топики сервиса.
const (
	// TopicNotifications — квитанции и уведомления донорам (доставка — внешний сервис).
	TopicNotifications = "donation.notifications"

	// TopicComplianceAlerts — compliance-алерты для внутреннего алертинга.
	TopicComplianceAlerts = "compliance.alerts"

	// TopicDonationEvents — изменения статусов пожертвований, подписок и возвратов.
	TopicDonationEvents = "donation.events"

	// TopicGatewayWebhooks — сырые webhook шлюза в асинхронном режиме.
	TopicGatewayWebhooks = "gateway.webhooks"

	// TopicDLQ — Dead Letter Queue.
	TopicDLQ = "dlq.donation"
)

// Ключи headers сообщений.
const (
	HeaderTraceID       = "trace_id"
	HeaderCorrelationID = "correlation_id"
	HeaderTimestamp     = "timestamp"

	// HeaderSignature — подпись webhook, пересылаемая вместе с сырым телом.
	HeaderSignature = "gateway_signature"
)

// Config содержит настройки подключения к Kafka.
type Config struct {
	Brokers       []string
	ConsumerGroup string
}

// Message — сообщение Kafka с метаданными.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Headers   map[string]string
	Time      time.Time
}

// permanentError помечает ошибку, которую бессмысленно повторять.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent оборачивает ошибку обработчика: сообщение уйдёт в DLQ без повторов.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли ошибка как неповторяемая.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func fromKafkaMessage(m kafka.Message) *Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Headers:   headers,
		Time:      m.Time,
	}
}

func (m *Message) toKafkaMessage() kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Topic:   m.Topic,
		Headers: headers,
		Time:    m.Time,
	}
}

// contextFromMessage переносит trace_id и correlation_id из headers в context.
func contextFromMessage(ctx context.Context, msg *Message) context.Context {
	return logger.NewContextWithIDs(ctx, msg.Headers[HeaderTraceID], msg.Headers[HeaderCorrelationID])
}
