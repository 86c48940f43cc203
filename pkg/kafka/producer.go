package kafka

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/campaign-payments/pkg/logger"
)

// Producer отправляет сообщения в Kafka.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer создаёт синхронный Producer (ждём подтверждения лидера).
func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{}, // один ключ — одна партиция, порядок событий агрегата сохраняется
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	logger.Info().Strs("brokers", cfg.Brokers).Msg("Создан Kafka Producer")

	return &Producer{writer: writer}, nil
}

// Publish отправляет значение в топик, дополняя headers данными трассировки из context.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	return p.SendMessage(ctx, &Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	})
}

// SendMessage отправляет подготовленное сообщение.
// Не перезаписывает trace_id/correlation_id, если они уже заданы (записи outbox несут свои).
func (p *Producer) SendMessage(ctx context.Context, msg *Message) error {
	headers := make(map[string]string, len(msg.Headers)+3)
	maps.Copy(headers, msg.Headers)

	if _, ok := headers[HeaderTraceID]; !ok {
		if traceID := logger.TraceIDFromContext(ctx); traceID != "" {
			headers[HeaderTraceID] = traceID
		}
	}
	if _, ok := headers[HeaderCorrelationID]; !ok {
		if correlationID := logger.CorrelationIDFromContext(ctx); correlationID != "" {
			headers[HeaderCorrelationID] = correlationID
		}
	}
	if _, ok := headers[HeaderTimestamp]; !ok {
		headers[HeaderTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	out := *msg
	out.Headers = headers
	if out.Time.IsZero() {
		out.Time = time.Now()
	}

	if err := p.writer.WriteMessages(ctx, out.toKafkaMessage()); err != nil {
		logger.Ctx(ctx).Error().
			Err(err).
			Str("topic", msg.Topic).
			Str("key", string(msg.Key)).
			Msg("Ошибка отправки сообщения в Kafka")
		return fmt.Errorf("ошибка отправки в Kafka: %w", err)
	}

	logger.Ctx(ctx).Debug().
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Msg("Сообщение отправлено в Kafka")

	return nil
}

// SendToDLQ отправляет сообщение в Dead Letter Queue с причиной ошибки.
func (p *Producer) SendToDLQ(ctx context.Context, original *Message, processingErr error) error {
	headers := maps.Clone(original.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	headers["dlq_error"] = processingErr.Error()
	headers["dlq_original_topic"] = original.Topic
	headers["dlq_timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	return p.Publish(ctx, TopicDLQ, original.Key, original.Value, headers)
}

// Close закрывает соединение с Kafka.
func (p *Producer) Close() error {
	logger.Info().Msg("Закрытие Kafka Producer")

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия producer: %w", err)
	}
	return nil
}
