package webhook

import (
	"context"
	"errors"
	"fmt"

	"example.com/campaign-payments/pkg/kafka"
	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/pkg/metrics"
)

// =============================================================================
// Асинхронный режим: HTTP → Kafka → Ingest
// =============================================================================

// Publisher публикует сообщение в Kafka. Реализуется kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Relay принимает webhook по HTTP и откладывает обработку в Kafka.
// Подпись и конверт проверяются до публикации, чтобы мусор не попадал в топик.
type Relay struct {
	ingestor  *Ingestor
	publisher Publisher
	topic     string
}

// NewRelay создаёт Relay. Пустой topic — kafka.TopicGatewayWebhooks.
func NewRelay(ingestor *Ingestor, publisher Publisher, topic string) *Relay {
	if topic == "" {
		topic = kafka.TopicGatewayWebhooks
	}
	return &Relay{ingestor: ingestor, publisher: publisher, topic: topic}
}

// Forward публикует сырое тело в топик с ключом по ID события.
// Подпись передаётся заголовком и проверяется повторно при чтении.
func (r *Relay) Forward(ctx context.Context, raw []byte, signature string) (string, error) {
	if err := r.ingestor.Verify(raw, signature); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		return "", err
	}
	ev, err := Parse(raw)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		return "", err
	}

	headers := map[string]string{kafka.HeaderSignature: signature}
	if err := r.publisher.Publish(ctx, r.topic, []byte(ev.ID), raw, headers); err != nil {
		return "", fmt.Errorf("ошибка публикации webhook: %w", err)
	}

	logger.Ctx(ctx).Debug().
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Msg("Webhook передан в очередь")
	return ev.ID, nil
}

// MessageSource — источник сообщений. Реализуется kafka.Consumer.
type MessageSource interface {
	ConsumeWithRetry(ctx context.Context, handler kafka.MessageHandler, maxRetries int) error
}

// Consumer читает webhook из Kafka и передаёт их в Ingestor.
type Consumer struct {
	ingestor   *Ingestor
	source     MessageSource
	maxRetries int
}

// NewConsumer создаёт Consumer.
func NewConsumer(ingestor *Ingestor, source MessageSource, maxRetries int) *Consumer {
	return &Consumer{ingestor: ingestor, source: source, maxRetries: maxRetries}
}

// Run блокируется до отмены context.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.source.ConsumeWithRetry(ctx, c.Handle, c.maxRetries)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle обрабатывает одно сообщение. Ошибки подписи и формата постоянные
// и уходят в DLQ без повторов. Ошибка записи события повторяется consumer-ом.
func (c *Consumer) Handle(ctx context.Context, msg *kafka.Message) error {
	res, err := c.ingestor.Ingest(ctx, msg.Value, msg.Headers[kafka.HeaderSignature])
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrMalformedPayload) {
			return kafka.Permanent(err)
		}
		return err
	}

	logger.Ctx(ctx).Debug().
		Str("event_id", res.EventID).
		Str("outcome", string(res.Outcome)).
		Int64("offset", msg.Offset).
		Msg("Webhook из очереди обработан")
	return nil
}
