package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/campaign-payments/pkg/logger"
)

// MessageHandler обрабатывает сообщение. context уже содержит trace_id/correlation_id.
type MessageHandler func(ctx context.Context, msg *Message) error

// DLQPublisher отправляет необработанные сообщения в DLQ.
type DLQPublisher interface {
	SendToDLQ(ctx context.Context, original *Message, processingErr error) error
}

// Consumer читает сообщения топика в рамках consumer group.
type Consumer struct {
	reader *kafka.Reader
	dlq    DLQPublisher
	topic  string
}

// NewConsumer создаёт Consumer для топика.
func NewConsumer(cfg Config, topic string) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}
	if topic == "" {
		return nil, fmt.Errorf("не указан топик")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("не указан group ID")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        100 * time.Millisecond,
		CommitInterval: 0, // коммит вручную после обработки
		StartOffset:    kafka.FirstOffset,
	})

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", topic).
		Str("group_id", cfg.ConsumerGroup).
		Msg("Создан Kafka Consumer")

	return &Consumer{reader: reader, topic: topic}, nil
}

// SetDLQ устанавливает получателя сообщений, обработка которых не удалась.
func (c *Consumer) SetDLQ(p DLQPublisher) {
	c.dlq = p
}

// ConsumeWithRetry читает сообщения до отмены context.
// Временные ошибки повторяются с экспоненциальной задержкой (100ms, 200ms, ...),
// ошибки, помеченные Permanent, сразу уходят в DLQ.
// Offset коммитится после обработки независимо от результата.
func (c *Consumer) ConsumeWithRetry(ctx context.Context, handler MessageHandler, maxRetries int) error {
	logger.Info().Str("topic", c.topic).Int("max_retries", maxRetries).Msg("Запуск чтения сообщений из Kafka")

	for {
		kafkaMsg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info().Str("topic", c.topic).Msg("Остановка Consumer")
				return err
			}
			logger.Error().Err(err).Str("topic", c.topic).Msg("Ошибка чтения сообщения из Kafka")
			continue
		}

		msg := fromKafkaMessage(kafkaMsg)
		msgCtx := contextFromMessage(ctx, msg)

		if err := c.handleWithRetry(msgCtx, msg, handler, maxRetries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Ctx(msgCtx).Error().
				Err(err).
				Str("topic", msg.Topic).
				Str("key", string(msg.Key)).
				Int64("offset", msg.Offset).
				Msg("Ошибка обработки сообщения")

			if c.dlq != nil {
				if dlqErr := c.dlq.SendToDLQ(msgCtx, msg, err); dlqErr != nil {
					logger.Ctx(msgCtx).Error().Err(dlqErr).Msg("Ошибка отправки в DLQ")
				}
			}
		}

		if err := c.reader.CommitMessages(ctx, kafkaMsg); err != nil {
			logger.Error().Err(err).Str("topic", c.topic).Msg("Ошибка коммита offset")
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg *Message, handler MessageHandler, maxRetries int) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
			logger.Ctx(ctx).Warn().
				Int("attempt", attempt).
				Str("key", string(msg.Key)).
				Dur("delay", delay).
				Msg("Повторная попытка обработки сообщения")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = handler(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("исчерпаны попытки обработки: %w", lastErr)
}

// Lag возвращает отставание Consumer от конца топика.
func (c *Consumer) Lag() int64 {
	return c.reader.Stats().Lag
}

// Close закрывает Consumer.
func (c *Consumer) Close() error {
	logger.Info().Str("topic", c.topic).Msg("Закрытие Kafka Consumer")

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия consumer: %w", err)
	}
	return nil
}
