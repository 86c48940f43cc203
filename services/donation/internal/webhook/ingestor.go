// Package webhook принимает уведомления платёжного шлюза: проверка подписи,
// дедупликация по ID события и применение результата к пожертвованиям,
// подпискам и возвратам.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/pkg/metrics"
	"example.com/campaign-payments/pkg/tracing"
	"example.com/campaign-payments/services/donation/internal/compliance"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/gateway"
	"example.com/campaign-payments/services/donation/internal/notify"
	"example.com/campaign-payments/services/donation/internal/repository"
)

// Ошибки приёма. Обе постоянные: повтор того же тела даст тот же результат.
var (
	ErrInvalidSignature = errors.New("неверная подпись webhook")
	ErrMalformedPayload = errors.New("некорректное тело webhook")
)

// RefundApplier применяет результат возврата. Реализуется refund.Engine.
type RefundApplier interface {
	ApplySucceeded(ctx context.Context, r *domain.Refund) (bool, error)
	ApplyFailed(ctx context.Context, r *domain.Refund, reason string) (bool, error)
	ReconcileTransaction(ctx context.Context, transactionID string, gatewayRefunded int64) (bool, error)
}

// Result — итог приёма события.
type Result struct {
	Accepted bool                  `json:"accepted"`
	EventID  string                `json:"event_id"`
	Outcome  domain.WebhookOutcome `json:"outcome"`
	Actions  []string              `json:"actions"`
}

// Ingestor обрабатывает события шлюза.
type Ingestor struct {
	secret        string
	events        repository.WebhookEventRepository
	donations     repository.DonationRepository
	subscriptions repository.SubscriptionRepository
	refunds       repository.RefundRepository
	applier       RefundApplier
	ledger        *compliance.Ledger
	notifier      notify.Sender
	now           func() time.Time
}

// NewIngestor создаёт обработчик webhook. secret — общий секрет подписи тела.
func NewIngestor(
	secret string,
	events repository.WebhookEventRepository,
	donations repository.DonationRepository,
	subscriptions repository.SubscriptionRepository,
	refunds repository.RefundRepository,
	applier RefundApplier,
	ledger *compliance.Ledger,
	notifier notify.Sender,
) *Ingestor {
	return &Ingestor{
		secret:        secret,
		events:        events,
		donations:     donations,
		subscriptions: subscriptions,
		refunds:       refunds,
		applier:       applier,
		ledger:        ledger,
		notifier:      notifier,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Verify проверяет подпись тела.
func (i *Ingestor) Verify(raw []byte, signature string) error {
	if !gateway.VerifySignature(i.secret, raw, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Parse разбирает конверт события.
func Parse(raw []byte) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: нет id или type", ErrMalformedPayload)
	}
	return &ev, nil
}

// Ingest проверяет, дедуплицирует и применяет событие.
//
// Запись о событии вставляется до побочных эффектов. Повтор того же события
// возвращает Accepted с действием skipped_duplicate. Ошибка обработчика не
// откатывает запись: итог failed сохраняется для ручной сверки, повторов нет.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte, signature string) (_ *Result, err error) {
	ctx, span := tracing.Start(ctx, "webhook.Ingest")
	defer func() { tracing.End(span, err) }()

	if err := i.Verify(raw, signature); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		return nil, err
	}
	ev, err := Parse(raw)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		return nil, err
	}
	span.SetAttributes(attribute.String("webhook.event_id", ev.ID), attribute.String("webhook.type", string(ev.Type)))

	log := logger.Ctx(ctx).With().
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Logger()

	rec := domain.NewWebhookEventRecord(ev, i.now())
	if err := i.events.InsertIfAbsent(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "duplicate").Inc()
			log.Info().Msg("Повторное событие webhook, пропускаем")
			return &Result{
				Accepted: true,
				EventID:  ev.ID,
				Outcome:  domain.OutcomeApplied,
				Actions:  []string{domain.ActionSkippedDuplicate},
			}, nil
		}
		return nil, fmt.Errorf("ошибка записи события: %w", err)
	}

	actions, handleErr := i.dispatch(ctx, ev)

	processed := i.now()
	rec.Actions = actions
	rec.ProcessedAt = &processed
	switch {
	case handleErr != nil:
		rec.Outcome = domain.OutcomeFailed
		msg := handleErr.Error()
		rec.Error = &msg
		log.Error().Err(handleErr).Strs("actions", actions).Msg("Ошибка обработки webhook, требуется ручная сверка")
	case len(actions) == 1 && actions[0] == domain.ActionIgnoredUnknownType:
		rec.Outcome = domain.OutcomeIgnored
		log.Info().Msg("Неизвестный тип события webhook")
	default:
		rec.Outcome = domain.OutcomeApplied
		log.Info().Strs("actions", actions).Msg("Событие webhook обработано")
	}

	if err := i.events.Complete(context.WithoutCancel(ctx), rec); err != nil {
		log.Error().Err(err).Msg("Не удалось сохранить итог обработки webhook")
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), string(rec.Outcome)).Inc()

	return &Result{Accepted: true, EventID: ev.ID, Outcome: rec.Outcome, Actions: actions}, nil
}

// dispatch — закрытый набор обрабатываемых типов событий.
func (i *Ingestor) dispatch(ctx context.Context, ev *domain.WebhookEvent) ([]string, error) {
	switch ev.Type {
	case domain.EventTransactionSucceeded:
		return decodeAnd(ctx, ev, i.transactionSucceeded)
	case domain.EventTransactionFailed:
		return decodeAnd(ctx, ev, i.transactionFailed)
	case domain.EventTransactionCanceled:
		return decodeAnd(ctx, ev, i.transactionCanceled)
	case domain.EventTransactionRefunded:
		return decodeAnd(ctx, ev, i.transactionRefunded)
	case domain.EventRecurringPaymentSucceeded:
		return decodeAnd(ctx, ev, i.recurringSucceeded)
	case domain.EventRecurringPaymentFailed:
		return decodeAnd(ctx, ev, i.recurringFailed)
	case domain.EventRecurringPaymentCanceled:
		return decodeAnd(ctx, ev, i.recurringCanceled)
	case domain.EventRefundSucceeded:
		return decodeAnd(ctx, ev, i.refundSucceeded)
	case domain.EventRefundFailed:
		return decodeAnd(ctx, ev, i.refundFailed)
	case domain.EventDisputeCreated:
		return decodeAnd(ctx, ev, i.disputeCreated)
	default:
		return []string{domain.ActionIgnoredUnknownType}, nil
	}
}

func decodeAnd[T any](ctx context.Context, ev *domain.WebhookEvent, handle func(context.Context, *T) ([]string, error)) ([]string, error) {
	var obj T
	if len(ev.Data.Object) == 0 {
		return nil, fmt.Errorf("%w: пустой data.object", ErrMalformedPayload)
	}
	if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return handle(ctx, &obj)
}

func one(action string) []string {
	return []string{action}
}
