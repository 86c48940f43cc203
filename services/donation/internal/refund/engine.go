// Package refund выполняет возвраты пожертвований: проверка права на возврат,
// вызов шлюза, учёт суммы в пожертвовании и в агрегате донора.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"example.com/campaign-payments/pkg/lock"
	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/pkg/metrics"
	"example.com/campaign-payments/pkg/retry"
	"example.com/campaign-payments/pkg/tracing"
	"example.com/campaign-payments/services/donation/internal/compliance"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/gateway"
	"example.com/campaign-payments/services/donation/internal/notify"
	"example.com/campaign-payments/services/donation/internal/repository"
)

// Gateway — операции шлюза, нужные для возвратов.
type Gateway interface {
	CreateRefund(ctx context.Context, p gateway.RefundParams, idempotencyKey string) (*gateway.RefundObject, error)
}

// Config — параметры возвратов.
type Config struct {
	// Window — максимальный возраст пожертвования для возврата.
	Window time.Duration

	BatchSize   int
	Concurrency int
	BatchDelay  time.Duration

	Retry retry.Policy
}

// DefaultConfig — 180 дней, пачки по 10, 3 параллельных запроса, 1s между пачками.
func DefaultConfig() Config {
	return Config{
		Window:      180 * 24 * time.Hour,
		BatchSize:   10,
		Concurrency: 3,
		BatchDelay:  time.Second,
		Retry:       retry.DefaultPolicy(),
	}
}

// Request — запрос на возврат. Amount = 0 означает весь остаток.
type Request struct {
	TransactionID string              `json:"transaction_id"`
	Amount        int64               `json:"amount"`
	Reason        domain.RefundReason `json:"reason"`
	NotifyDonor   bool                `json:"notify_donor"`
}

// Engine — сервис возвратов. Все возвраты одной транзакции сериализуются
// блокировкой по ID транзакции.
type Engine struct {
	donations repository.DonationRepository
	refunds   repository.RefundRepository
	ledger    *compliance.Ledger
	gw        Gateway
	notifier  notify.Sender
	locker    lock.Locker
	cfg       Config
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewEngine создаёт сервис возвратов.
func NewEngine(
	donations repository.DonationRepository,
	refunds repository.RefundRepository,
	ledger *compliance.Ledger,
	gw Gateway,
	notifier notify.Sender,
	locker lock.Locker,
	cfg Config,
) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Engine{
		donations: donations,
		refunds:   refunds,
		ledger:    ledger,
		gw:        gw,
		notifier:  notifier,
		locker:    locker,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func lockKey(transactionID string) string {
	return "refund:" + transactionID
}

// =============================================================================
// Refund
// =============================================================================

// Refund создаёт возврат по транзакции. Если шлюз подтвердил возврат сразу,
// сумма учитывается до ответа; иначе возврат остаётся pending до webhook.
func (e *Engine) Refund(ctx context.Context, req Request) (_ *domain.Refund, err error) {
	ctx, span := tracing.Start(ctx, "refund.Refund",
		attribute.String("transaction.id", req.TransactionID),
		attribute.Int64("refund.amount", req.Amount),
	)
	defer func() { tracing.End(span, err) }()

	if req.TransactionID == "" {
		return nil, domain.NewValidationError(domain.FieldError{
			Field: "transaction_id", Code: "required", Message: "transaction_id is required",
		})
	}

	unlock, err := e.locker.Acquire(ctx, lockKey(req.TransactionID))
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки транзакции: %w", err)
	}
	defer unlock()

	d, err := e.donations.FindByTransactionID(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	existing, err := e.refunds.ListByTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения возвратов: %w", err)
	}

	amount := req.Amount
	if amount == 0 {
		amount = d.Amount
		for _, r := range existing {
			if r.CountsTowardsTotal() {
				amount -= r.Amount
			}
		}
		if amount <= 0 {
			return nil, &domain.RefundIneligible{Reason: domain.IneligibleAlreadyFull}
		}
	}

	now := e.now()
	if err := domain.CheckRefundEligibility(d, existing, amount, e.cfg.Window, now); err != nil {
		metrics.RefundsTotal.WithLabelValues("ineligible").Inc()
		return nil, err
	}

	r := domain.NewRefund(d, amount, req.Reason, req.NotifyDonor, now)
	if err := e.refunds.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("ошибка сохранения возврата: %w", err)
	}

	log := logger.Ctx(ctx).With().
		Str("refund_id", r.ID).
		Str("donation_id", d.ID).
		Int64("amount", amount).
		Logger()

	obj, err := retry.DoValue(ctx, e.cfg.Retry, "create_refund", gateway.IsRetryable,
		func(ctx context.Context) (*gateway.RefundObject, error) {
			return e.gw.CreateRefund(ctx, gateway.RefundParams{
				TransactionID: r.TransactionID,
				Amount:        r.Amount,
				Reason:        string(r.Reason),
				Metadata:      map[string]string{"refund_id": r.ID, "donation_id": d.ID},
			}, r.ID)
		})
	if err != nil {
		if !gateway.IsTerminal(err) {
			// Шлюз мог выполнить возврат: сумма остаётся зарезервированной
			// pending возвратом, итог придёт webhook refund.succeeded/refund.failed.
			metrics.RefundsTotal.WithLabelValues("unknown").Inc()
			log.Warn().Err(err).Msg("Исход возврата неизвестен, ожидается webhook")
			return r, err
		}
		if _, ferr := e.applyFailedLocked(context.WithoutCancel(ctx), r, gateway.Reason(err)); ferr != nil {
			log.Error().Err(ferr).Msg("Не удалось сохранить статус возврата")
		}
		log.Warn().Err(err).Msg("Шлюз отклонил возврат")
		return r, err
	}

	r.ExternalID = obj.ID
	if err := e.refunds.SetExternalID(ctx, r.ID, obj.ID); err != nil {
		log.Error().Err(err).Str("external_id", obj.ID).Msg("Не удалось сохранить внешний ID возврата")
	}

	switch obj.Status {
	case gateway.StatusSucceeded:
		if _, err := e.applySucceededLocked(ctx, r); err != nil {
			return r, err
		}
	case gateway.StatusFailed, gateway.StatusCanceled:
		msg := obj.FailureMessage
		if msg == "" {
			msg = "refund " + obj.Status
		}
		if _, err := e.applyFailedLocked(ctx, r, msg); err != nil {
			return r, err
		}
	default:
		log.Info().Str("gateway_status", obj.Status).Msg("Возврат ожидает подтверждения шлюза")
	}

	return r, nil
}

// =============================================================================
// Применение результата
// =============================================================================

// ApplySucceeded переводит pending возврат в succeeded. Сумму в пожертвовании
// и агрегате меняет только обработчик, выигравший условное обновление статуса.
// Возвращает false, если возврат уже был обработан.
func (e *Engine) ApplySucceeded(ctx context.Context, r *domain.Refund) (bool, error) {
	unlock, err := e.locker.Acquire(ctx, lockKey(r.TransactionID))
	if err != nil {
		return false, fmt.Errorf("ошибка блокировки транзакции: %w", err)
	}
	defer unlock()
	return e.applySucceededLocked(ctx, r)
}

// ApplyFailed переводит pending возврат в failed.
func (e *Engine) ApplyFailed(ctx context.Context, r *domain.Refund, reason string) (bool, error) {
	unlock, err := e.locker.Acquire(ctx, lockKey(r.TransactionID))
	if err != nil {
		return false, fmt.Errorf("ошибка блокировки транзакции: %w", err)
	}
	defer unlock()
	return e.applyFailedLocked(ctx, r, reason)
}

// ReconcileTransaction учитывает возвраты, выполненные в обход сервиса (например,
// из кабинета шлюза). gatewayRefunded — итоговая сумма возвратов транзакции в шлюзе.
// Разница с локальными pending и succeeded возвратами оформляется отдельным возвратом.
func (e *Engine) ReconcileTransaction(ctx context.Context, transactionID string, gatewayRefunded int64) (bool, error) {
	unlock, err := e.locker.Acquire(ctx, lockKey(transactionID))
	if err != nil {
		return false, fmt.Errorf("ошибка блокировки транзакции: %w", err)
	}
	defer unlock()

	d, err := e.donations.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return false, err
	}
	existing, err := e.refunds.ListByTransaction(ctx, transactionID)
	if err != nil {
		return false, fmt.Errorf("ошибка получения возвратов: %w", err)
	}

	var local int64
	for _, r := range existing {
		if r.CountsTowardsTotal() {
			local += r.Amount
		}
	}
	delta := min(gatewayRefunded, d.Amount) - local
	if delta <= 0 {
		return false, nil
	}

	r := domain.NewRefund(d, delta, domain.ReasonOther, false, e.now())
	if err := e.refunds.Create(ctx, r); err != nil {
		return false, fmt.Errorf("ошибка сохранения возврата: %w", err)
	}
	logger.Ctx(ctx).Warn().
		Str("refund_id", r.ID).
		Str("transaction_id", transactionID).
		Int64("amount", delta).
		Msg("Обнаружен возврат, выполненный вне сервиса")
	return e.applySucceededLocked(ctx, r)
}

func (e *Engine) applySucceededLocked(ctx context.Context, r *domain.Refund) (bool, error) {
	log := logger.Ctx(ctx).With().Str("refund_id", r.ID).Logger()

	next := *r
	if err := next.Succeed(e.now()); err != nil {
		log.Debug().Str("status", string(r.Status)).Msg("Возврат уже обработан")
		return false, nil
	}
	if err := e.refunds.UpdateStatus(ctx, &next, domain.RefundPending); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			log.Info().Msg("Возврат уже обработан другим обработчиком")
			return false, nil
		}
		return false, fmt.Errorf("ошибка обновления возврата: %w", err)
	}
	*r = next

	d, err := e.donations.FindByID(ctx, r.DonationID)
	if err != nil {
		return true, fmt.Errorf("ошибка получения пожертвования: %w", err)
	}
	from := d.Status
	if err := d.ApplyRefund(r.Amount); err != nil {
		log.Error().Err(err).Str("donation_id", d.ID).Msg("Возврат не применён к пожертвованию")
		return true, err
	}
	if err := e.donations.Update(ctx, d, from); err != nil {
		return true, fmt.Errorf("ошибка обновления пожертвования: %w", err)
	}

	if err := e.ledger.Adjust(ctx, d.DonorKey(), -r.Amount, r.ID); err != nil {
		log.Error().Err(err).Msg("Не удалось уменьшить агрегат донора")
		return true, err
	}

	metrics.RefundsTotal.WithLabelValues(string(domain.RefundSucceeded)).Inc()
	log.Info().
		Str("donation_id", d.ID).
		Int64("amount", r.Amount).
		Int64("refunded_total", d.RefundedAmount).
		Msg("Возврат выполнен")

	if r.NotifyDonor {
		if err := e.notifier.SendRefundNotice(ctx, d, r); err != nil {
			log.Error().Err(err).Msg("Не удалось поставить уведомление о возврате в очередь")
		}
	}
	return true, nil
}

func (e *Engine) applyFailedLocked(ctx context.Context, r *domain.Refund, reason string) (bool, error) {
	next := *r
	if err := next.Fail(reason, e.now()); err != nil {
		return false, nil
	}
	if err := e.refunds.UpdateStatus(ctx, &next, domain.RefundPending); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка обновления возврата: %w", err)
	}
	*r = next

	metrics.RefundsTotal.WithLabelValues(string(domain.RefundFailed)).Inc()
	logger.Ctx(ctx).Warn().
		Str("refund_id", r.ID).
		Str("reason", reason).
		Msg("Возврат не выполнен")
	return true, nil
}
