// Package recurring управляет регулярными пожертвованиями: пауза, возобновление,
// отмена, изменение суммы и локальные списания по расписанию.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"example.com/campaign-payments/pkg/lock"
	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/pkg/retry"
	"example.com/campaign-payments/pkg/tracing"
	"example.com/campaign-payments/services/donation/internal/compliance"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/gateway"
	"example.com/campaign-payments/services/donation/internal/repository"
)

// Причины отмены подписки системой.
const (
	ReasonAttemptsExhausted = "payment attempts exhausted"
	ReasonLimitReached      = "contribution limit reached"
)

// Gateway — операции шлюза над регулярными платежами.
type Gateway interface {
	PauseRecurringPayment(ctx context.Context, id string) (*gateway.RecurringPayment, error)
	ResumeRecurringPayment(ctx context.Context, id string) (*gateway.RecurringPayment, error)
	CancelRecurringPayment(ctx context.Context, id string) (*gateway.RecurringPayment, error)
	UpdateRecurringPayment(ctx context.Context, id string, amount int64) (*gateway.RecurringPayment, error)
}

// Charger выполняет очередное списание локальной подписки.
type Charger interface {
	ChargeSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Donation, error)
}

// Config — параметры менеджера.
type Config struct {
	MinAmount int64
	MaxAmount int64

	BatchSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	Retry retry.Policy
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		MinAmount:    500,
		MaxAmount:    10_000_000,
		BatchSize:    50,
		MaxAttempts:  4,
		RetryBackoff: 24 * time.Hour,
		MaxBackoff:   7 * 24 * time.Hour,
		Retry:        retry.DefaultPolicy(),
	}
}

// RunSummary — итог одного прогона RunDue.
type RunSummary struct {
	Due       int
	Succeeded int
	Failed    int
	Canceled  int
	Skipped   int
}

// Manager — операции над подписками.
type Manager struct {
	subs    repository.SubscriptionRepository
	gw      Gateway
	ledger  *compliance.Ledger
	charger Charger
	locker  lock.Locker
	cfg     Config
	now     func() time.Time
}

// NewManager создаёт менеджер подписок. charger может быть nil,
// если все подписки ведёт шлюз.
func NewManager(
	subs repository.SubscriptionRepository,
	gw Gateway,
	ledger *compliance.Ledger,
	charger Charger,
	locker lock.Locker,
	cfg Config,
) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Manager{
		subs:    subs,
		gw:      gw,
		ledger:  ledger,
		charger: charger,
		locker:  locker,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func lockKey(id string) string {
	return "subscription:" + id
}

// Get возвращает подписку.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	return m.subs.GetByID(ctx, id)
}

// =============================================================================
// Управление состоянием
// =============================================================================

// transition — общий путь Pause/Resume/Cancel: переход на копии, вызов шлюза,
// сохранение. Повтор уже выполненного действия возвращает подписку без изменений.
func (m *Manager) transition(
	ctx context.Context,
	id, action string,
	apply func(s *domain.Subscription, now time.Time) (bool, error),
	remote func(ctx context.Context, externalID string) (*gateway.RecurringPayment, error),
) (_ *domain.Subscription, err error) {
	ctx, span := tracing.Start(ctx, "recurring."+action, attribute.String("subscription.id", id))
	defer func() { tracing.End(span, err) }()

	unlock, err := m.locker.Acquire(ctx, lockKey(id))
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки подписки: %w", err)
	}
	defer unlock()

	sub, err := m.subs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *sub
	changed, err := apply(&next, m.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return sub, nil
	}

	if next.IsExternal() {
		if _, err := retry.DoValue(ctx, m.cfg.Retry, action+"_recurring_payment", gateway.IsRetryable,
			func(ctx context.Context) (*gateway.RecurringPayment, error) {
				return remote(ctx, next.ExternalID)
			}); err != nil {
			return nil, err
		}
	}

	if err := m.subs.Update(ctx, &next); err != nil {
		return nil, fmt.Errorf("ошибка сохранения подписки: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("subscription_id", id).
		Str("action", action).
		Str("status", string(next.Status)).
		Msg("Состояние подписки изменено")
	return &next, nil
}

// Pause приостанавливает подписку.
func (m *Manager) Pause(ctx context.Context, id string) (*domain.Subscription, error) {
	return m.transition(ctx, id, "pause",
		func(s *domain.Subscription, now time.Time) (bool, error) { return s.Pause(now) },
		m.gw.PauseRecurringPayment)
}

// Resume возобновляет подписку.
func (m *Manager) Resume(ctx context.Context, id string) (*domain.Subscription, error) {
	return m.transition(ctx, id, "resume",
		func(s *domain.Subscription, now time.Time) (bool, error) { return s.Resume(now) },
		m.gw.ResumeRecurringPayment)
}

// Cancel отменяет подписку.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*domain.Subscription, error) {
	if reason == "" {
		reason = "canceled by donor"
	}
	return m.transition(ctx, id, "cancel",
		func(s *domain.Subscription, now time.Time) (bool, error) { return s.Cancel(reason, now) },
		m.gw.CancelRecurringPayment)
}

// UpdateAmount меняет сумму будущих списаний. Новая сумма проверяется по лимиту
// донора до обращения к шлюзу.
func (m *Manager) UpdateAmount(ctx context.Context, id string, amount int64) (_ *domain.Subscription, err error) {
	ctx, span := tracing.Start(ctx, "recurring.UpdateAmount", attribute.String("subscription.id", id))
	defer func() { tracing.End(span, err) }()

	if amount < m.cfg.MinAmount {
		return nil, domain.NewValidationError(domain.FieldError{
			Field: "amount", Code: "min",
			Message: "recurring amount must be at least $" + compliance.FormatCents(m.cfg.MinAmount),
		})
	}
	if m.cfg.MaxAmount > 0 && amount > m.cfg.MaxAmount {
		return nil, domain.NewValidationError(domain.FieldError{
			Field: "amount", Code: "max",
			Message: "amount must not exceed $" + compliance.FormatCents(m.cfg.MaxAmount),
		})
	}

	unlock, err := m.locker.Acquire(ctx, lockKey(id))
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки подписки: %w", err)
	}
	defer unlock()

	sub, err := m.subs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Amount == amount {
		return sub, nil
	}

	key := domain.DonorKey{
		DonorID:        sub.Donor.ID(),
		OrganizationID: sub.OrganizationID,
		Cycle:          m.ledger.CycleFor(m.now()),
	}
	check, err := m.ledger.Check(ctx, key, amount, sub.ID)
	if err != nil {
		return nil, err
	}
	if !check.WithinLimit {
		return nil, check.Err(key, amount)
	}

	next := *sub
	if err := next.UpdateAmount(amount, m.now()); err != nil {
		return nil, err
	}

	if next.IsExternal() {
		if _, err := retry.DoValue(ctx, m.cfg.Retry, "update_recurring_payment", gateway.IsRetryable,
			func(ctx context.Context) (*gateway.RecurringPayment, error) {
				return m.gw.UpdateRecurringPayment(ctx, next.ExternalID, amount)
			}); err != nil {
			return nil, err
		}
	}

	if err := m.subs.Update(ctx, &next); err != nil {
		return nil, fmt.Errorf("ошибка сохранения подписки: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("subscription_id", id).
		Int64("old_amount", sub.Amount).
		Int64("new_amount", amount).
		Msg("Сумма подписки изменена")
	return &next, nil
}

// =============================================================================
// Локальные списания
// =============================================================================

// RunDue списывает все локальные подписки, срок которых наступил.
// За один прогон обрабатывается не больше BatchSize подписок.
func (m *Manager) RunDue(ctx context.Context) (_ *RunSummary, err error) {
	ctx, span := tracing.Start(ctx, "recurring.RunDue")
	defer func() { tracing.End(span, err) }()

	if m.charger == nil {
		return &RunSummary{}, nil
	}

	log := logger.Ctx(ctx)
	now := m.now()

	due, err := m.subs.ListDue(ctx, now, m.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска подписок к списанию: %w", err)
	}

	summary := &RunSummary{Due: len(due)}
	if len(due) == 0 {
		return summary, nil
	}
	log.Info().Int("count", len(due)).Msg("Найдены подписки к списанию")

	for _, sub := range due {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		outcome, err := m.runOne(ctx, sub.ID)
		if err != nil {
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Ошибка обработки подписки")
		}
		switch outcome {
		case outcomeSucceeded:
			summary.Succeeded++
		case outcomeFailed:
			summary.Failed++
		case outcomeCanceled:
			summary.Canceled++
		default:
			summary.Skipped++
		}
	}

	log.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("canceled", summary.Canceled).
		Int("skipped", summary.Skipped).
		Msg("Прогон подписок завершён")
	return summary, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeCanceled
)

// runOne списывает одну подписку под её блокировкой. Подписку, занятую другим
// обработчиком или уже не подлежащую списанию, пропускает.
func (m *Manager) runOne(ctx context.Context, id string) (outcome, error) {
	unlock, ok, err := m.locker.TryAcquire(ctx, lockKey(id))
	if err != nil {
		return outcomeSkipped, err
	}
	if !ok {
		return outcomeSkipped, nil
	}
	defer unlock()

	sub, err := m.subs.GetByID(ctx, id)
	if err != nil {
		return outcomeSkipped, err
	}
	now := m.now()
	if !sub.IsDue(now) {
		return outcomeSkipped, nil
	}

	log := logger.Ctx(ctx).With().Str("subscription_id", sub.ID).Logger()

	d, chargeErr := m.charger.ChargeSubscription(ctx, sub)
	persistCtx := context.WithoutCancel(ctx)

	var violation *domain.ComplianceViolation
	switch {
	case chargeErr == nil:
		sub.RecordPayment(now)
		if err := m.subs.Update(persistCtx, sub); err != nil {
			return outcomeSucceeded, fmt.Errorf("ошибка сохранения подписки: %w", err)
		}
		log.Info().
			Str("donation_id", d.ID).
			Str("status", string(d.Status)).
			Time("next_run_at", sub.NextRunAt).
			Msg("Списание по подписке выполнено")
		return outcomeSucceeded, nil

	case errors.As(chargeErr, &violation):
		if _, err := sub.Cancel(ReasonLimitReached, now); err != nil {
			return outcomeSkipped, err
		}
		if err := m.subs.Update(persistCtx, sub); err != nil {
			return outcomeCanceled, fmt.Errorf("ошибка сохранения подписки: %w", err)
		}
		log.Warn().Str("alert_id", violation.AlertID).Msg("Подписка отменена: достигнут лимит донора")
		return outcomeCanceled, nil
	}

	if ctx.Err() != nil {
		return outcomeSkipped, ctx.Err()
	}

	reason := gateway.Reason(chargeErr)
	exhausted := sub.RecordFailure(reason, now, m.cfg.RetryBackoff, m.cfg.MaxBackoff, m.cfg.MaxAttempts)
	result := outcomeFailed
	if exhausted {
		if _, err := sub.Cancel(ReasonAttemptsExhausted, now); err != nil {
			return outcomeFailed, err
		}
		result = outcomeCanceled
	}
	if err := m.subs.Update(persistCtx, sub); err != nil {
		return result, fmt.Errorf("ошибка сохранения подписки: %w", err)
	}

	log.Warn().
		Err(chargeErr).
		Int("failure_count", sub.FailureCount).
		Bool("canceled", exhausted).
		Time("next_run_at", sub.NextRunAt).
		Msg("Списание по подписке не выполнено")
	return result, nil
}
