// Package compliance реализует учёт лимитов пожертвований донора за избирательный цикл,
// алерты соответствия и отчёты с разбивкой по донорам.
package compliance

import (
	"context"
	"fmt"
	"time"

	"example.com/campaign-payments/pkg/lock"
	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/pkg/metrics"
	"example.com/campaign-payments/pkg/tracing"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/repository"
)

const lockPrefix = "ledger:"

// Config — параметры лимитов (в центах).
type Config struct {
	IndividualLimit      int64
	ItemizationThreshold int64
	CycleLengthYears     int
}

// DefaultConfig — $3,300 за двухлетний цикл, детализация от $200.
func DefaultConfig() Config {
	return Config{
		IndividualLimit:      330_000,
		ItemizationThreshold: 20_000,
		CycleLengthYears:     2,
	}
}

// ReserveRequest — запрос на резервирование суммы в агрегате донора.
type ReserveRequest struct {
	Key                domain.DonorKey
	Amount             int64
	SubjectID          string
	HasCompleteAddress bool
}

// LimitCheck — результат проверки лимита.
type LimitCheck struct {
	WithinLimit          bool
	CurrentTotal         int64
	ProjectedTotal       int64
	RemainingLimit       int64
	Limit                int64
	VerificationRequired bool
	Reserved             bool
	Flags                []string
	Alerts               []*domain.ComplianceAlert
}

// Err переводит отказ в доменную ошибку: превышение лимита или недостающий адрес.
func (c *LimitCheck) Err(key domain.DonorKey, attempted int64) error {
	if !c.WithinLimit {
		v := &domain.ComplianceViolation{
			DonorKey:       key.String(),
			CurrentTotal:   c.CurrentTotal,
			Attempted:      attempted,
			Limit:          c.Limit,
			RemainingLimit: c.RemainingLimit,
		}
		for _, a := range c.Alerts {
			if a.Type == domain.AlertContributionLimit {
				v.AlertID = a.ID
			}
		}
		return v
	}
	if c.VerificationRequired {
		return domain.NewValidationError(domain.FieldError{
			Field:   "donor.address",
			Code:    "required",
			Message: "для суммы пожертвований донора от порога детализации нужен полный почтовый адрес",
		})
	}
	return nil
}

// Ledger — учёт агрегатов. Все изменения агрегата одного донора сериализуются
// через блокировку по ключу донора.
type Ledger struct {
	aggs   repository.LedgerRepository
	alerts repository.AlertRepository
	locker lock.Locker
	cfg    Config
	now    func() time.Time
}

// NewLedger создаёт учёт лимитов.
func NewLedger(aggs repository.LedgerRepository, alerts repository.AlertRepository, locker lock.Locker, cfg Config) *Ledger {
	if cfg.CycleLengthYears < 1 {
		cfg.CycleLengthYears = 2
	}
	return &Ledger{
		aggs:   aggs,
		alerts: alerts,
		locker: locker,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Config возвращает параметры лимитов.
func (l *Ledger) Config() Config {
	return l.cfg
}

// CycleFor возвращает метку избирательного цикла для момента t.
func (l *Ledger) CycleFor(t time.Time) string {
	return domain.CycleFor(t, l.cfg.CycleLengthYears)
}

func (l *Ledger) acquire(ctx context.Context, key domain.DonorKey) (lock.Unlock, error) {
	unlock, err := l.locker.Acquire(ctx, lockPrefix+key.String())
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки агрегата донора: %w", err)
	}
	return unlock, nil
}

func (l *Ledger) evaluate(agg *domain.ContributionAggregate, amount int64) *LimitCheck {
	remaining := l.cfg.IndividualLimit - agg.Total
	if remaining < 0 {
		remaining = 0
	}
	projected := agg.Total + amount
	check := &LimitCheck{
		WithinLimit:    projected <= l.cfg.IndividualLimit,
		CurrentTotal:   agg.Total,
		ProjectedTotal: projected,
		RemainingLimit: remaining,
		Limit:          l.cfg.IndividualLimit,
	}
	if projected >= l.cfg.ItemizationThreshold {
		check.Flags = append(check.Flags, domain.FlagItemized)
	}
	return check
}

func (l *Ledger) limitAlert(ctx context.Context, key domain.DonorKey, subjectID string, check *LimitCheck, amount int64) error {
	alert := domain.NewAlert(domain.AlertContributionLimit, domain.SeverityHigh, key, subjectID, amount,
		fmt.Sprintf("попытка %d при сумме за цикл %d превышает лимит %d", amount, check.CurrentTotal, check.Limit),
		l.now())
	if err := l.RecordAlert(ctx, alert); err != nil {
		return err
	}
	check.Alerts = append(check.Alerts, alert)
	return nil
}

// CheckAndReserve проверяет лимит и, если пожертвование допустимо, резервирует сумму.
// Превышение лимита: алерт записывается, резерв не делается, WithinLimit=false.
// Нет полного адреса при сумме от порога детализации: алерт verification, VerificationRequired=true.
func (l *Ledger) CheckAndReserve(ctx context.Context, req ReserveRequest) (_ *LimitCheck, err error) {
	ctx, span := tracing.Start(ctx, "compliance.CheckAndReserve")
	defer func() { tracing.End(span, err) }()

	unlock, err := l.acquire(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	agg, err := l.aggs.GetAggregate(ctx, req.Key)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения агрегата: %w", err)
	}

	check := l.evaluate(agg, req.Amount)

	if !check.WithinLimit {
		if err := l.limitAlert(ctx, req.Key, req.SubjectID, check, req.Amount); err != nil {
			return nil, err
		}
		logger.Ctx(ctx).Warn().
			Str("donor_key", req.Key.String()).
			Int64("current_total", check.CurrentTotal).
			Int64("attempted", req.Amount).
			Msg("Превышен лимит пожертвований донора")
		return check, nil
	}

	if check.ProjectedTotal >= l.cfg.ItemizationThreshold && !req.HasCompleteAddress {
		check.VerificationRequired = true
		alert := domain.NewAlert(domain.AlertVerification, domain.SeverityMedium, req.Key, req.SubjectID, req.Amount,
			"сумма за цикл достигла порога детализации, адрес донора неполный", l.now())
		if err := l.RecordAlert(ctx, alert); err != nil {
			return nil, err
		}
		check.Alerts = append(check.Alerts, alert)
		return check, nil
	}

	agg.Apply(req.Amount, l.now())
	if err := l.aggs.UpsertAggregate(ctx, agg); err != nil {
		return nil, fmt.Errorf("ошибка резервирования суммы: %w", err)
	}
	check.Reserved = true

	return check, nil
}

// Check — проверка лимита без резервирования. Нарушение всё равно фиксируется алертом.
func (l *Ledger) Check(ctx context.Context, key domain.DonorKey, amount int64, subjectID string) (*LimitCheck, error) {
	agg, err := l.aggs.GetAggregate(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения агрегата: %w", err)
	}

	check := l.evaluate(agg, amount)
	if !check.WithinLimit {
		if err := l.limitAlert(ctx, key, subjectID, check, amount); err != nil {
			return nil, err
		}
	}
	return check, nil
}

// Adjust меняет агрегат на delta. Отрицательные delta (возвраты, откат резерва)
// ограничены снизу нулём. Положительная delta, выводящая итог за лимит, фиксируется алертом.
func (l *Ledger) Adjust(ctx context.Context, key domain.DonorKey, delta int64, subjectID string) error {
	if delta == 0 {
		return nil
	}

	unlock, err := l.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	agg, err := l.aggs.GetAggregate(ctx, key)
	if err != nil {
		return fmt.Errorf("ошибка чтения агрегата: %w", err)
	}

	before := agg.Total
	agg.Apply(delta, l.now())
	if err := l.aggs.UpsertAggregate(ctx, agg); err != nil {
		return fmt.Errorf("ошибка обновления агрегата: %w", err)
	}

	if delta > 0 && agg.Total > l.cfg.IndividualLimit {
		check := &LimitCheck{CurrentTotal: before, Limit: l.cfg.IndividualLimit}
		if err := l.limitAlert(ctx, key, subjectID, check, delta); err != nil {
			return err
		}
	}

	logger.Ctx(ctx).Debug().
		Str("donor_key", key.String()).
		Int64("delta", delta).
		Int64("total", agg.Total).
		Msg("Агрегат донора обновлён")
	return nil
}

// Release откатывает резерв после неудачного пожертвования.
func (l *Ledger) Release(ctx context.Context, key domain.DonorKey, amount int64, subjectID string) error {
	return l.Adjust(ctx, key, -amount, subjectID)
}

// RecordAlert сохраняет алерт до возврата управления вызывающему.
func (l *Ledger) RecordAlert(ctx context.Context, alert *domain.ComplianceAlert) error {
	if err := l.alerts.Create(ctx, alert); err != nil {
		return fmt.Errorf("ошибка сохранения алерта: %w", err)
	}
	metrics.ComplianceAlertsTotal.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()

	logger.Ctx(ctx).Info().
		Str("alert_id", alert.ID).
		Str("type", string(alert.Type)).
		Str("severity", string(alert.Severity)).
		Str("subject_id", alert.SubjectID).
		Msg("Создан алерт соответствия")
	return nil
}
