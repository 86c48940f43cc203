// Package donation содержит оркестратор пожертвований: проверка запроса, fraud-скоринг,
// резерв лимита, создание объектов в шлюзе и фиксация итогового статуса.
package donation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/pkg/metrics"
	"example.com/campaign-payments/pkg/retry"
	"example.com/campaign-payments/pkg/tracing"
	"example.com/campaign-payments/services/donation/internal/compliance"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/gateway"
	"example.com/campaign-payments/services/donation/internal/notify"
	"example.com/campaign-payments/services/donation/internal/repository"
	"example.com/campaign-payments/services/donation/internal/validation"
)

// ReasonCanceledByCaller — причина отказа при отмене запроса вызывающим.
const ReasonCanceledByCaller = "canceled by caller"

// Gateway — операции шлюза, нужные оркестратору.
type Gateway interface {
	CreateCustomer(ctx context.Context, p gateway.CustomerParams) (*gateway.Customer, error)
	CreatePaymentMethod(ctx context.Context, p gateway.PaymentMethodParams) (*gateway.PaymentMethod, error)
	CreateTransaction(ctx context.Context, p gateway.TransactionParams, idempotencyKey string) (*gateway.Transaction, error)
	CreateRecurringPayment(ctx context.Context, p gateway.RecurringPaymentParams, idempotencyKey string) (*gateway.RecurringPayment, error)
}

// FraudScreener — fraud-скоринг запроса.
type FraudScreener interface {
	Screen(ctx context.Context, req *domain.DonationRequest) (*validation.FraudAssessment, error)
}

// Config — параметры оркестратора.
type Config struct {
	Retry retry.Policy

	// LocalRecurring — регулярные списания выполняет локальный планировщик.
	// Иначе создаётся регулярный платёж в шлюзе, списания подтверждаются webhook-ами.
	LocalRecurring bool
}

// Result — итог обработки запроса.
type Result struct {
	Donation        *domain.Donation
	Subscription    *domain.Subscription
	ComplianceFlags []string
	Warnings        []string
	FraudScore      int
	Duplicate       bool
}

// Orchestrator проводит пожертвование через все шаги.
type Orchestrator struct {
	donations     repository.DonationRepository
	subscriptions repository.SubscriptionRepository
	fundraisers   validation.FundraiserLookup
	validator     *validation.Engine
	fraud         FraudScreener
	ledger        *compliance.Ledger
	gw            Gateway
	notifier      notify.Sender
	cfg           Config
	now           func() time.Time
}

// NewOrchestrator создаёт оркестратор. fraud может быть nil.
func NewOrchestrator(
	donations repository.DonationRepository,
	subscriptions repository.SubscriptionRepository,
	fundraisers validation.FundraiserLookup,
	validator *validation.Engine,
	fraud FraudScreener,
	ledger *compliance.Ledger,
	gw Gateway,
	notifier notify.Sender,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		donations:     donations,
		subscriptions: subscriptions,
		fundraisers:   fundraisers,
		validator:     validator,
		fraud:         fraud,
		ledger:        ledger,
		gw:            gw,
		notifier:      notifier,
		cfg:           cfg,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// GetDonation возвращает пожертвование по ID.
func (o *Orchestrator) GetDonation(ctx context.Context, id string) (*domain.Donation, error) {
	return o.donations.FindByID(ctx, id)
}

// =============================================================================
// CreateDonation
// =============================================================================

// CreateDonation обрабатывает запрос на пожертвование.
//
// Отказы проверки, fraud-скоринга и лимитов возвращаются до любых внешних вызовов
// и не создают записей. После сохранения pending пожертвования любая ошибка
// переводит его в failed с указанием шага; ошибка возвращается вместе с результатом.
func (o *Orchestrator) CreateDonation(ctx context.Context, req *domain.DonationRequest) (_ *Result, err error) {
	ctx, span := tracing.Start(ctx, "donation.CreateDonation",
		attribute.String("fundraiser.id", req.FundraiserID),
		attribute.Bool("donation.recurring", req.IsRecurring),
	)
	defer func() { tracing.End(span, err) }()

	log := logger.Ctx(ctx).With().
		Str("fundraiser_id", req.FundraiserID).
		Int64("amount", req.Amount).
		Bool("recurring", req.IsRecurring).
		Logger()

	if req.IdempotencyKey != "" {
		if existing, err := o.donations.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
			log.Info().Str("donation_id", existing.ID).Msg("Повторный запрос, возвращаем сохранённое пожертвование")
			return &Result{Donation: existing, ComplianceFlags: existing.ComplianceFlags, Duplicate: true}, nil
		} else if !errors.Is(err, domain.ErrDonationNotFound) {
			return nil, fmt.Errorf("ошибка поиска по ключу идемпотентности: %w", err)
		}
	}

	kind := "one_time"
	if req.IsRecurring {
		kind = "recurring"
	}

	normalized := *req
	normalized.Donor = req.Donor.Normalized()
	normalized.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	// 1. Проверка запроса
	checked := o.validator.Validate(ctx, &normalized)
	if !checked.Accepted {
		metrics.DonationsTotal.WithLabelValues("rejected_validation", kind).Inc()
		log.Info().Int("errors", len(checked.Errors)).Msg("Пожертвование отклонено проверкой")
		return nil, checked.Err()
	}

	fundraiser, err := o.fundraisers.Get(ctx, normalized.FundraiserID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сбора: %w", err)
	}

	now := o.now()
	d := domain.NewDonation(&normalized, fundraiser.OrganizationID, o.ledger.CycleFor(now), now)
	d.AddFlags(checked.ComplianceFlags...)
	result := &Result{Donation: d, Warnings: checked.Warnings}

	// 2. Fraud-скоринг
	if o.fraud != nil {
		assessment, err := o.fraud.Screen(ctx, &normalized)
		if assessment != nil {
			result.FraudScore = assessment.Score
		}
		var rejection *domain.FraudRejection
		if errors.As(err, &rejection) {
			alert := domain.NewAlert(domain.AlertFraud, domain.SeverityHigh, d.DonorKey(), d.ID, d.Amount,
				fmt.Sprintf("fraud score %d: %s", rejection.Score, strings.Join(rejection.Reasons, "; ")), now)
			if alertErr := o.ledger.RecordAlert(ctx, alert); alertErr != nil {
				return nil, alertErr
			}
			metrics.DonationsTotal.WithLabelValues("rejected_fraud", kind).Inc()
			log.Warn().Int("score", rejection.Score).Msg("Пожертвование отклонено fraud-скорингом")
			return nil, rejection
		}
		if err != nil {
			return nil, err
		}
		if assessment != nil && assessment.Review {
			d.AddFlags(domain.FlagFraudReview)
		}
	}

	// 3. Лимит донора
	key := d.DonorKey()
	check, err := o.ledger.CheckAndReserve(ctx, compliance.ReserveRequest{
		Key:                key,
		Amount:             d.Amount,
		SubjectID:          d.ID,
		HasCompleteAddress: d.Donor.HasCompleteAddress(),
	})
	if err != nil {
		return nil, err
	}
	if cerr := check.Err(key, d.Amount); cerr != nil {
		metrics.DonationsTotal.WithLabelValues("rejected_compliance", kind).Inc()
		return nil, cerr
	}
	d.AddFlags(check.Flags...)

	// 4. Сохранение pending
	if err := o.donations.Save(ctx, d); err != nil {
		o.release(context.WithoutCancel(ctx), d)
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			existing, findErr := o.donations.FindByIdempotencyKey(ctx, d.IdempotencyKey)
			if findErr != nil {
				return nil, findErr
			}
			return &Result{Donation: existing, ComplianceFlags: existing.ComplianceFlags, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("ошибка сохранения пожертвования: %w", err)
	}

	ctx = logger.WithLogger(ctx, logger.Logger().With().Str("donation_id", d.ID).Logger())

	// 5. Клиент и способ оплаты
	customer, err := retry.DoValue(ctx, o.cfg.Retry, "create_customer", gateway.IsRetryable,
		func(ctx context.Context) (*gateway.Customer, error) {
			return o.gw.CreateCustomer(ctx, customerParams(d))
		})
	if err != nil {
		return o.fail(ctx, result, domain.StepCustomer, err)
	}

	pm, err := retry.DoValue(ctx, o.cfg.Retry, "create_payment_method", gateway.IsRetryable,
		func(ctx context.Context) (*gateway.PaymentMethod, error) {
			return o.gw.CreatePaymentMethod(ctx, gateway.PaymentMethodParams{
				CustomerID: customer.ID,
				Token:      normalized.PaymentMethod.Token,
				Type:       normalized.PaymentMethod.Type,
			})
		})
	if err != nil {
		return o.fail(ctx, result, domain.StepPaymentMethod, err)
	}

	// 6. pending → processing
	if err := o.commit(ctx, d, func() error { return d.MarkProcessing(customer.ID, pm.ID) }); err != nil {
		return o.fail(ctx, result, domain.StepPaymentMethod, err)
	}

	// 7. Списание или регулярный платёж
	switch {
	case !d.IsRecurring:
		err = o.charge(ctx, d, "donation")
	case o.cfg.LocalRecurring:
		err = o.startLocalSubscription(ctx, result, &normalized)
	default:
		err = o.startGatewaySubscription(ctx, result, &normalized)
	}
	if err != nil {
		return o.fail(ctx, result, o.failedStep(d), err)
	}

	o.finish(ctx, d)
	result.ComplianceFlags = d.ComplianceFlags
	return result, nil
}

// ChargeSubscription выполняет очередное списание локальной подписки тем же путём,
// что и разовое пожертвование: резерв лимита, сохранение, транзакция.
func (o *Orchestrator) ChargeSubscription(ctx context.Context, sub *domain.Subscription) (_ *domain.Donation, err error) {
	ctx, span := tracing.Start(ctx, "donation.ChargeSubscription", attribute.String("subscription.id", sub.ID))
	defer func() { tracing.End(span, err) }()

	now := o.now()
	d := domain.NewInstallment(sub, o.ledger.CycleFor(now), now)

	key := d.DonorKey()
	check, err := o.ledger.CheckAndReserve(ctx, compliance.ReserveRequest{
		Key:                key,
		Amount:             d.Amount,
		SubjectID:          d.ID,
		HasCompleteAddress: d.Donor.HasCompleteAddress(),
	})
	if err != nil {
		return nil, err
	}
	if cerr := check.Err(key, d.Amount); cerr != nil {
		metrics.DonationsTotal.WithLabelValues("rejected_compliance", "installment").Inc()
		return nil, cerr
	}
	d.AddFlags(check.Flags...)

	if err := o.donations.Save(ctx, d); err != nil {
		o.release(context.WithoutCancel(ctx), d)
		return nil, fmt.Errorf("ошибка сохранения пожертвования: %w", err)
	}

	result := &Result{Donation: d, Subscription: sub}
	if err := o.commit(ctx, d, func() error { return d.MarkProcessing(sub.CustomerID, sub.PaymentMethodID) }); err != nil {
		_, ferr := o.fail(ctx, result, domain.StepTransaction, err)
		return d, ferr
	}

	if err := o.charge(ctx, d, "installment"); err != nil {
		_, ferr := o.fail(ctx, result, domain.StepTransaction, err)
		return d, ferr
	}

	o.finish(ctx, d)
	return d, nil
}

// =============================================================================
// Шаги
// =============================================================================

func customerParams(d *domain.Donation) gateway.CustomerParams {
	p := gateway.CustomerParams{
		Email:     d.Donor.Email,
		FirstName: d.Donor.FirstName,
		LastName:  d.Donor.LastName,
		Phone:     d.Donor.Phone,
		Metadata:  map[string]string{"donation_id": d.ID, "organization_id": d.OrganizationID},
	}
	if a := d.Donor.Address; a != nil {
		p.Address = &gateway.Address{
			Line1: a.Line1, Line2: a.Line2, City: a.City,
			State: a.State, PostalCode: a.PostalCode, Country: a.Country,
		}
	}
	return p
}

// charge создаёт транзакцию (Idempotency-Key = ID пожертвования) и применяет её статус.
// processing/pending оставляет пожертвование в processing до webhook.
func (o *Orchestrator) charge(ctx context.Context, d *domain.Donation, description string) error {
	txn, err := retry.DoValue(ctx, o.cfg.Retry, "create_transaction", gateway.IsRetryable,
		func(ctx context.Context) (*gateway.Transaction, error) {
			return o.gw.CreateTransaction(ctx, gateway.TransactionParams{
				CustomerID:      d.CustomerID,
				PaymentMethodID: d.PaymentMethodID,
				Amount:          d.Amount,
				Currency:        d.Currency,
				Description:     description,
				Capture:         true,
				Metadata: map[string]string{
					"donation_id":     d.ID,
					"subscription_id": d.SubscriptionID,
				},
			}, d.ID)
		})
	if err != nil {
		return err
	}

	d.TransactionID = txn.ID
	switch txn.Status {
	case gateway.StatusSucceeded:
		return o.commit(ctx, d, func() error { return d.Succeed(txn.ID) })
	case gateway.StatusFailed, gateway.StatusCanceled:
		msg := txn.FailureMessage
		if msg == "" {
			msg = "transaction " + txn.Status
		}
		return &gateway.GatewayError{StatusCode: 402, Code: txn.FailureCode, Message: msg}
	default:
		// Асинхронное подтверждение: статус установит webhook.
		return o.donations.Update(ctx, d, domain.DonationProcessing)
	}
}

// startGatewaySubscription создаёт регулярный платёж в шлюзе и локальную подписку.
// Пожертвование остаётся processing до recurring_payment.succeeded.
func (o *Orchestrator) startGatewaySubscription(ctx context.Context, result *Result, req *domain.DonationRequest) error {
	d := result.Donation
	now := o.now()
	sub := domain.NewSubscription(d, req, now)

	params := gateway.RecurringPaymentParams{
		CustomerID:      d.CustomerID,
		PaymentMethodID: d.PaymentMethodID,
		Amount:          d.Amount,
		Currency:        d.Currency,
		Interval:        string(sub.Interval),
		IntervalCount:   sub.IntervalCount,
		Metadata:        map[string]string{"donation_id": d.ID, "subscription_id": sub.ID},
	}
	if sub.EndsAt != nil {
		params.EndDate = sub.EndsAt.Unix()
	}

	rp, err := retry.DoValue(ctx, o.cfg.Retry, "create_recurring_payment", gateway.IsRetryable,
		func(ctx context.Context) (*gateway.RecurringPayment, error) {
			return o.gw.CreateRecurringPayment(ctx, params, d.ID)
		})
	if err != nil {
		return err
	}

	sub.ExternalID = rp.ID
	if err := o.subscriptions.Create(ctx, sub); err != nil {
		return fmt.Errorf("ошибка сохранения подписки: %w", err)
	}
	result.Subscription = sub

	d.SubscriptionID = sub.ID
	d.ExternalSubscriptionID = rp.ID
	return o.donations.Update(ctx, d, domain.DonationProcessing)
}

// startLocalSubscription списывает первый платёж и создаёт подписку для планировщика.
// Подписка создаётся до списания и отменяется, если первое списание не прошло.
func (o *Orchestrator) startLocalSubscription(ctx context.Context, result *Result, req *domain.DonationRequest) error {
	d := result.Donation
	now := o.now()
	sub := domain.NewSubscription(d, req, now)
	if err := o.subscriptions.Create(ctx, sub); err != nil {
		return fmt.Errorf("ошибка сохранения подписки: %w", err)
	}
	result.Subscription = sub
	d.SubscriptionID = sub.ID

	if err := o.charge(ctx, d, "recurring donation"); err != nil {
		if _, cerr := sub.Cancel("initial payment failed", o.now()); cerr == nil {
			if uerr := o.subscriptions.Update(context.WithoutCancel(ctx), sub); uerr != nil {
				logger.Ctx(ctx).Error().Err(uerr).Str("subscription_id", sub.ID).Msg("Не удалось отменить подписку")
			}
		}
		return err
	}
	return nil
}

func (o *Orchestrator) failedStep(d *domain.Donation) string {
	if d.IsRecurring && !o.cfg.LocalRecurring {
		return domain.StepSubscription
	}
	return domain.StepTransaction
}

// finish фиксирует метрики и отправляет квитанцию по успешному пожертвованию.
func (o *Orchestrator) finish(ctx context.Context, d *domain.Donation) {
	metrics.DonationsTotal.WithLabelValues(string(d.Status), d.Kind()).Inc()

	log := logger.Ctx(ctx)
	if d.Status != domain.DonationSucceeded {
		log.Info().Str("status", string(d.Status)).Msg("Пожертвование ожидает подтверждения шлюза")
		return
	}

	metrics.DonationAmountCents.WithLabelValues(d.Currency).Add(float64(d.Amount))
	if err := o.notifier.SendReceipt(ctx, d); err != nil {
		log.Error().Err(err).Msg("Не удалось поставить квитанцию в очередь")
	}
	log.Info().Str("transaction_id", d.TransactionID).Msg("Пожертвование успешно")
}

// commit применяет переход к пожертвованию и сохраняет его условным UPDATE.
// Если запись не удалась, сущность в памяти возвращается к сохранённому состоянию.
func (o *Orchestrator) commit(ctx context.Context, d *domain.Donation, transition func() error) error {
	prev := *d
	prev.ComplianceFlags = append([]string(nil), d.ComplianceFlags...)
	if err := transition(); err != nil {
		return err
	}
	if err := o.donations.Update(ctx, d, prev.Status); err != nil {
		*d = prev
		return err
	}
	return nil
}

// fail переводит сохранённое пожертвование в failed и откатывает резерв лимита.
// Запись выполняется без отмены контекста: отмена вызывающим не должна оставить pending.
func (o *Orchestrator) fail(ctx context.Context, result *Result, step string, cause error) (*Result, error) {
	d := result.Donation
	persistCtx := context.WithoutCancel(ctx)

	reason := gateway.Reason(cause)
	canceled := errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) || ctx.Err() != nil
	if canceled {
		reason = ReasonCanceledByCaller
	}

	from := d.Status
	if err := d.Fail(step, reason); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("status", string(from)).Msg("Невозможно перевести пожертвование в failed")
		return result, cause
	}
	if err := o.persistFailed(persistCtx, d, from); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Не удалось сохранить статус failed")
	}
	o.release(persistCtx, d)
	result.ComplianceFlags = d.ComplianceFlags

	metrics.DonationsTotal.WithLabelValues(string(domain.DonationFailed), d.Kind()).Inc()
	logger.Ctx(ctx).Warn().
		Err(cause).
		Str("step", step).
		Str("reason", reason).
		Msg("Пожертвование не выполнено")

	if !canceled && step == domain.StepTransaction {
		if err := o.notifier.SendFailureNotice(persistCtx, d); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Не удалось поставить уведомление об отказе в очередь")
		}
	}

	if canceled && ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, cause
}

// persistFailed сохраняет failed. Если строка в хранилище уже в другом статусе
// (запись прошла, но вернула ошибку), переход повторяется от прочитанного статуса.
func (o *Orchestrator) persistFailed(ctx context.Context, d *domain.Donation, from domain.DonationStatus) error {
	err := o.donations.Update(ctx, d, from)
	if !errors.Is(err, domain.ErrStaleStatus) {
		return err
	}
	stored, findErr := o.donations.FindByID(ctx, d.ID)
	if findErr != nil {
		return fmt.Errorf("%w (повторное чтение: %v)", err, findErr)
	}
	if stored.Status == from || !domain.CanTransitionDonation(stored.Status, domain.DonationFailed) {
		return err
	}
	return o.donations.Update(ctx, d, stored.Status)
}

func (o *Orchestrator) release(ctx context.Context, d *domain.Donation) {
	if err := o.ledger.Release(ctx, d.DonorKey(), d.Amount, d.ID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("donation_id", d.ID).Msg("Не удалось откатить резерв лимита")
	}
}
