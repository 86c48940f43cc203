package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/pkg/metrics"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/gateway"
)

// recurringObject — data.object событий recurring_payment.*.
type recurringObject struct {
	ID             string            `json:"id"` // ID регулярного платежа в шлюзе
	TransactionID  string            `json:"transaction_id,omitempty"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	FailureMessage string            `json:"failure_message,omitempty"`
	NextPaymentAt  int64             `json:"next_payment_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// disputeObject — data.object события dispute.created.
type disputeObject struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transaction_id"`
	Amount        int64             `json:"amount"`
	Reason        string            `json:"reason"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// Транзакции
// =============================================================================

// findDonation ищет пожертвование по metadata.donation_id, затем по ID транзакции.
func (i *Ingestor) findDonation(ctx context.Context, donationID, transactionID string) (*domain.Donation, error) {
	if donationID != "" {
		d, err := i.donations.FindByID(ctx, donationID)
		if err == nil || !errors.Is(err, domain.ErrDonationNotFound) {
			return d, err
		}
	}
	if transactionID == "" {
		return nil, domain.ErrDonationNotFound
	}
	return i.donations.FindByTransactionID(ctx, transactionID)
}

func (i *Ingestor) transactionSucceeded(ctx context.Context, txn *gateway.Transaction) ([]string, error) {
	d, err := i.findDonation(ctx, txn.Metadata["donation_id"], txn.ID)
	if err != nil {
		return unmatched(ctx, err, "transaction_id", txn.ID)
	}
	switch d.Status {
	case domain.DonationSucceeded, domain.DonationRefunded:
		return one(domain.ActionAlreadyApplied), nil
	case domain.DonationFailed, domain.DonationCanceled:
		return i.lateCapture(ctx, d, txn)
	}
	return i.settle(ctx, d, txn.ID)
}

// lateCapture учитывает списание, которое шлюз подтвердил после того, как
// пожертвование было закрыто (исход вызова был неизвестен). Статус не меняется:
// сумма возвращается в агрегат донора, оператор получает алерт для сверки.
func (i *Ingestor) lateCapture(ctx context.Context, d *domain.Donation, txn *gateway.Transaction) ([]string, error) {
	if d.HasFlag(domain.FlagLateCapture) {
		return one(domain.ActionAlreadyApplied), nil
	}

	d.AddFlags(domain.FlagLateCapture)
	if d.TransactionID == "" {
		d.TransactionID = txn.ID
	}
	if err := i.donations.Update(ctx, d, d.Status); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			return one(domain.ActionAlreadyApplied), nil
		}
		return nil, fmt.Errorf("ошибка обновления пожертвования: %w", err)
	}

	amount := txn.Amount
	if amount <= 0 {
		amount = d.Amount
	}
	log := logger.Ctx(ctx).With().
		Str("donation_id", d.ID).
		Str("transaction_id", txn.ID).
		Str("status", string(d.Status)).
		Int64("amount", amount).
		Logger()
	log.Error().Msg("Шлюз подтвердил списание по закрытому пожертвованию")

	// Adjust сам заводит алерт contribution_limit, если сумма выводит донора за лимит.
	if err := i.ledger.Adjust(ctx, d.DonorKey(), amount, d.ID); err != nil {
		return one(domain.ActionLateCapture), fmt.Errorf("ошибка учёта списания в агрегате: %w", err)
	}

	msg := fmt.Sprintf("gateway captured transaction %s for donation in status %s; reconcile or refund", txn.ID, d.Status)
	alert := domain.NewAlert(domain.AlertVerification, domain.SeverityHigh, d.DonorKey(), d.ID, amount, msg, i.now())
	if err := i.ledger.RecordAlert(ctx, alert); err != nil {
		return one(domain.ActionLateCapture), err
	}
	metrics.DonationsTotal.WithLabelValues("late_capture", d.Kind()).Inc()
	return one(domain.ActionLateCapture), nil
}

// settle переводит пожертвование в succeeded. Квитанцию отправляет только
// обработчик, чьё условное обновление применилось.
func (i *Ingestor) settle(ctx context.Context, d *domain.Donation, transactionID string) ([]string, error) {
	from := d.Status
	if from == domain.DonationPending {
		if err := d.MarkProcessing(d.CustomerID, d.PaymentMethodID); err != nil {
			return nil, err
		}
	}
	if err := d.Succeed(transactionID); err != nil {
		return nil, fmt.Errorf("пожертвование %s в статусе %s: %w", d.ID, from, err)
	}
	if err := i.donations.Update(ctx, d, from); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			return one(domain.ActionAlreadyApplied), nil
		}
		return nil, fmt.Errorf("ошибка обновления пожертвования: %w", err)
	}

	metrics.DonationsTotal.WithLabelValues(string(d.Status), d.Kind()).Inc()
	metrics.DonationAmountCents.WithLabelValues(d.Currency).Add(float64(d.Amount))
	if err := i.notifier.SendReceipt(ctx, d); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("donation_id", d.ID).Msg("Не удалось поставить квитанцию в очередь")
	}
	return one(domain.ActionDonationSucceeded), nil
}

func (i *Ingestor) transactionFailed(ctx context.Context, txn *gateway.Transaction) ([]string, error) {
	reason := txn.FailureMessage
	if reason == "" {
		reason = "transaction failed"
	}
	return i.closeTransaction(ctx, txn, domain.DonationFailed, reason)
}

func (i *Ingestor) transactionCanceled(ctx context.Context, txn *gateway.Transaction) ([]string, error) {
	return i.closeTransaction(ctx, txn, domain.DonationCanceled, "transaction canceled")
}

func (i *Ingestor) closeTransaction(ctx context.Context, txn *gateway.Transaction, to domain.DonationStatus, reason string) ([]string, error) {
	d, err := i.findDonation(ctx, txn.Metadata["donation_id"], txn.ID)
	if err != nil {
		return unmatched(ctx, err, "transaction_id", txn.ID)
	}
	if d.Status == to {
		return one(domain.ActionAlreadyApplied), nil
	}
	if txn.ID != "" && d.TransactionID == "" {
		d.TransactionID = txn.ID
	}
	return i.closeDonation(ctx, d, to, domain.StepTransaction, reason)
}

// closeDonation переводит пожертвование в failed или canceled, откатывает
// резерв лимита и уведомляет донора об отказе.
func (i *Ingestor) closeDonation(ctx context.Context, d *domain.Donation, to domain.DonationStatus, step, reason string) ([]string, error) {
	from := d.Status
	var err error
	action := domain.ActionDonationFailed
	if to == domain.DonationCanceled {
		action = domain.ActionDonationCanceled
		err = d.Cancel(reason)
	} else {
		err = d.Fail(step, reason)
	}
	if err != nil {
		return nil, fmt.Errorf("пожертвование %s в статусе %s: %w", d.ID, from, err)
	}

	if err := i.donations.Update(ctx, d, from); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			return one(domain.ActionAlreadyApplied), nil
		}
		return nil, fmt.Errorf("ошибка обновления пожертвования: %w", err)
	}
	metrics.DonationsTotal.WithLabelValues(string(d.Status), d.Kind()).Inc()

	if err := i.ledger.Release(ctx, d.DonorKey(), d.Amount, d.ID); err != nil {
		return []string{action}, fmt.Errorf("ошибка отката резерва лимита: %w", err)
	}
	if to == domain.DonationFailed {
		if err := i.notifier.SendFailureNotice(ctx, d); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("donation_id", d.ID).Msg("Не удалось поставить уведомление об отказе в очередь")
		}
	}
	return []string{action}, nil
}

func (i *Ingestor) transactionRefunded(ctx context.Context, txn *gateway.Transaction) ([]string, error) {
	if txn.ID == "" {
		return nil, fmt.Errorf("%w: нет id транзакции", ErrMalformedPayload)
	}
	changed, err := i.applier.ReconcileTransaction(ctx, txn.ID, txn.AmountRefunded)
	if err != nil {
		return unmatched(ctx, err, "transaction_id", txn.ID)
	}
	if !changed {
		return one(domain.ActionAlreadyApplied), nil
	}
	return one(domain.ActionDonationRefunded), nil
}

// =============================================================================
// Регулярные платежи
// =============================================================================

func (i *Ingestor) recurringSucceeded(ctx context.Context, obj *recurringObject) ([]string, error) {
	sub, err := i.subscriptions.GetByExternalID(ctx, obj.ID)
	if err != nil {
		return unmatched(ctx, err, "recurring_payment_id", obj.ID)
	}

	// Первое списание подтверждает исходное пожертвование.
	initial, err := i.donations.FindPendingBySubscription(ctx, obj.ID)
	switch {
	case err == nil:
		return i.settle(ctx, initial, obj.TransactionID)
	case !errors.Is(err, domain.ErrDonationNotFound):
		return nil, err
	}

	if obj.TransactionID == "" {
		return nil, fmt.Errorf("%w: нет transaction_id списания", ErrMalformedPayload)
	}
	if _, err := i.donations.FindByTransactionID(ctx, obj.TransactionID); err == nil {
		return one(domain.ActionAlreadyApplied), nil
	} else if !errors.Is(err, domain.ErrDonationNotFound) {
		return nil, err
	}

	now := i.now()
	inst := domain.NewInstallment(sub, i.ledger.CycleFor(now), now)
	inst.IdempotencyKey = "installment:" + obj.TransactionID
	if obj.Amount > 0 {
		inst.Amount = obj.Amount
	}
	if err := inst.MarkProcessing(sub.CustomerID, sub.PaymentMethodID); err != nil {
		return nil, err
	}
	if err := inst.Succeed(obj.TransactionID); err != nil {
		return nil, err
	}
	if err := i.donations.Save(ctx, inst); err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			return one(domain.ActionAlreadyApplied), nil
		}
		return nil, fmt.Errorf("ошибка сохранения списания подписки: %w", err)
	}
	actions := []string{domain.ActionInstallmentCreated}

	// Деньги уже списаны: агрегат увеличивается безусловно, превышение фиксируется алертом.
	if err := i.ledger.Adjust(ctx, inst.DonorKey(), inst.Amount, inst.ID); err != nil {
		return actions, fmt.Errorf("ошибка обновления агрегата: %w", err)
	}
	metrics.DonationsTotal.WithLabelValues(string(inst.Status), inst.Kind()).Inc()
	metrics.DonationAmountCents.WithLabelValues(inst.Currency).Add(float64(inst.Amount))
	if err := i.notifier.SendReceipt(ctx, inst); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("donation_id", inst.ID).Msg("Не удалось поставить квитанцию в очередь")
	}

	sub.RecordPayment(now)
	if obj.NextPaymentAt > 0 {
		sub.NextRunAt = time.Unix(obj.NextPaymentAt, 0).UTC()
	}
	if err := i.subscriptions.Update(ctx, sub); err != nil {
		return actions, fmt.Errorf("ошибка обновления подписки: %w", err)
	}
	return actions, nil
}

func (i *Ingestor) recurringFailed(ctx context.Context, obj *recurringObject) ([]string, error) {
	sub, err := i.subscriptions.GetByExternalID(ctx, obj.ID)
	if err != nil {
		return unmatched(ctx, err, "recurring_payment_id", obj.ID)
	}
	reason := obj.FailureMessage
	if reason == "" {
		reason = "recurring payment failed"
	}
	now := i.now()

	initial, err := i.donations.FindPendingBySubscription(ctx, obj.ID)
	switch {
	case err == nil:
		actions, err := i.closeDonation(ctx, initial, domain.DonationFailed, domain.StepSubscription, reason)
		if err != nil {
			return actions, err
		}
		// Без первого платежа серия не начинается.
		if changed, cerr := sub.Cancel("initial payment failed", now); cerr == nil && changed {
			if err := i.subscriptions.Update(ctx, sub); err != nil {
				return actions, fmt.Errorf("ошибка обновления подписки: %w", err)
			}
			actions = append(actions, domain.ActionSubscriptionClosed)
		}
		return actions, nil
	case !errors.Is(err, domain.ErrDonationNotFound):
		return nil, err
	}

	sub.NoteFailure(reason, now)
	if err := i.subscriptions.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("ошибка обновления подписки: %w", err)
	}
	logger.Ctx(ctx).Warn().
		Str("subscription_id", sub.ID).
		Int("failure_count", sub.FailureCount).
		Str("reason", reason).
		Msg("Списание подписки шлюза не выполнено")
	return one(domain.ActionSubscriptionFailed), nil
}

func (i *Ingestor) recurringCanceled(ctx context.Context, obj *recurringObject) ([]string, error) {
	sub, err := i.subscriptions.GetByExternalID(ctx, obj.ID)
	if err != nil {
		return unmatched(ctx, err, "recurring_payment_id", obj.ID)
	}

	var actions []string
	initial, err := i.donations.FindPendingBySubscription(ctx, obj.ID)
	switch {
	case err == nil:
		closed, err := i.closeDonation(ctx, initial, domain.DonationCanceled, domain.StepSubscription, "recurring payment canceled")
		actions = append(actions, closed...)
		if err != nil {
			return actions, err
		}
	case !errors.Is(err, domain.ErrDonationNotFound):
		return nil, err
	}

	changed, err := sub.Cancel("canceled by gateway", i.now())
	if err != nil || !changed {
		if len(actions) == 0 {
			return one(domain.ActionAlreadyApplied), nil
		}
		return actions, nil
	}
	if err := i.subscriptions.Update(ctx, sub); err != nil {
		return actions, fmt.Errorf("ошибка обновления подписки: %w", err)
	}
	return append(actions, domain.ActionSubscriptionClosed), nil
}

// =============================================================================
// Возвраты и споры
// =============================================================================

// findRefund ищет возврат по ID шлюза, затем по metadata.refund_id: ответ на
// создание мог не дойти до сервиса, и ExternalID ещё не сохранён.
func (i *Ingestor) findRefund(ctx context.Context, obj *gateway.RefundObject) (*domain.Refund, error) {
	if obj.ID != "" {
		r, err := i.refunds.GetByExternalID(ctx, obj.ID)
		if err == nil || !errors.Is(err, domain.ErrRefundNotFound) {
			return r, err
		}
	}
	id := obj.Metadata["refund_id"]
	if id == "" {
		return nil, domain.ErrRefundNotFound
	}
	r, err := i.refunds.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.ExternalID == "" && obj.ID != "" {
		if err := i.refunds.SetExternalID(ctx, r.ID, obj.ID); err != nil {
			return nil, fmt.Errorf("ошибка сохранения ID возврата шлюза: %w", err)
		}
		r.ExternalID = obj.ID
	}
	return r, nil
}

func (i *Ingestor) refundSucceeded(ctx context.Context, obj *gateway.RefundObject) ([]string, error) {
	r, err := i.findRefund(ctx, obj)
	if err != nil {
		return unmatched(ctx, err, "refund_id", obj.ID)
	}
	applied, err := i.applier.ApplySucceeded(ctx, r)
	if err != nil {
		return nil, err
	}
	if !applied {
		return one(domain.ActionAlreadyApplied), nil
	}
	return one(domain.ActionRefundSucceeded), nil
}

func (i *Ingestor) refundFailed(ctx context.Context, obj *gateway.RefundObject) ([]string, error) {
	r, err := i.findRefund(ctx, obj)
	if err != nil {
		return unmatched(ctx, err, "refund_id", obj.ID)
	}
	reason := obj.FailureMessage
	if reason == "" {
		reason = "refund failed"
	}
	applied, err := i.applier.ApplyFailed(ctx, r, reason)
	if err != nil {
		return nil, err
	}
	if !applied {
		return one(domain.ActionAlreadyApplied), nil
	}
	return one(domain.ActionRefundFailed), nil
}

// disputeCreated помечает пожертвование и заводит алерт для проверки.
// Статус не меняется: исход спора решается вне сервиса.
func (i *Ingestor) disputeCreated(ctx context.Context, obj *disputeObject) ([]string, error) {
	d, err := i.findDonation(ctx, obj.Metadata["donation_id"], obj.TransactionID)
	if err != nil {
		return unmatched(ctx, err, "transaction_id", obj.TransactionID)
	}
	if d.HasFlag(domain.FlagDisputed) {
		return one(domain.ActionAlreadyApplied), nil
	}

	d.AddFlags(domain.FlagDisputed)
	if err := i.donations.Update(ctx, d, d.Status); err != nil {
		return nil, fmt.Errorf("ошибка обновления пожертвования: %w", err)
	}

	amount := obj.Amount
	if amount == 0 {
		amount = d.Amount
	}
	msg := "dispute opened: " + obj.Reason
	alert := domain.NewAlert(domain.AlertFraud, domain.SeverityMedium, d.DonorKey(), d.ID, amount, msg, i.now())
	if err := i.ledger.RecordAlert(ctx, alert); err != nil {
		return one(domain.ActionDisputeFlagged), err
	}
	return one(domain.ActionDisputeFlagged), nil
}

// unmatched превращает "не найдено" в действие unmatched: событие по объекту,
// которого у сервиса нет, фиксируется и не считается ошибкой.
func unmatched(ctx context.Context, err error, field, id string) ([]string, error) {
	if errors.Is(err, domain.ErrDonationNotFound) ||
		errors.Is(err, domain.ErrSubscriptionNotFound) ||
		errors.Is(err, domain.ErrRefundNotFound) {
		logger.Ctx(ctx).Warn().Str(field, id).Msg("Объект события webhook не найден")
		return one(domain.ActionUnmatched), nil
	}
	return nil, err
}
