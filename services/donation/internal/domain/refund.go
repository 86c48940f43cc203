package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// RefundStatus — статус возврата.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundPending: {RefundSucceeded, RefundFailed},
}

// CanTransitionRefund проверяет переход без сущности.
func CanTransitionRefund(from, to RefundStatus) bool {
	return slices.Contains(refundTransitions[from], to)
}

// RefundReason — причина возврата.
type RefundReason string

const (
	ReasonRequestedByDonor RefundReason = "requested_by_donor"
	ReasonDuplicate        RefundReason = "duplicate"
	ReasonFraudulent       RefundReason = "fraudulent"
	ReasonCompliance       RefundReason = "compliance"
	ReasonOther            RefundReason = "other"
)

// IsValid проверяет причину возврата.
func (r RefundReason) IsValid() bool {
	switch r {
	case ReasonRequestedByDonor, ReasonDuplicate, ReasonFraudulent, ReasonCompliance, ReasonOther:
		return true
	}
	return false
}

// Refund — возврат средств по транзакции. У одной транзакции может быть несколько частичных возвратов.
type Refund struct {
	ID            string
	DonationID    string
	TransactionID string
	ExternalID    string
	Amount        int64
	Reason        RefundReason
	Status        RefundStatus
	NotifyDonor   bool
	FailureReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewRefund создаёт возврат в статусе pending.
func NewRefund(d *Donation, amount int64, reason RefundReason, notify bool, now time.Time) *Refund {
	if !reason.IsValid() {
		reason = ReasonOther
	}
	return &Refund{
		ID:            uuid.New().String(),
		DonationID:    d.ID,
		TransactionID: d.TransactionID,
		Amount:        amount,
		Reason:        reason,
		Status:        RefundPending,
		NotifyDonor:   notify,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CanTransitionTo проверяет, допустим ли переход.
func (r *Refund) CanTransitionTo(next RefundStatus) bool {
	return CanTransitionRefund(r.Status, next)
}

// Succeed отмечает возврат выполненным.
func (r *Refund) Succeed(now time.Time) error {
	if !r.CanTransitionTo(RefundSucceeded) {
		return ErrInvalidTransition
	}
	r.Status = RefundSucceeded
	r.UpdatedAt = now
	return nil
}

// Fail отмечает возврат неудачным.
func (r *Refund) Fail(reason string, now time.Time) error {
	if !r.CanTransitionTo(RefundFailed) {
		return ErrInvalidTransition
	}
	r.Status = RefundFailed
	r.FailureReason = &reason
	r.UpdatedAt = now
	return nil
}

// CountsTowardsTotal — возврат учитывается в сумме уже возвращённого (pending и succeeded).
func (r *Refund) CountsTowardsTotal() bool {
	return r.Status == RefundPending || r.Status == RefundSucceeded
}

// CheckRefundEligibility проверяет возможность возврата amount по пожертвованию.
// existing — все возвраты по той же транзакции.
func CheckRefundEligibility(d *Donation, existing []*Refund, amount int64, window time.Duration, now time.Time) error {
	if d.Status != DonationSucceeded {
		return &RefundIneligible{Reason: IneligibleStatus}
	}
	if amount <= 0 {
		return &RefundIneligible{Reason: IneligibleNonPositive}
	}
	if amount > d.Amount {
		return &RefundIneligible{Reason: IneligibleAmount}
	}
	var total int64
	for _, r := range existing {
		if r.CountsTowardsTotal() {
			total += r.Amount
		}
	}
	if total+amount > d.Amount {
		return &RefundIneligible{Reason: IneligibleAlreadyFull}
	}
	if window > 0 && now.Sub(d.CreatedAt) > window {
		return &RefundIneligible{Reason: IneligibleWindowExpired}
	}
	return nil
}
