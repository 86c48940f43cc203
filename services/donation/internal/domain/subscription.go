package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Interval — период регулярного пожертвования.
type Interval string

const (
	IntervalMonthly   Interval = "monthly"
	IntervalQuarterly Interval = "quarterly"
	IntervalYearly    Interval = "yearly"
)

// IsValid проверяет, что интервал поддерживается.
func (i Interval) IsValid() bool {
	switch i {
	case IntervalMonthly, IntervalQuarterly, IntervalYearly:
		return true
	}
	return false
}

// Next возвращает дату следующего списания через count интервалов.
func (i Interval) Next(from time.Time, count int) time.Time {
	if count < 1 {
		count = 1
	}
	switch i {
	case IntervalQuarterly:
		return from.AddDate(0, 3*count, 0)
	case IntervalYearly:
		return from.AddDate(count, 0, 0)
	default:
		return from.AddDate(0, count, 0)
	}
}

// SubscriptionStatus — статус регулярного пожертвования.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPaused   SubscriptionStatus = "paused"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionExpired  SubscriptionStatus = "expired"
)

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionActive: {SubscriptionPaused, SubscriptionCanceled, SubscriptionExpired},
	SubscriptionPaused: {SubscriptionActive, SubscriptionCanceled},
}

// Subscription — регулярное пожертвование.
// Если ExternalID задан, списания выполняет шлюз и подтверждает webhook-ами,
// иначе их выполняет локальный планировщик.
type Subscription struct {
	ID                string
	ExternalID        string
	InitialDonationID string // первое пожертвование серии
	FundraiserID      string
	OrganizationID    string
	Donor             DonorInfo
	CustomerID        string
	PaymentMethodID   string
	Amount            int64
	Currency          string
	Interval          Interval
	IntervalCount     int
	Status            SubscriptionStatus
	NextRunAt         time.Time
	EndsAt            *time.Time
	PaymentsMade      int
	FailureCount      int
	LastFailure       *string
	PausedAt          *time.Time
	CanceledAt        *time.Time
	CancelReason      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewSubscription создаёт активную подписку по первому пожертвованию.
// Первое списание уже выполнено, поэтому NextRunAt — через один интервал.
func NewSubscription(d *Donation, req *DonationRequest, now time.Time) *Subscription {
	count := req.IntervalCount
	if count < 1 {
		count = 1
	}
	return &Subscription{
		ID:                uuid.New().String(),
		InitialDonationID: d.ID,
		FundraiserID:      d.FundraiserID,
		OrganizationID:    d.OrganizationID,
		Donor:             d.Donor,
		CustomerID:        d.CustomerID,
		PaymentMethodID:   d.PaymentMethodID,
		Amount:            d.Amount,
		Currency:          d.Currency,
		Interval:          req.Interval,
		IntervalCount:     count,
		Status:            SubscriptionActive,
		NextRunAt:         req.Interval.Next(now, count),
		EndsAt:            req.EndsAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// IsExternal — списания выполняет шлюз.
func (s *Subscription) IsExternal() bool {
	return s.ExternalID != ""
}

// CanTransitionTo проверяет, допустим ли переход.
func (s *Subscription) CanTransitionTo(next SubscriptionStatus) bool {
	return slices.Contains(subscriptionTransitions[s.Status], next)
}

func (s *Subscription) transition(next SubscriptionStatus, now time.Time) error {
	if !s.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	s.Status = next
	s.UpdatedAt = now
	return nil
}

// Pause приостанавливает подписку. Повторная пауза — no-op.
func (s *Subscription) Pause(now time.Time) (changed bool, err error) {
	if s.Status == SubscriptionPaused {
		return false, nil
	}
	if err := s.transition(SubscriptionPaused, now); err != nil {
		return false, err
	}
	s.PausedAt = &now
	return true, nil
}

// Resume возобновляет подписку. Если срок списания прошёл за время паузы,
// следующее списание назначается на ближайший интервал после now.
func (s *Subscription) Resume(now time.Time) (changed bool, err error) {
	if s.Status == SubscriptionActive {
		return false, nil
	}
	if err := s.transition(SubscriptionActive, now); err != nil {
		return false, err
	}
	s.PausedAt = nil
	for !s.NextRunAt.After(now) {
		s.NextRunAt = s.Interval.Next(s.NextRunAt, s.IntervalCount)
	}
	return true, nil
}

// Cancel отменяет подписку. Повторная отмена — no-op.
func (s *Subscription) Cancel(reason string, now time.Time) (changed bool, err error) {
	if s.Status == SubscriptionCanceled {
		return false, nil
	}
	if err := s.transition(SubscriptionCanceled, now); err != nil {
		return false, err
	}
	s.CanceledAt = &now
	s.CancelReason = &reason
	return true, nil
}

// UpdateAmount меняет сумму будущих списаний.
func (s *Subscription) UpdateAmount(amount int64, now time.Time) error {
	if s.Status != SubscriptionActive && s.Status != SubscriptionPaused {
		return ErrInvalidTransition
	}
	s.Amount = amount
	s.UpdatedAt = now
	return nil
}

// IsDue — подписка должна быть списана к моменту now.
func (s *Subscription) IsDue(now time.Time) bool {
	return s.Status == SubscriptionActive && !s.IsExternal() && !s.NextRunAt.After(now)
}

// RecordPayment учитывает успешное списание и назначает следующее.
// Если следующее списание позже EndsAt, подписка истекает.
func (s *Subscription) RecordPayment(now time.Time) {
	s.PaymentsMade++
	s.FailureCount = 0
	s.LastFailure = nil
	s.NextRunAt = s.Interval.Next(s.NextRunAt, s.IntervalCount)
	s.UpdatedAt = now
	if s.EndsAt != nil && s.NextRunAt.After(*s.EndsAt) && s.Status == SubscriptionActive {
		s.Status = SubscriptionExpired
	}
}

// RecordFailure учитывает неудачное списание. Повтор через backoff·2^(n-1), не дальше maxBackoff.
// Возвращает true, когда попытки исчерпаны и подписку нужно отменить.
func (s *Subscription) RecordFailure(reason string, now time.Time, backoff, maxBackoff time.Duration, maxAttempts int) (exhausted bool) {
	s.NoteFailure(reason, now)
	if s.FailureCount >= maxAttempts {
		return true
	}
	delay := backoff << (s.FailureCount - 1)
	if maxBackoff > 0 && (delay > maxBackoff || delay <= 0) {
		delay = maxBackoff
	}
	s.NextRunAt = now.Add(delay)
	return false
}

// NoteFailure учитывает неудачное списание без переназначения NextRunAt.
// Для подписок шлюза: повторы и отмену выполняет шлюз.
func (s *Subscription) NoteFailure(reason string, now time.Time) {
	s.FailureCount++
	s.LastFailure = &reason
	s.UpdatedAt = now
}

// NewInstallment создаёт пожертвование для очередного списания подписки.
func NewInstallment(s *Subscription, cycle string, now time.Time) *Donation {
	return &Donation{
		ID:                     uuid.New().String(),
		FundraiserID:           s.FundraiserID,
		OrganizationID:         s.OrganizationID,
		ElectionCycle:          cycle,
		Donor:                  s.Donor,
		Amount:                 s.Amount,
		Currency:               s.Currency,
		IsRecurring:            true,
		Status:                 DonationPending,
		CustomerID:             s.CustomerID,
		PaymentMethodID:        s.PaymentMethodID,
		SubscriptionID:         s.ID,
		ExternalSubscriptionID: s.ExternalID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}
