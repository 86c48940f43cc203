package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DonationStatus — статус пожертвования.
type DonationStatus string

const (
	// DonationPending — запись создана, объекты шлюза ещё не готовы.
	DonationPending DonationStatus = "pending"

	// DonationProcessing — клиент и способ оплаты созданы, ждём транзакцию или webhook.
	DonationProcessing DonationStatus = "processing"

	DonationSucceeded DonationStatus = "succeeded"
	DonationFailed    DonationStatus = "failed"
	DonationCanceled  DonationStatus = "canceled"

	// DonationRefunded — возвращена полная сумма. Частичный возврат оставляет succeeded.
	DonationRefunded DonationStatus = "refunded"
)

// IsTerminal возвращает true для финальных статусов.
// succeeded не финальный — из него возможен refunded.
func (s DonationStatus) IsTerminal() bool {
	return s == DonationFailed || s == DonationCanceled || s == DonationRefunded
}

// =============================================================================
// State Machine
// =============================================================================

var donationTransitions = map[DonationStatus][]DonationStatus{
	DonationPending:    {DonationProcessing, DonationFailed, DonationCanceled},
	DonationProcessing: {DonationSucceeded, DonationFailed, DonationCanceled},
	DonationSucceeded:  {DonationRefunded},
}

// CanTransitionDonation проверяет переход без сущности (для условных UPDATE в репозитории).
func CanTransitionDonation(from, to DonationStatus) bool {
	return slices.Contains(donationTransitions[from], to)
}

// Шаги оркестрации — сохраняются в FailedStep при сбое.
const (
	StepPersist       = "persist"
	StepCustomer      = "customer"
	StepPaymentMethod = "payment_method"
	StepTransaction   = "transaction"
	StepSubscription  = "subscription"
	StepFinalize      = "finalize"
)

// Флаги соответствия на пожертвовании.
const (
	FlagItemized        = "itemized"
	FlagEmployerMissing = "employer_occupation_missing"
	FlagFraudReview     = "fraud_review"
	FlagLimitExceeded   = "limit_exceeded"
	FlagDisputed        = "disputed"
	FlagLateCapture     = "late_capture"
)

// =============================================================================
// Donation
// =============================================================================

// Donation — пожертвование. Никогда не удаляется; отменённые и неудачные остаются для аудита.
type Donation struct {
	ID                     string
	IdempotencyKey         string
	FundraiserID           string
	OrganizationID         string
	ElectionCycle          string
	Donor                  DonorInfo
	Amount                 int64 // в центах
	Currency               string
	IsRecurring            bool
	IsAnonymous            bool
	Status                 DonationStatus
	CustomerID             string // ID клиента в шлюзе
	PaymentMethodID        string // ID способа оплаты в шлюзе
	TransactionID          string // ID транзакции в шлюзе
	SubscriptionID         string // локальный ID подписки
	ExternalSubscriptionID string // ID регулярного платежа в шлюзе
	RefundedAmount         int64
	ComplianceFlags        []string
	FailureReason          *string
	FailedStep             *string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// NewDonation создаёт пожертвование в статусе pending.
func NewDonation(req *DonationRequest, organizationID, cycle string, now time.Time) *Donation {
	return &Donation{
		ID:             uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		FundraiserID:   req.FundraiserID,
		OrganizationID: organizationID,
		ElectionCycle:  cycle,
		Donor:          req.Donor.Normalized(),
		Amount:         req.Amount,
		Currency:       strings.ToUpper(req.Currency),
		IsRecurring:    req.IsRecurring,
		IsAnonymous:    req.IsAnonymous,
		Status:         DonationPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// DonorKey возвращает ключ агрегата лимитов для донора этого пожертвования.
func (d *Donation) DonorKey() DonorKey {
	return DonorKey{DonorID: d.Donor.ID(), OrganizationID: d.OrganizationID, Cycle: d.ElectionCycle}
}

// CanTransitionTo проверяет, допустим ли переход.
func (d *Donation) CanTransitionTo(next DonationStatus) bool {
	return CanTransitionDonation(d.Status, next)
}

// TransitionTo выполняет переход состояния.
func (d *Donation) TransitionTo(next DonationStatus) error {
	if !d.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	d.Status = next
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkProcessing фиксирует созданные в шлюзе объекты клиента и способа оплаты.
func (d *Donation) MarkProcessing(customerID, paymentMethodID string) error {
	if err := d.TransitionTo(DonationProcessing); err != nil {
		return err
	}
	d.CustomerID = customerID
	d.PaymentMethodID = paymentMethodID
	return nil
}

// Succeed отмечает пожертвование успешным.
func (d *Donation) Succeed(transactionID string) error {
	if err := d.TransitionTo(DonationSucceeded); err != nil {
		return err
	}
	if transactionID != "" {
		d.TransactionID = transactionID
	}
	return nil
}

// Fail отмечает пожертвование неудачным на шаге step.
func (d *Donation) Fail(step, reason string) error {
	if err := d.TransitionTo(DonationFailed); err != nil {
		return err
	}
	d.FailureReason = &reason
	if step != "" {
		d.FailedStep = &step
	}
	return nil
}

// Cancel отменяет пожертвование.
func (d *Donation) Cancel(reason string) error {
	if err := d.TransitionTo(DonationCanceled); err != nil {
		return err
	}
	d.FailureReason = &reason
	return nil
}

// RefundableAmount — сколько ещё можно вернуть.
func (d *Donation) RefundableAmount() int64 {
	return d.Amount - d.RefundedAmount
}

// ApplyRefund учитывает успешный возврат. Полный возврат переводит в refunded.
func (d *Donation) ApplyRefund(amount int64) error {
	if d.Status != DonationSucceeded {
		return ErrInvalidTransition
	}
	if amount <= 0 || d.RefundedAmount+amount > d.Amount {
		return ErrRefundExceedsAmount
	}
	d.RefundedAmount += amount
	d.UpdatedAt = time.Now().UTC()
	if d.RefundedAmount == d.Amount {
		return d.TransitionTo(DonationRefunded)
	}
	return nil
}

// AddFlags добавляет флаги соответствия без дублей.
func (d *Donation) AddFlags(flags ...string) {
	for _, f := range flags {
		if f != "" && !slices.Contains(d.ComplianceFlags, f) {
			d.ComplianceFlags = append(d.ComplianceFlags, f)
		}
	}
}

// HasFlag проверяет наличие флага.
func (d *Donation) HasFlag(flag string) bool {
	return slices.Contains(d.ComplianceFlags, flag)
}

// Kind — метка для метрик.
func (d *Donation) Kind() string {
	switch {
	case d.IsRecurring && d.SubscriptionID != "" && d.ExternalSubscriptionID == "":
		return "installment"
	case d.IsRecurring:
		return "recurring"
	default:
		return "one_time"
	}
}

// =============================================================================
// Донор
// =============================================================================

// PostalAddress — почтовый адрес донора. Теги validate проверяются правилом адреса.
type PostalAddress struct {
	Line1      string `json:"line1" validate:"required,min=3"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state" validate:"required"`
	PostalCode string `json:"postal_code" validate:"required"`
	Country    string `json:"country" validate:"required,iso3166_1_alpha2"`
}

// DonorInfo — данные донора.
type DonorInfo struct {
	Email      string         `json:"email"`
	FirstName  string         `json:"first_name"`
	LastName   string         `json:"last_name"`
	Phone      string         `json:"phone,omitempty"`
	Address    *PostalAddress `json:"address,omitempty"`
	Employer   string         `json:"employer,omitempty"`
	Occupation string         `json:"occupation,omitempty"`
}

// NormalizeEmail приводит email к виду, по которому агрегируются лимиты.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ID — идентификатор донора для лимитов.
func (d DonorInfo) ID() string {
	return NormalizeEmail(d.Email)
}

// FullName возвращает имя и фамилию.
func (d DonorInfo) FullName() string {
	return strings.TrimSpace(d.FirstName + " " + d.LastName)
}

// HasCompleteAddress — адрес заполнен во всех обязательных полях.
func (d DonorInfo) HasCompleteAddress() bool {
	a := d.Address
	return a != nil &&
		strings.TrimSpace(a.Line1) != "" &&
		strings.TrimSpace(a.City) != "" &&
		strings.TrimSpace(a.State) != "" &&
		strings.TrimSpace(a.PostalCode) != "" &&
		strings.TrimSpace(a.Country) != ""
}

// Normalized возвращает копию с обрезанными пробелами и нормализованным email.
func (d DonorInfo) Normalized() DonorInfo {
	out := d
	out.Email = NormalizeEmail(d.Email)
	out.FirstName = strings.TrimSpace(d.FirstName)
	out.LastName = strings.TrimSpace(d.LastName)
	out.Employer = strings.TrimSpace(d.Employer)
	out.Occupation = strings.TrimSpace(d.Occupation)
	if d.Address != nil {
		addr := *d.Address
		addr.Country = strings.ToUpper(strings.TrimSpace(addr.Country))
		out.Address = &addr
	}
	return out
}
