package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Лимиты
// =============================================================================

// DonorKey — ключ агрегата: донор в рамках организации и избирательного цикла.
type DonorKey struct {
	DonorID        string // нормализованный email
	OrganizationID string
	Cycle          string
}

// String возвращает ключ для блокировок и логов.
func (k DonorKey) String() string {
	return k.OrganizationID + ":" + k.Cycle + ":" + k.DonorID
}

// CycleFor возвращает метку цикла — год его окончания. Цикл длиной years лет
// заканчивается в год, кратный years (для 2 лет — в чётный год выборов).
func CycleFor(t time.Time, years int) string {
	if years < 1 {
		years = 1
	}
	y := t.UTC().Year()
	if rem := y % years; rem != 0 {
		y += years - rem
	}
	return strconv.Itoa(y)
}

// ContributionAggregate — сумма пожертвований донора за цикл. Total не бывает отрицательным.
type ContributionAggregate struct {
	Key           DonorKey
	Total         int64
	DonationCount int
	UpdatedAt     time.Time
}

// Apply меняет итог на delta с ограничением снизу нулём.
func (a *ContributionAggregate) Apply(delta int64, now time.Time) {
	a.Total += delta
	if a.Total < 0 {
		a.Total = 0
	}
	if delta > 0 {
		a.DonationCount++
	}
	a.UpdatedAt = now
}

// =============================================================================
// Алерты
// =============================================================================

// AlertType — тип алерта соответствия.
type AlertType string

const (
	AlertContributionLimit AlertType = "contribution_limit"
	AlertVerification      AlertType = "verification"
	AlertFraud             AlertType = "fraud"
	AlertProhibitedSource  AlertType = "prohibited_source"
)

// Severity — важность алерта.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertStatus — статус алерта.
type AlertStatus string

const (
	AlertOpen     AlertStatus = "open"
	AlertResolved AlertStatus = "resolved"
)

// ComplianceAlert — запись аудита о нарушении или подозрении. Пишется до того,
// как вызывающий получит ответ.
type ComplianceAlert struct {
	ID         string
	Type       AlertType
	Severity   Severity
	DonorKey   DonorKey
	SubjectID  string // пожертвование, подписка или возврат
	Amount     int64
	Message    string
	Status     AlertStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// NewAlert создаёт открытый алерт.
func NewAlert(t AlertType, sev Severity, key DonorKey, subjectID string, amount int64, msg string, now time.Time) *ComplianceAlert {
	return &ComplianceAlert{
		ID:        uuid.New().String(),
		Type:      t,
		Severity:  sev,
		DonorKey:  key,
		SubjectID: subjectID,
		Amount:    amount,
		Message:   msg,
		Status:    AlertOpen,
		CreatedAt: now,
	}
}

// =============================================================================
// Сборы и отчёты
// =============================================================================

// Fundraiser — сбор средств организации (только чтение).
type Fundraiser struct {
	ID             string
	OrganizationID string
	Name           string
	Active         bool
}

// Period — полуинтервал [From, To) для отчётов.
type Period struct {
	From time.Time
	To   time.Time
}

// Contains проверяет попадание момента в период.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.From) && t.Before(p.To)
}
