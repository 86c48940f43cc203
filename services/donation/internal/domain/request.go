package domain

import "time"

// PaymentMethodInput — токенизированный способ оплаты. Номер карты сервис не видит.
type PaymentMethodInput struct {
	Token string `json:"token"`
	Type  string `json:"type"` // card, ach
}

// DonationRequest — входящий запрос на пожертвование.
type DonationRequest struct {
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	FundraiserID   string             `json:"fundraiser_id"`
	Amount         int64              `json:"amount"` // в центах
	Currency       string             `json:"currency"`
	Donor          DonorInfo          `json:"donor"`
	PaymentMethod  PaymentMethodInput `json:"payment_method"`
	IsRecurring    bool               `json:"is_recurring"`
	Interval       Interval           `json:"interval,omitempty"`
	IntervalCount  int                `json:"interval_count,omitempty"`
	EndsAt         *time.Time         `json:"ends_at,omitempty"`
	IsAnonymous    bool               `json:"is_anonymous"`
	Metadata       map[string]string  `json:"metadata,omitempty"`

	// Заполняются на границе HTTP для fraud-скоринга.
	ClientIP  string `json:"-"`
	UserAgent string `json:"-"`
}
