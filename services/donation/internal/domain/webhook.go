package domain

import (
	"encoding/json"
	"time"
)

// EventType — тип события шлюза.
type EventType string

const (
	EventTransactionSucceeded      EventType = "transaction.succeeded"
	EventTransactionFailed         EventType = "transaction.failed"
	EventTransactionCanceled       EventType = "transaction.canceled"
	EventTransactionRefunded       EventType = "transaction.refunded"
	EventRecurringPaymentSucceeded EventType = "recurring_payment.succeeded"
	EventRecurringPaymentFailed    EventType = "recurring_payment.failed"
	EventRecurringPaymentCanceled  EventType = "recurring_payment.canceled"
	EventRefundSucceeded           EventType = "refund.succeeded"
	EventRefundFailed              EventType = "refund.failed"
	EventDisputeCreated            EventType = "dispute.created"
)

// WebhookOutcome — итог обработки события.
type WebhookOutcome string

const (
	OutcomeProcessing WebhookOutcome = "processing"
	OutcomeApplied    WebhookOutcome = "applied"
	OutcomeFailed     WebhookOutcome = "failed"
	OutcomeIgnored    WebhookOutcome = "ignored"
)

// Действия, фиксируемые по результату обработки события.
const (
	ActionSkippedDuplicate   = "skipped_duplicate"
	ActionIgnoredUnknownType = "ignored_unknown_type"
	ActionDonationSucceeded  = "donation_succeeded"
	ActionDonationFailed     = "donation_failed"
	ActionDonationCanceled   = "donation_canceled"
	ActionDonationRefunded   = "donation_refunded"
	ActionInstallmentCreated = "installment_created"
	ActionSubscriptionFailed = "subscription_payment_failed"
	ActionSubscriptionClosed = "subscription_canceled"
	ActionRefundSucceeded    = "refund_succeeded"
	ActionRefundFailed       = "refund_failed"
	ActionDisputeFlagged     = "dispute_flagged"
	ActionLateCapture        = "late_capture_recorded"
	ActionAlreadyApplied     = "already_applied"
	ActionUnmatched          = "unmatched"
)

// WebhookEvent — разобранный конверт события {id, type, data.object, created, livemode}.
type WebhookEvent struct {
	ID       string           `json:"id"`
	Type     EventType        `json:"type"`
	Created  int64            `json:"created"`
	Livemode bool             `json:"livemode"`
	Data     WebhookEventData `json:"data"`
}

// WebhookEventData — полезная нагрузка события.
type WebhookEventData struct {
	Object json.RawMessage `json:"object"`
}

// WebhookEventRecord — запись дедупликации. EventID — первичный ключ,
// запись вставляется до побочных эффектов и не откатывается при ошибке обработчика.
type WebhookEventRecord struct {
	EventID     string
	Type        EventType
	Outcome     WebhookOutcome
	Actions     []string
	Error       *string
	Livemode    bool
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// NewWebhookEventRecord создаёт запись в состоянии processing.
func NewWebhookEventRecord(ev *WebhookEvent, now time.Time) *WebhookEventRecord {
	return &WebhookEventRecord{
		EventID:    ev.ID,
		Type:       ev.Type,
		Outcome:    OutcomeProcessing,
		Livemode:   ev.Livemode,
		ReceivedAt: now,
	}
}
