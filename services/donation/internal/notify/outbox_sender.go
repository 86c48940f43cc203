// Package notify ставит уведомления донору в очередь доставки.
// Доставка (email/SMS) выполняется внешним сервисом из топика donation.notifications.
package notify

import (
	"context"
	"fmt"
	"time"

	"example.com/campaign-payments/pkg/kafka"
	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/pkg/outbox"
	"example.com/campaign-payments/services/donation/internal/domain"
)

// Типы уведомлений.
const (
	TypeReceipt       = "receipt"
	TypeFailureNotice = "failure_notice"
	TypeRefundNotice  = "refund_notice"
)

// Sender — отправка уведомлений донору.
type Sender interface {
	SendReceipt(ctx context.Context, d *domain.Donation) error
	SendFailureNotice(ctx context.Context, d *domain.Donation) error
	SendRefundNotice(ctx context.Context, d *domain.Donation, r *domain.Refund) error
}

// Notification — сообщение для сервиса доставки.
type Notification struct {
	Type       string    `json:"type"`
	DonationID string    `json:"donation_id"`
	RefundID   string    `json:"refund_id,omitempty"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	Recurring  bool      `json:"recurring"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// OutboxSender пишет уведомления в outbox. Worker публикует их в Kafka.
type OutboxSender struct {
	repo outbox.Repository
	now  func() time.Time
}

// NewOutboxSender создаёт отправителя уведомлений.
func NewOutboxSender(repo outbox.Repository) *OutboxSender {
	return &OutboxSender{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

func (s *OutboxSender) enqueue(ctx context.Context, aggregateID string, n Notification) error {
	record, err := outbox.NewRecord(outbox.AggregateDonation, aggregateID, "notification."+n.Type,
		kafka.TopicNotifications, n, map[string]string{"notification_type": n.Type})
	if err != nil {
		return err
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return fmt.Errorf("ошибка постановки уведомления в очередь: %w", err)
	}

	logger.Ctx(ctx).Debug().
		Str("type", n.Type).
		Str("donation_id", n.DonationID).
		Msg("Уведомление поставлено в очередь")
	return nil
}

func (s *OutboxSender) base(typ string, d *domain.Donation) Notification {
	return Notification{
		Type:       typ,
		DonationID: d.ID,
		Email:      d.Donor.Email,
		Name:       d.Donor.FullName(),
		Amount:     d.Amount,
		Currency:   d.Currency,
		Recurring:  d.IsRecurring,
		CreatedAt:  s.now(),
	}
}

// SendReceipt — квитанция об успешном пожертвовании.
func (s *OutboxSender) SendReceipt(ctx context.Context, d *domain.Donation) error {
	return s.enqueue(ctx, d.ID, s.base(TypeReceipt, d))
}

// SendFailureNotice — уведомление о неудачном списании.
func (s *OutboxSender) SendFailureNotice(ctx context.Context, d *domain.Donation) error {
	n := s.base(TypeFailureNotice, d)
	if d.FailureReason != nil {
		n.Reason = *d.FailureReason
	}
	return s.enqueue(ctx, d.ID, n)
}

// SendRefundNotice — уведомление о выполненном возврате.
func (s *OutboxSender) SendRefundNotice(ctx context.Context, d *domain.Donation, r *domain.Refund) error {
	n := s.base(TypeRefundNotice, d)
	n.RefundID = r.ID
	n.Amount = r.Amount
	n.Reason = string(r.Reason)
	return s.enqueue(ctx, d.ID, n)
}
