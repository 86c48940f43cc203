package handler

import (
	"context"

	"example.com/campaign-payments/services/donation/internal/compliance"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/donation"
	"example.com/campaign-payments/services/donation/internal/refund"
	"example.com/campaign-payments/services/donation/internal/webhook"
)

// DonationService — оркестратор пожертвований.
type DonationService interface {
	CreateDonation(ctx context.Context, req *domain.DonationRequest) (*donation.Result, error)
	GetDonation(ctx context.Context, id string) (*domain.Donation, error)
}

// RefundService — движок возвратов.
type RefundService interface {
	Refund(ctx context.Context, req refund.Request) (*domain.Refund, error)
	BulkRefund(ctx context.Context, reqs []refund.Request) *refund.BulkResult
}

// SubscriptionService — управление регулярными пожертвованиями.
type SubscriptionService interface {
	Get(ctx context.Context, id string) (*domain.Subscription, error)
	Pause(ctx context.Context, id string) (*domain.Subscription, error)
	Resume(ctx context.Context, id string) (*domain.Subscription, error)
	Cancel(ctx context.Context, id, reason string) (*domain.Subscription, error)
	UpdateAmount(ctx context.Context, id string, amount int64) (*domain.Subscription, error)
}

// ReportGenerator строит отчёт соответствия. Реализуется compliance.Ledger.
type ReportGenerator interface {
	GenerateReport(ctx context.Context, donations compliance.DonationLister, organizationID string, period domain.Period) (*compliance.Report, error)
}

// ReportArchiver выгружает отчёт во внешнее хранилище. Реализуется compliance.S3Archiver.
type ReportArchiver interface {
	Archive(ctx context.Context, r *compliance.Report) (string, error)
}

// WebhookIngestor синхронно обрабатывает событие шлюза.
type WebhookIngestor interface {
	Ingest(ctx context.Context, raw []byte, signature string) (*webhook.Result, error)
}

// WebhookRelay откладывает обработку события в очередь.
type WebhookRelay interface {
	Forward(ctx context.Context, raw []byte, signature string) (string, error)
}
