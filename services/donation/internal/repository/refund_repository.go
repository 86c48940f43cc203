package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/campaign-payments/pkg/kafka"
	"example.com/campaign-payments/pkg/outbox"
	"example.com/campaign-payments/services/donation/internal/domain"
)

// RefundRepository определяет интерфейс для работы с возвратами.
type RefundRepository interface {
	Create(ctx context.Context, r *domain.Refund) error
	GetByID(ctx context.Context, id string) (*domain.Refund, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Refund, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*domain.Refund, error)

	// UpdateStatus переводит возврат из from в r.Status. Если статус уже изменён
	// другим обработчиком — domain.ErrStaleStatus.
	UpdateStatus(ctx context.Context, r *domain.Refund, from domain.RefundStatus) error

	SetExternalID(ctx context.Context, id, externalID string) error
}

// RefundModel — GORM модель для таблицы refunds.
type RefundModel struct {
	ID            string    `gorm:"column:id;type:varchar(36);primaryKey"`
	DonationID    string    `gorm:"column:donation_id;type:varchar(36);not null;index"`
	TransactionID string    `gorm:"column:transaction_id;type:varchar(64);not null;index"`
	ExternalID    *string   `gorm:"column:external_id;type:varchar(64);uniqueIndex"`
	Amount        int64     `gorm:"column:amount;not null"`
	Reason        string    `gorm:"column:reason;type:varchar(32);not null"`
	Status        string    `gorm:"column:status;type:varchar(20);not null"`
	NotifyDonor   bool      `gorm:"column:notify_donor;not null"`
	FailureReason *string   `gorm:"column:failure_reason;type:text"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

// TableName возвращает имя таблицы в БД.
func (RefundModel) TableName() string {
	return "refunds"
}

func (m *RefundModel) toDomain() *domain.Refund {
	return &domain.Refund{
		ID:            m.ID,
		DonationID:    m.DonationID,
		TransactionID: m.TransactionID,
		ExternalID:    deref(m.ExternalID),
		Amount:        m.Amount,
		Reason:        domain.RefundReason(m.Reason),
		Status:        domain.RefundStatus(m.Status),
		NotifyDonor:   m.NotifyDonor,
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func refundModelFromDomain(r *domain.Refund) *RefundModel {
	return &RefundModel{
		ID:            r.ID,
		DonationID:    r.DonationID,
		TransactionID: r.TransactionID,
		ExternalID:    nullable(r.ExternalID),
		Amount:        r.Amount,
		Reason:        string(r.Reason),
		Status:        string(r.Status),
		NotifyDonor:   r.NotifyDonor,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// RefundEvent — событие смены статуса возврата (топик donation.events).
type RefundEvent struct {
	RefundID      string    `json:"refund_id"`
	DonationID    string    `json:"donation_id"`
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type refundRepository struct {
	db     *gorm.DB
	outbox outbox.Repository
}

// NewRefundRepository создаёт репозиторий возвратов.
func NewRefundRepository(db *gorm.DB, outboxRepo outbox.Repository) RefundRepository {
	return &refundRepository{db: db, outbox: outboxRepo}
}

func (r *refundRepository) Create(ctx context.Context, refund *domain.Refund) error {
	return r.db.WithContext(ctx).Create(refundModelFromDomain(refund)).Error
}

func (r *refundRepository) get(ctx context.Context, query string, arg any) (*domain.Refund, error) {
	var model RefundModel

	if err := r.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRefundNotFound
		}
		return nil, err
	}
	return model.toDomain(), nil
}

func (r *refundRepository) GetByID(ctx context.Context, id string) (*domain.Refund, error) {
	return r.get(ctx, "id = ?", id)
}

func (r *refundRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Refund, error) {
	return r.get(ctx, "external_id = ?", externalID)
}

func (r *refundRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*domain.Refund, error) {
	var models []RefundModel

	if err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}

	refunds := make([]*domain.Refund, 0, len(models))
	for i := range models {
		refunds = append(refunds, models[i].toDomain())
	}
	return refunds, nil
}

func (r *refundRepository) UpdateStatus(ctx context.Context, refund *domain.Refund, from domain.RefundStatus) error {
	now := time.Now().UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&RefundModel{}).
			Where("id = ? AND status = ?", refund.ID, string(from)).
			Updates(map[string]interface{}{
				"status":         string(refund.Status),
				"failure_reason": refund.FailureReason,
				"updated_at":     now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrStaleStatus
		}

		event := RefundEvent{
			RefundID:      refund.ID,
			DonationID:    refund.DonationID,
			TransactionID: refund.TransactionID,
			Amount:        refund.Amount,
			Reason:        string(refund.Reason),
			Status:        string(refund.Status),
			FailureReason: deref(refund.FailureReason),
			OccurredAt:    now,
		}
		record, err := outbox.NewRecord(outbox.AggregateRefund, refund.ID, "refund."+string(refund.Status),
			kafka.TopicDonationEvents, event, nil)
		if err != nil {
			return err
		}
		if err := r.outbox.CreateTx(tx, record); err != nil {
			return fmt.Errorf("ошибка записи события в outbox: %w", err)
		}

		refund.UpdatedAt = now
		return nil
	})
}

func (r *refundRepository) SetExternalID(ctx context.Context, id, externalID string) error {
	result := r.db.WithContext(ctx).
		Model(&RefundModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"external_id": externalID,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrRefundNotFound
	}
	return nil
}
