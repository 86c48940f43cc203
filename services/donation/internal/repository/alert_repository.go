package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/campaign-payments/pkg/kafka"
	"example.com/campaign-payments/pkg/outbox"
	"example.com/campaign-payments/services/donation/internal/domain"
)

// AlertRepository хранит алерты соответствия.
type AlertRepository interface {
	// Create сохраняет алерт и событие для внутреннего оповещения в одной транзакции.
	Create(ctx context.Context, alert *domain.ComplianceAlert) error

	// HasOpen проверяет, есть ли открытый алерт данного типа по ключу донора.
	HasOpen(ctx context.Context, t domain.AlertType, key domain.DonorKey) (bool, error)
}

// AlertModel — GORM модель для таблицы compliance_alerts.
type AlertModel struct {
	ID             string     `gorm:"column:id;type:varchar(36);primaryKey"`
	Type           string     `gorm:"column:type;type:varchar(32);not null;index:idx_alerts_donor"`
	Severity       string     `gorm:"column:severity;type:varchar(16);not null"`
	DonorID        string     `gorm:"column:donor_id;type:varchar(255);not null;index:idx_alerts_donor"`
	OrganizationID string     `gorm:"column:organization_id;type:varchar(36);not null;index:idx_alerts_donor"`
	Cycle          string     `gorm:"column:cycle;type:varchar(8);not null;index:idx_alerts_donor"`
	SubjectID      string     `gorm:"column:subject_id;type:varchar(64)"`
	Amount         int64      `gorm:"column:amount;not null;default:0"`
	Message        string     `gorm:"column:message;type:text"`
	Status         string     `gorm:"column:status;type:varchar(16);not null"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	ResolvedAt     *time.Time `gorm:"column:resolved_at"`
}

// TableName возвращает имя таблицы в БД.
func (AlertModel) TableName() string {
	return "compliance_alerts"
}

// AlertEvent — событие для топика compliance.alerts.
type AlertEvent struct {
	AlertID        string    `json:"alert_id"`
	Type           string    `json:"type"`
	Severity       string    `json:"severity"`
	DonorID        string    `json:"donor_id"`
	OrganizationID string    `json:"organization_id"`
	Cycle          string    `json:"cycle"`
	SubjectID      string    `json:"subject_id"`
	Amount         int64     `json:"amount"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

type alertRepository struct {
	db     *gorm.DB
	outbox outbox.Repository
}

// NewAlertRepository создаёт репозиторий алертов.
func NewAlertRepository(db *gorm.DB, outboxRepo outbox.Repository) AlertRepository {
	return &alertRepository{db: db, outbox: outboxRepo}
}

func (r *alertRepository) Create(ctx context.Context, alert *domain.ComplianceAlert) error {
	model := &AlertModel{
		ID:             alert.ID,
		Type:           string(alert.Type),
		Severity:       string(alert.Severity),
		DonorID:        alert.DonorKey.DonorID,
		OrganizationID: alert.DonorKey.OrganizationID,
		Cycle:          alert.DonorKey.Cycle,
		SubjectID:      alert.SubjectID,
		Amount:         alert.Amount,
		Message:        alert.Message,
		Status:         string(alert.Status),
		CreatedAt:      alert.CreatedAt,
		ResolvedAt:     alert.ResolvedAt,
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}

		event := AlertEvent{
			AlertID:        alert.ID,
			Type:           string(alert.Type),
			Severity:       string(alert.Severity),
			DonorID:        alert.DonorKey.DonorID,
			OrganizationID: alert.DonorKey.OrganizationID,
			Cycle:          alert.DonorKey.Cycle,
			SubjectID:      alert.SubjectID,
			Amount:         alert.Amount,
			Message:        alert.Message,
			CreatedAt:      alert.CreatedAt,
		}
		record, err := outbox.NewRecord(outbox.AggregateAlert, alert.ID, "alert."+string(alert.Type),
			kafka.TopicComplianceAlerts, event, nil)
		if err != nil {
			return err
		}
		if err := r.outbox.CreateTx(tx, record); err != nil {
			return fmt.Errorf("ошибка записи алерта в outbox: %w", err)
		}
		return nil
	})
}

func (r *alertRepository) HasOpen(ctx context.Context, t domain.AlertType, key domain.DonorKey) (bool, error) {
	var count int64

	err := r.db.WithContext(ctx).
		Model(&AlertModel{}).
		Where("type = ? AND donor_id = ? AND organization_id = ? AND cycle = ? AND status = ?",
			string(t), key.DonorID, key.OrganizationID, key.Cycle, string(domain.AlertOpen)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
