package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"example.com/campaign-payments/services/donation/internal/domain"
)

// WebhookEventRepository — журнал дедупликации событий шлюза.
type WebhookEventRepository interface {
	// InsertIfAbsent вставляет запись. Если событие уже есть — domain.ErrIdempotencyConflict.
	InsertIfAbsent(ctx context.Context, rec *domain.WebhookEventRecord) error

	// Complete фиксирует итог обработки.
	Complete(ctx context.Context, rec *domain.WebhookEventRecord) error
}

// WebhookEventModel — GORM модель для таблицы webhook_events.
type WebhookEventModel struct {
	EventID     string     `gorm:"column:event_id;type:varchar(64);primaryKey"`
	Type        string     `gorm:"column:type;type:varchar(64);not null"`
	Outcome     string     `gorm:"column:outcome;type:varchar(16);not null"`
	Actions     []byte     `gorm:"column:actions;type:json"`
	Error       *string    `gorm:"column:error;type:text"`
	Livemode    bool       `gorm:"column:livemode;not null"`
	ReceivedAt  time.Time  `gorm:"column:received_at"`
	ProcessedAt *time.Time `gorm:"column:processed_at"`
}

// TableName возвращает имя таблицы в БД.
func (WebhookEventModel) TableName() string {
	return "webhook_events"
}

type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository создаёт журнал событий шлюза.
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

func (r *webhookEventRepository) InsertIfAbsent(ctx context.Context, rec *domain.WebhookEventRecord) error {
	model := &WebhookEventModel{
		EventID:    rec.EventID,
		Type:       string(rec.Type),
		Outcome:    string(rec.Outcome),
		Actions:    encodeStrings(rec.Actions),
		Livemode:   rec.Livemode,
		ReceivedAt: rec.ReceivedAt,
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

func (r *webhookEventRepository) Complete(ctx context.Context, rec *domain.WebhookEventRecord) error {
	return r.db.WithContext(ctx).
		Model(&WebhookEventModel{}).
		Where("event_id = ?", rec.EventID).
		Updates(map[string]interface{}{
			"outcome":      string(rec.Outcome),
			"actions":      encodeStrings(rec.Actions),
			"error":        rec.Error,
			"processed_at": rec.ProcessedAt,
		}).Error
}
