package outbox

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrOutboxNotFound — запись outbox не найдена.
var ErrOutboxNotFound = errors.New("запись outbox не найдена")

// Repository определяет методы работы с outbox.
type Repository interface {
	// Create создаёт запись вне бизнес-транзакции.
	Create(ctx context.Context, record *Outbox) error

	// CreateTx создаёт запись внутри уже открытой транзакции.
	CreateTx(tx *gorm.DB, record *Outbox) error

	// GetUnprocessed возвращает неотправленные записи, старые и с меньшим retry_count — первыми.
	GetUnprocessed(ctx context.Context, limit int) ([]*Outbox, error)

	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, err error) error

	// DeleteProcessedBefore удаляет отправленные записи старше before (пачкой до 1000).
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

// repository — GORM реализация Repository.
// Пустой aggregateTypes — worker обслуживает все типы агрегатов.
type repository struct {
	db             *gorm.DB
	aggregateTypes []string
}

// NewRepository создаёт репозиторий outbox.
func NewRepository(db *gorm.DB, aggregateTypes ...string) Repository {
	return &repository{db: db, aggregateTypes: aggregateTypes}
}

func (r *repository) Create(ctx context.Context, record *Outbox) error {
	return r.CreateTx(r.db.WithContext(ctx), record)
}

func (r *repository) CreateTx(tx *gorm.DB, record *Outbox) error {
	model := modelFromDomain(record)
	if err := tx.Create(model).Error; err != nil {
		return err
	}
	record.CreatedAt = model.CreatedAt
	return nil
}

func (r *repository) scoped(ctx context.Context) *gorm.DB {
	q := r.db.WithContext(ctx)
	if len(r.aggregateTypes) > 0 {
		q = q.Where("aggregate_type IN ?", r.aggregateTypes)
	}
	return q
}

func (r *repository) GetUnprocessed(ctx context.Context, limit int) ([]*Outbox, error) {
	var models []Model

	if err := r.scoped(ctx).
		Where("processed_at IS NULL").
		Order("retry_count ASC, created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	result := make([]*Outbox, len(models))
	for i := range models {
		result[i] = models[i].toDomain()
	}
	return result, nil
}

func (r *repository) MarkProcessed(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&Model{}).
		Where("id = ?", id).
		Update("processed_at", time.Now().UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOutboxNotFound
	}
	return nil
}

func (r *repository) MarkFailed(ctx context.Context, id string, err error) error {
	result := r.db.WithContext(ctx).Model(&Model{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  err.Error(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOutboxNotFound
	}
	return nil
}

func (r *repository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.scoped(ctx).
		Where("processed_at IS NOT NULL AND processed_at < ?", before).
		Limit(1000).
		Delete(&Model{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
