package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/campaign-payments/services/donation/internal/domain"
)

// LedgerRepository хранит агрегаты пожертвований донора за цикл.
type LedgerRepository interface {
	// GetAggregate возвращает агрегат; отсутствующий — нулевой агрегат без ошибки.
	GetAggregate(ctx context.Context, key domain.DonorKey) (*domain.ContributionAggregate, error)
	UpsertAggregate(ctx context.Context, agg *domain.ContributionAggregate) error
	ListAggregates(ctx context.Context, organizationID, cycle string) ([]*domain.ContributionAggregate, error)
}

// AggregateModel — GORM модель для таблицы contribution_aggregates.
type AggregateModel struct {
	DonorID        string    `gorm:"column:donor_id;type:varchar(255);primaryKey"`
	OrganizationID string    `gorm:"column:organization_id;type:varchar(36);primaryKey"`
	Cycle          string    `gorm:"column:cycle;type:varchar(8);primaryKey"`
	Total          int64     `gorm:"column:total;not null;default:0"`
	DonationCount  int       `gorm:"column:donation_count;not null;default:0"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// TableName возвращает имя таблицы в БД.
func (AggregateModel) TableName() string {
	return "contribution_aggregates"
}

func (m *AggregateModel) toDomain() *domain.ContributionAggregate {
	return &domain.ContributionAggregate{
		Key: domain.DonorKey{
			DonorID:        m.DonorID,
			OrganizationID: m.OrganizationID,
			Cycle:          m.Cycle,
		},
		Total:         m.Total,
		DonationCount: m.DonationCount,
		UpdatedAt:     m.UpdatedAt,
	}
}

type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository создаёт репозиторий агрегатов.
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) GetAggregate(ctx context.Context, key domain.DonorKey) (*domain.ContributionAggregate, error) {
	var model AggregateModel

	err := r.db.WithContext(ctx).
		Where("donor_id = ? AND organization_id = ? AND cycle = ?", key.DonorID, key.OrganizationID, key.Cycle).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.ContributionAggregate{Key: key}, nil
	}
	if err != nil {
		return nil, err
	}
	return model.toDomain(), nil
}

func (r *ledgerRepository) UpsertAggregate(ctx context.Context, agg *domain.ContributionAggregate) error {
	model := &AggregateModel{
		DonorID:        agg.Key.DonorID,
		OrganizationID: agg.Key.OrganizationID,
		Cycle:          agg.Key.Cycle,
		Total:          agg.Total,
		DonationCount:  agg.DonationCount,
		UpdatedAt:      agg.UpdatedAt,
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			DoUpdates: clause.AssignmentColumns([]string{"total", "donation_count", "updated_at"}),
		}).
		Create(model).Error
}

func (r *ledgerRepository) ListAggregates(ctx context.Context, organizationID, cycle string) ([]*domain.ContributionAggregate, error) {
	var models []AggregateModel

	if err := r.db.WithContext(ctx).
		Where("organization_id = ? AND cycle = ?", organizationID, cycle).
		Find(&models).Error; err != nil {
		return nil, err
	}

	aggs := make([]*domain.ContributionAggregate, 0, len(models))
	for i := range models {
		aggs = append(aggs, models[i].toDomain())
	}
	return aggs, nil
}
