package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"example.com/campaign-payments/services/donation/internal/domain"
)

// FundraiserRepository читает сборы. Таблицей владеет внешняя система.
type FundraiserRepository interface {
	Get(ctx context.Context, id string) (*domain.Fundraiser, error)
}

// FundraiserModel — GORM модель для таблицы fundraisers.
type FundraiserModel struct {
	ID             string `gorm:"column:id;type:varchar(36);primaryKey"`
	OrganizationID string `gorm:"column:organization_id;type:varchar(36);not null"`
	Name           string `gorm:"column:name;type:varchar(255)"`
	Active         bool   `gorm:"column:active;not null"`
}

// TableName возвращает имя таблицы в БД.
func (FundraiserModel) TableName() string {
	return "fundraisers"
}

type fundraiserRepository struct {
	db *gorm.DB
}

// NewFundraiserRepository создаёт репозиторий сборов.
func NewFundraiserRepository(db *gorm.DB) FundraiserRepository {
	return &fundraiserRepository{db: db}
}

func (r *fundraiserRepository) Get(ctx context.Context, id string) (*domain.Fundraiser, error) {
	var model FundraiserModel

	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrFundraiserNotFound
		}
		return nil, err
	}

	return &domain.Fundraiser{
		ID:             model.ID,
		OrganizationID: model.OrganizationID,
		Name:           model.Name,
		Active:         model.Active,
	}, nil
}

// Models возвращает модели для AutoMigrate.
func Models() []any {
	return []any{
		&DonationModel{},
		&AggregateModel{},
		&SubscriptionModel{},
		&RefundModel{},
		&AlertModel{},
		&WebhookEventModel{},
		&FundraiserModel{},
	}
}
