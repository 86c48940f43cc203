package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"example.com/campaign-payments/services/donation/internal/domain"
)

// SubscriptionRepository определяет интерфейс для работы с регулярными пожертвованиями.
type SubscriptionRepository interface {
	Create(ctx context.Context, s *domain.Subscription) error
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error)
	Update(ctx context.Context, s *domain.Subscription) error

	// ListDue возвращает активные локальные подписки с NextRunAt <= now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error)
}

// SubscriptionModel — GORM модель для таблицы subscriptions.
type SubscriptionModel struct {
	ID                string     `gorm:"column:id;type:varchar(36);primaryKey"`
	ExternalID        *string    `gorm:"column:external_id;type:varchar(64);uniqueIndex"`
	InitialDonationID string     `gorm:"column:initial_donation_id;type:varchar(36);not null"`
	FundraiserID      string     `gorm:"column:fundraiser_id;type:varchar(36);not null"`
	OrganizationID    string     `gorm:"column:organization_id;type:varchar(36);not null;index"`
	Donor             []byte     `gorm:"column:donor;type:json;not null"`
	CustomerID        string     `gorm:"column:customer_id;type:varchar(64)"`
	PaymentMethodID   string     `gorm:"column:payment_method_id;type:varchar(64)"`
	Amount            int64      `gorm:"column:amount;not null"`
	Currency          string     `gorm:"column:currency;type:varchar(3);not null"`
	Interval          string     `gorm:"column:interval;type:varchar(16);not null"`
	IntervalCount     int        `gorm:"column:interval_count;not null;default:1"`
	Status            string     `gorm:"column:status;type:varchar(20);not null;index:idx_subscriptions_due"`
	NextRunAt         time.Time  `gorm:"column:next_run_at;index:idx_subscriptions_due"`
	EndsAt            *time.Time `gorm:"column:ends_at"`
	PaymentsMade      int        `gorm:"column:payments_made;not null;default:0"`
	FailureCount      int        `gorm:"column:failure_count;not null;default:0"`
	LastFailure       *string    `gorm:"column:last_failure;type:text"`
	PausedAt          *time.Time `gorm:"column:paused_at"`
	CanceledAt        *time.Time `gorm:"column:canceled_at"`
	CancelReason      *string    `gorm:"column:cancel_reason;type:varchar(255)"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

// TableName возвращает имя таблицы в БД.
func (SubscriptionModel) TableName() string {
	return "subscriptions"
}

func (m *SubscriptionModel) toDomain() *domain.Subscription {
	s := &domain.Subscription{
		ID:                m.ID,
		ExternalID:        deref(m.ExternalID),
		InitialDonationID: m.InitialDonationID,
		FundraiserID:      m.FundraiserID,
		OrganizationID:    m.OrganizationID,
		CustomerID:        m.CustomerID,
		PaymentMethodID:   m.PaymentMethodID,
		Amount:            m.Amount,
		Currency:          m.Currency,
		Interval:          domain.Interval(m.Interval),
		IntervalCount:     m.IntervalCount,
		Status:            domain.SubscriptionStatus(m.Status),
		NextRunAt:         m.NextRunAt,
		EndsAt:            m.EndsAt,
		PaymentsMade:      m.PaymentsMade,
		FailureCount:      m.FailureCount,
		LastFailure:       m.LastFailure,
		PausedAt:          m.PausedAt,
		CanceledAt:        m.CanceledAt,
		CancelReason:      m.CancelReason,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	_ = json.Unmarshal(m.Donor, &s.Donor)
	return s
}

func subscriptionModelFromDomain(s *domain.Subscription) *SubscriptionModel {
	donor, _ := json.Marshal(s.Donor)
	return &SubscriptionModel{
		ID:                s.ID,
		ExternalID:        nullable(s.ExternalID),
		InitialDonationID: s.InitialDonationID,
		FundraiserID:      s.FundraiserID,
		OrganizationID:    s.OrganizationID,
		Donor:             donor,
		CustomerID:        s.CustomerID,
		PaymentMethodID:   s.PaymentMethodID,
		Amount:            s.Amount,
		Currency:          s.Currency,
		Interval:          string(s.Interval),
		IntervalCount:     s.IntervalCount,
		Status:            string(s.Status),
		NextRunAt:         s.NextRunAt,
		EndsAt:            s.EndsAt,
		PaymentsMade:      s.PaymentsMade,
		FailureCount:      s.FailureCount,
		LastFailure:       s.LastFailure,
		PausedAt:          s.PausedAt,
		CanceledAt:        s.CanceledAt,
		CancelReason:      s.CancelReason,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository создаёт репозиторий подписок.
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) Create(ctx context.Context, s *domain.Subscription) error {
	return r.db.WithContext(ctx).Create(subscriptionModelFromDomain(s)).Error
}

func (r *subscriptionRepository) get(ctx context.Context, query string, arg any) (*domain.Subscription, error) {
	var model SubscriptionModel

	if err := r.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return model.toDomain(), nil
}

func (r *subscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	return r.get(ctx, "id = ?", id)
}

func (r *subscriptionRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	return r.get(ctx, "external_id = ?", externalID)
}

// Update сохраняет изменяемые поля подписки.
func (r *subscriptionRepository) Update(ctx context.Context, s *domain.Subscription) error {
	model := subscriptionModelFromDomain(s)
	model.UpdatedAt = time.Now().UTC()

	result := r.db.WithContext(ctx).
		Model(&SubscriptionModel{}).
		Where("id = ?", model.ID).
		Updates(map[string]interface{}{
			"external_id":       model.ExternalID,
			"amount":            model.Amount,
			"status":            model.Status,
			"next_run_at":       model.NextRunAt,
			"payments_made":     model.PaymentsMade,
			"failure_count":     model.FailureCount,
			"last_failure":      model.LastFailure,
			"paused_at":         model.PausedAt,
			"canceled_at":       model.CanceledAt,
			"cancel_reason":     model.CancelReason,
			"payment_method_id": model.PaymentMethodID,
			"updated_at":        model.UpdatedAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrSubscriptionNotFound
	}
	s.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *subscriptionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	var models []SubscriptionModel

	if err := r.db.WithContext(ctx).
		Where("status = ? AND external_id IS NULL AND next_run_at <= ?", string(domain.SubscriptionActive), now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	subs := make([]*domain.Subscription, 0, len(models))
	for i := range models {
		subs = append(subs, models[i].toDomain())
	}
	return subs, nil
}
