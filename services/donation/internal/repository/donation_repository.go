package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/campaign-payments/pkg/kafka"
	"example.com/campaign-payments/pkg/outbox"
	"example.com/campaign-payments/services/donation/internal/domain"
)

// DonationRepository определяет интерфейс для работы с пожертвованиями в БД.
type DonationRepository interface {
	// Save создаёт пожертвование. Дубликат idempotency key — domain.ErrIdempotencyConflict.
	Save(ctx context.Context, d *domain.Donation) error

	FindByID(ctx context.Context, id string) (*domain.Donation, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Donation, error)
	FindByTransactionID(ctx context.Context, transactionID string) (*domain.Donation, error)

	// FindPendingBySubscription возвращает первое пожертвование подписки шлюза,
	// ещё ожидающее подтверждения (pending/processing).
	FindPendingBySubscription(ctx context.Context, externalSubscriptionID string) (*domain.Donation, error)

	// Update сохраняет пожертвование, если его статус в БД всё ещё from.
	// Иначе — domain.ErrStaleStatus. Смена статуса пишет событие в outbox в той же транзакции.
	Update(ctx context.Context, d *domain.Donation, from domain.DonationStatus) error

	// ListForReport возвращает succeeded и refunded пожертвования организации за период.
	ListForReport(ctx context.Context, organizationID string, period domain.Period) ([]*domain.Donation, error)
}

// =============================================================================
// GORM модель
// =============================================================================

// DonationModel — GORM модель для таблицы donations.
type DonationModel struct {
	ID                     string    `gorm:"column:id;type:varchar(36);primaryKey"`
	IdempotencyKey         *string   `gorm:"column:idempotency_key;type:varchar(64);uniqueIndex"`
	FundraiserID           string    `gorm:"column:fundraiser_id;type:varchar(36);not null;index"`
	OrganizationID         string    `gorm:"column:organization_id;type:varchar(36);not null;index:idx_donations_org_created"`
	ElectionCycle          string    `gorm:"column:election_cycle;type:varchar(8);not null"`
	DonorEmail             string    `gorm:"column:donor_email;type:varchar(255);not null;index"`
	DonorFirstName         string    `gorm:"column:donor_first_name;type:varchar(100);not null"`
	DonorLastName          string    `gorm:"column:donor_last_name;type:varchar(100);not null"`
	DonorPhone             string    `gorm:"column:donor_phone;type:varchar(32)"`
	DonorAddress           []byte    `gorm:"column:donor_address;type:json"`
	DonorEmployer          string    `gorm:"column:donor_employer;type:varchar(255)"`
	DonorOccupation        string    `gorm:"column:donor_occupation;type:varchar(255)"`
	Amount                 int64     `gorm:"column:amount;not null"`
	Currency               string    `gorm:"column:currency;type:varchar(3);not null"`
	IsRecurring            bool      `gorm:"column:is_recurring;not null"`
	IsAnonymous            bool      `gorm:"column:is_anonymous;not null"`
	Status                 string    `gorm:"column:status;type:varchar(20);not null;index"`
	CustomerID             string    `gorm:"column:customer_id;type:varchar(64)"`
	PaymentMethodID        string    `gorm:"column:payment_method_id;type:varchar(64)"`
	TransactionID          *string   `gorm:"column:transaction_id;type:varchar(64);uniqueIndex"`
	SubscriptionID         string    `gorm:"column:subscription_id;type:varchar(36);index"`
	ExternalSubscriptionID string    `gorm:"column:external_subscription_id;type:varchar(64);index"`
	RefundedAmount         int64     `gorm:"column:refunded_amount;not null;default:0"`
	ComplianceFlags        []byte    `gorm:"column:compliance_flags;type:json"`
	FailureReason          *string   `gorm:"column:failure_reason;type:text"`
	FailedStep             *string   `gorm:"column:failed_step;type:varchar(32)"`
	CreatedAt              time.Time `gorm:"column:created_at;index:idx_donations_org_created"`
	UpdatedAt              time.Time `gorm:"column:updated_at"`
}

// TableName возвращает имя таблицы в БД.
func (DonationModel) TableName() string {
	return "donations"
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *DonationModel) toDomain() *domain.Donation {
	d := &domain.Donation{
		ID:             m.ID,
		IdempotencyKey: deref(m.IdempotencyKey),
		FundraiserID:   m.FundraiserID,
		OrganizationID: m.OrganizationID,
		ElectionCycle:  m.ElectionCycle,
		Donor: domain.DonorInfo{
			Email:      m.DonorEmail,
			FirstName:  m.DonorFirstName,
			LastName:   m.DonorLastName,
			Phone:      m.DonorPhone,
			Employer:   m.DonorEmployer,
			Occupation: m.DonorOccupation,
		},
		Amount:                 m.Amount,
		Currency:               m.Currency,
		IsRecurring:            m.IsRecurring,
		IsAnonymous:            m.IsAnonymous,
		Status:                 domain.DonationStatus(m.Status),
		CustomerID:             m.CustomerID,
		PaymentMethodID:        m.PaymentMethodID,
		TransactionID:          deref(m.TransactionID),
		SubscriptionID:         m.SubscriptionID,
		ExternalSubscriptionID: m.ExternalSubscriptionID,
		RefundedAmount:         m.RefundedAmount,
		ComplianceFlags:        decodeStrings(m.ComplianceFlags),
		FailureReason:          m.FailureReason,
		FailedStep:             m.FailedStep,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}
	if len(m.DonorAddress) > 0 && string(m.DonorAddress) != "null" {
		var addr domain.PostalAddress
		if json.Unmarshal(m.DonorAddress, &addr) == nil {
			d.Donor.Address = &addr
		}
	}
	return d
}

// donationModelFromDomain конвертирует доменную сущность в GORM модель.
func donationModelFromDomain(d *domain.Donation) *DonationModel {
	m := &DonationModel{
		ID:                     d.ID,
		IdempotencyKey:         nullable(d.IdempotencyKey),
		FundraiserID:           d.FundraiserID,
		OrganizationID:         d.OrganizationID,
		ElectionCycle:          d.ElectionCycle,
		DonorEmail:             d.Donor.Email,
		DonorFirstName:         d.Donor.FirstName,
		DonorLastName:          d.Donor.LastName,
		DonorPhone:             d.Donor.Phone,
		DonorEmployer:          d.Donor.Employer,
		DonorOccupation:        d.Donor.Occupation,
		Amount:                 d.Amount,
		Currency:               d.Currency,
		IsRecurring:            d.IsRecurring,
		IsAnonymous:            d.IsAnonymous,
		Status:                 string(d.Status),
		CustomerID:             d.CustomerID,
		PaymentMethodID:        d.PaymentMethodID,
		TransactionID:          nullable(d.TransactionID),
		SubscriptionID:         d.SubscriptionID,
		ExternalSubscriptionID: d.ExternalSubscriptionID,
		RefundedAmount:         d.RefundedAmount,
		ComplianceFlags:        encodeStrings(d.ComplianceFlags),
		FailureReason:          d.FailureReason,
		FailedStep:             d.FailedStep,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
	}
	if d.Donor.Address != nil {
		m.DonorAddress, _ = json.Marshal(d.Donor.Address)
	}
	return m
}

// DonationEvent — событие смены статуса пожертвования (топик donation.events).
type DonationEvent struct {
	DonationID     string    `json:"donation_id"`
	OrganizationID string    `json:"organization_id"`
	FundraiserID   string    `json:"fundraiser_id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status"`
	Amount         int64     `json:"amount"`
	RefundedAmount int64     `json:"refunded_amount"`
	Currency       string    `json:"currency"`
	FailedStep     string    `json:"failed_step,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// =============================================================================
// Реализация репозитория
// =============================================================================

// donationRepository — GORM реализация DonationRepository.
type donationRepository struct {
	db     *gorm.DB
	outbox outbox.Repository
}

// NewDonationRepository создаёт репозиторий пожертвований.
func NewDonationRepository(db *gorm.DB, outboxRepo outbox.Repository) DonationRepository {
	return &donationRepository{db: db, outbox: outboxRepo}
}

// Save создаёт пожертвование.
func (r *donationRepository) Save(ctx context.Context, d *domain.Donation) error {
	model := donationModelFromDomain(d)

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

func (r *donationRepository) findOne(ctx context.Context, query string, args ...any) (*domain.Donation, error) {
	var model DonationModel

	if err := r.db.WithContext(ctx).
		Where(query, args...).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDonationNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// FindByID возвращает пожертвование по ID.
func (r *donationRepository) FindByID(ctx context.Context, id string) (*domain.Donation, error) {
	return r.findOne(ctx, "id = ?", id)
}

// FindByIdempotencyKey возвращает пожертвование по ключу идемпотентности клиента.
func (r *donationRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Donation, error) {
	return r.findOne(ctx, "idempotency_key = ?", key)
}

// FindByTransactionID возвращает пожертвование по ID транзакции шлюза.
func (r *donationRepository) FindByTransactionID(ctx context.Context, transactionID string) (*domain.Donation, error) {
	return r.findOne(ctx, "transaction_id = ?", transactionID)
}

// FindPendingBySubscription возвращает неподтверждённое первое пожертвование подписки.
func (r *donationRepository) FindPendingBySubscription(ctx context.Context, externalSubscriptionID string) (*domain.Donation, error) {
	var model DonationModel

	if err := r.db.WithContext(ctx).
		Where("external_subscription_id = ? AND status IN ?", externalSubscriptionID,
			[]string{string(domain.DonationPending), string(domain.DonationProcessing)}).
		Order("created_at ASC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDonationNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// Update сохраняет изменяемые поля при условии, что статус в БД равен from.
func (r *donationRepository) Update(ctx context.Context, d *domain.Donation, from domain.DonationStatus) error {
	model := donationModelFromDomain(d)
	model.UpdatedAt = time.Now().UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&DonationModel{}).
			Where("id = ? AND status = ?", model.ID, string(from)).
			Updates(map[string]interface{}{
				"status":                   model.Status,
				"customer_id":              model.CustomerID,
				"payment_method_id":        model.PaymentMethodID,
				"transaction_id":           model.TransactionID,
				"subscription_id":          model.SubscriptionID,
				"external_subscription_id": model.ExternalSubscriptionID,
				"refunded_amount":          model.RefundedAmount,
				"compliance_flags":         model.ComplianceFlags,
				"failure_reason":           model.FailureReason,
				"failed_step":              model.FailedStep,
				"updated_at":               model.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrStaleStatus
		}

		if d.Status != from {
			event := DonationEvent{
				DonationID:     d.ID,
				OrganizationID: d.OrganizationID,
				FundraiserID:   d.FundraiserID,
				SubscriptionID: d.SubscriptionID,
				Status:         string(d.Status),
				PreviousStatus: string(from),
				Amount:         d.Amount,
				RefundedAmount: d.RefundedAmount,
				Currency:       d.Currency,
				FailedStep:     deref(d.FailedStep),
				OccurredAt:     model.UpdatedAt,
			}
			record, err := outbox.NewRecord(outbox.AggregateDonation, d.ID, "donation."+string(d.Status),
				kafka.TopicDonationEvents, event, nil)
			if err != nil {
				return err
			}
			if err := r.outbox.CreateTx(tx, record); err != nil {
				return fmt.Errorf("ошибка записи события в outbox: %w", err)
			}
		}

		d.UpdatedAt = model.UpdatedAt
		return nil
	})
}

// ListForReport возвращает пожертвования для отчёта.
func (r *donationRepository) ListForReport(ctx context.Context, organizationID string, period domain.Period) ([]*domain.Donation, error) {
	var models []DonationModel

	if err := r.db.WithContext(ctx).
		Where("organization_id = ? AND status IN ? AND created_at >= ? AND created_at < ?",
			organizationID,
			[]string{string(domain.DonationSucceeded), string(domain.DonationRefunded)},
			period.From, period.To).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}

	donations := make([]*domain.Donation, 0, len(models))
	for i := range models {
		donations = append(donations, models[i].toDomain())
	}
	return donations, nil
}
