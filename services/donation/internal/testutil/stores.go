// Package testutil содержит общие фейки для unit-тестов сервисов пожертвований.
// Хранилища — потокобезопасные in-memory реализации интерфейсов repository
// с той же семантикой CAS и дубликатов, что и GORM реализации.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/repository"
)

var (
	_ repository.DonationRepository     = (*DonationStore)(nil)
	_ repository.LedgerRepository       = (*LedgerStore)(nil)
	_ repository.SubscriptionRepository = (*SubscriptionStore)(nil)
	_ repository.RefundRepository       = (*RefundStore)(nil)
	_ repository.AlertRepository        = (*AlertStore)(nil)
	_ repository.WebhookEventRepository = (*WebhookEventStore)(nil)
	_ repository.FundraiserRepository   = (*FundraiserStore)(nil)
)

func cloneDonation(d *domain.Donation) *domain.Donation {
	c := *d
	c.ComplianceFlags = append([]string(nil), d.ComplianceFlags...)
	if d.Donor.Address != nil {
		addr := *d.Donor.Address
		c.Donor.Address = &addr
	}
	return &c
}

// =============================================================================
// DonationStore
// =============================================================================

// DonationStore — in-memory DonationRepository.
type DonationStore struct {
	mu        sync.Mutex
	items     map[string]*domain.Donation
	order     []string
	Events    []string // donation.<status> при каждой смене статуса
	SaveErr   error
	UpdateErr error
	// UpdateHook, если задан, вызывается перед записью; ошибка отменяет запись.
	UpdateHook func(d *domain.Donation, from domain.DonationStatus) error
}

// NewDonationStore создаёт пустое хранилище.
func NewDonationStore() *DonationStore {
	return &DonationStore{items: make(map[string]*domain.Donation)}
}

func (s *DonationStore) Save(_ context.Context, d *domain.Donation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	if d.IdempotencyKey != "" {
		for _, existing := range s.items {
			if existing.IdempotencyKey == d.IdempotencyKey {
				return domain.ErrIdempotencyConflict
			}
		}
	}
	s.items[d.ID] = cloneDonation(d)
	s.order = append(s.order, d.ID)
	return nil
}

func (s *DonationStore) find(match func(d *domain.Donation) bool) (*domain.Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if d := s.items[id]; match(d) {
			return cloneDonation(d), nil
		}
	}
	return nil, domain.ErrDonationNotFound
}

func (s *DonationStore) FindByID(_ context.Context, id string) (*domain.Donation, error) {
	return s.find(func(d *domain.Donation) bool { return d.ID == id })
}

func (s *DonationStore) FindByIdempotencyKey(_ context.Context, key string) (*domain.Donation, error) {
	return s.find(func(d *domain.Donation) bool { return key != "" && d.IdempotencyKey == key })
}

func (s *DonationStore) FindByTransactionID(_ context.Context, transactionID string) (*domain.Donation, error) {
	return s.find(func(d *domain.Donation) bool { return transactionID != "" && d.TransactionID == transactionID })
}

func (s *DonationStore) FindPendingBySubscription(_ context.Context, externalID string) (*domain.Donation, error) {
	return s.find(func(d *domain.Donation) bool {
		return d.ExternalSubscriptionID == externalID &&
			(d.Status == domain.DonationPending || d.Status == domain.DonationProcessing)
	})
}

func (s *DonationStore) Update(_ context.Context, d *domain.Donation, from domain.DonationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	if s.UpdateHook != nil {
		if err := s.UpdateHook(d, from); err != nil {
			return err
		}
	}
	current, ok := s.items[d.ID]
	if !ok {
		return domain.ErrDonationNotFound
	}
	if current.Status != from {
		return domain.ErrStaleStatus
	}
	if d.Status != from {
		s.Events = append(s.Events, "donation."+string(d.Status))
	}
	d.UpdatedAt = time.Now().UTC()
	s.items[d.ID] = cloneDonation(d)
	return nil
}

func (s *DonationStore) ListForReport(_ context.Context, orgID string, period domain.Period) ([]*domain.Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Donation
	for _, id := range s.order {
		d := s.items[id]
		if d.OrganizationID != orgID || !period.Contains(d.CreatedAt) {
			continue
		}
		if d.Status == domain.DonationSucceeded || d.Status == domain.DonationRefunded {
			out = append(out, cloneDonation(d))
		}
	}
	return out, nil
}

// Put кладёт пожертвование напрямую, минуя проверки.
func (s *DonationStore) Put(d *domain.Donation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	s.items[d.ID] = cloneDonation(d)
}

// Get возвращает копию пожертвования или nil.
func (s *DonationStore) Get(id string) *domain.Donation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.items[id]; ok {
		return cloneDonation(d)
	}
	return nil
}

// All возвращает копии всех пожертвований в порядке создания.
func (s *DonationStore) All() []*domain.Donation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Donation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneDonation(s.items[id]))
	}
	return out
}

// =============================================================================
// LedgerStore
// =============================================================================

// LedgerStore — in-memory LedgerRepository.
type LedgerStore struct {
	mu     sync.Mutex
	items  map[domain.DonorKey]domain.ContributionAggregate
	GetErr error
}

// NewLedgerStore создаёт пустое хранилище агрегатов.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{items: make(map[domain.DonorKey]domain.ContributionAggregate)}
}

func (s *LedgerStore) GetAggregate(_ context.Context, key domain.DonorKey) (*domain.ContributionAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	agg, ok := s.items[key]
	if !ok {
		return &domain.ContributionAggregate{Key: key}, nil
	}
	return &agg, nil
}

func (s *LedgerStore) UpsertAggregate(_ context.Context, agg *domain.ContributionAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[agg.Key] = *agg
	return nil
}

func (s *LedgerStore) ListAggregates(_ context.Context, orgID, cycle string) ([]*domain.ContributionAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ContributionAggregate
	for k, v := range s.items {
		if k.OrganizationID == orgID && k.Cycle == cycle {
			agg := v
			out = append(out, &agg)
		}
	}
	return out, nil
}

// Total возвращает текущий итог донора.
func (s *LedgerStore) Total(key domain.DonorKey) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key].Total
}

// Set задаёт итог донора.
func (s *LedgerStore) Set(key domain.DonorKey, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = domain.ContributionAggregate{Key: key, Total: total, DonationCount: 1}
}

// =============================================================================
// SubscriptionStore
// =============================================================================

// SubscriptionStore — in-memory SubscriptionRepository.
type SubscriptionStore struct {
	mu    sync.Mutex
	items map[string]domain.Subscription
}

// NewSubscriptionStore создаёт пустое хранилище подписок.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{items: make(map[string]domain.Subscription)}
}

func (s *SubscriptionStore) Create(_ context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sub.ID] = *sub
	return nil
}

func (s *SubscriptionStore) GetByID(_ context.Context, id string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.items[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (s *SubscriptionStore) GetByExternalID(_ context.Context, externalID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.items {
		if externalID != "" && sub.ExternalID == externalID {
			found := sub
			return &found, nil
		}
	}
	return nil, domain.ErrSubscriptionNotFound
}

func (s *SubscriptionStore) Update(_ context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[sub.ID]; !ok {
		return domain.ErrSubscriptionNotFound
	}
	s.items[sub.ID] = *sub
	return nil
}

func (s *SubscriptionStore) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Subscription
	for _, sub := range s.items {
		if sub.IsDue(now) {
			due := sub
			out = append(out, &due)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get возвращает копию подписки или nil.
func (s *SubscriptionStore) Get(id string) *domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.items[id]; ok {
		return &sub
	}
	return nil
}

// All возвращает копии всех подписок.
func (s *SubscriptionStore) All() []*domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Subscription, 0, len(s.items))
	for _, sub := range s.items {
		c := sub
		out = append(out, &c)
	}
	return out
}

// =============================================================================
// RefundStore
// =============================================================================

// RefundStore — in-memory RefundRepository.
type RefundStore struct {
	mu    sync.Mutex
	items map[string]domain.Refund
	order []string
}

// NewRefundStore создаёт пустое хранилище возвратов.
func NewRefundStore() *RefundStore {
	return &RefundStore{items: make(map[string]domain.Refund)}
}

func (s *RefundStore) Create(_ context.Context, r *domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[r.ID] = *r
	s.order = append(s.order, r.ID)
	return nil
}

func (s *RefundStore) GetByID(_ context.Context, id string) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return nil, domain.ErrRefundNotFound
	}
	return &r, nil
}

func (s *RefundStore) GetByExternalID(_ context.Context, externalID string) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.items {
		if externalID != "" && r.ExternalID == externalID {
			found := r
			return &found, nil
		}
	}
	return nil, domain.ErrRefundNotFound
}

func (s *RefundStore) ListByTransaction(_ context.Context, transactionID string) ([]*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Refund
	for _, id := range s.order {
		if r := s.items[id]; r.TransactionID == transactionID {
			out = append(out, &r)
		}
	}
	return out, nil
}

func (s *RefundStore) UpdateStatus(_ context.Context, r *domain.Refund, from domain.RefundStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.items[r.ID]
	if !ok {
		return domain.ErrRefundNotFound
	}
	if current.Status != from {
		return domain.ErrStaleStatus
	}
	current.Status = r.Status
	current.FailureReason = r.FailureReason
	current.UpdatedAt = r.UpdatedAt
	s.items[r.ID] = current
	return nil
}

func (s *RefundStore) SetExternalID(_ context.Context, id, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return domain.ErrRefundNotFound
	}
	r.ExternalID = externalID
	s.items[id] = r
	return nil
}

// All возвращает копии всех возвратов в порядке создания.
func (s *RefundStore) All() []*domain.Refund {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Refund, 0, len(s.order))
	for _, id := range s.order {
		r := s.items[id]
		out = append(out, &r)
	}
	return out
}

// =============================================================================
// AlertStore
// =============================================================================

// AlertStore — in-memory AlertRepository.
type AlertStore struct {
	mu        sync.Mutex
	alerts    []*domain.ComplianceAlert
	CreateErr error
}

// NewAlertStore создаёт пустое хранилище алертов.
func NewAlertStore() *AlertStore {
	return &AlertStore{}
}

func (s *AlertStore) Create(_ context.Context, a *domain.ComplianceAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	c := *a
	s.alerts = append(s.alerts, &c)
	return nil
}

func (s *AlertStore) HasOpen(_ context.Context, t domain.AlertType, key domain.DonorKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Type == t && a.DonorKey == key && a.Status == domain.AlertOpen {
			return true, nil
		}
	}
	return false, nil
}

// All возвращает сохранённые алерты.
func (s *AlertStore) All() []*domain.ComplianceAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.ComplianceAlert(nil), s.alerts...)
}

// OfType возвращает алерты данного типа.
func (s *AlertStore) OfType(t domain.AlertType) []*domain.ComplianceAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ComplianceAlert
	for _, a := range s.alerts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// =============================================================================
// WebhookEventStore
// =============================================================================

// WebhookEventStore — in-memory WebhookEventRepository.
type WebhookEventStore struct {
	mu    sync.Mutex
	items map[string]domain.WebhookEventRecord
}

// NewWebhookEventStore создаёт пустой журнал событий.
func NewWebhookEventStore() *WebhookEventStore {
	return &WebhookEventStore{items: make(map[string]domain.WebhookEventRecord)}
}

func (s *WebhookEventStore) InsertIfAbsent(_ context.Context, rec *domain.WebhookEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[rec.EventID]; ok {
		return domain.ErrIdempotencyConflict
	}
	s.items[rec.EventID] = *rec
	return nil
}

func (s *WebhookEventStore) Complete(_ context.Context, rec *domain.WebhookEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	c.Actions = append([]string(nil), rec.Actions...)
	s.items[rec.EventID] = c
	return nil
}

// Get возвращает запись события или nil.
func (s *WebhookEventStore) Get(eventID string) *domain.WebhookEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.items[eventID]; ok {
		return &rec
	}
	return nil
}

// Len возвращает количество записей.
func (s *WebhookEventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// =============================================================================
// FundraiserStore
// =============================================================================

// FundraiserStore — in-memory FundraiserRepository.
type FundraiserStore struct {
	mu    sync.Mutex
	items map[string]domain.Fundraiser
}

// NewFundraiserStore создаёт хранилище с заданными сборами.
func NewFundraiserStore(fs ...domain.Fundraiser) *FundraiserStore {
	s := &FundraiserStore{items: make(map[string]domain.Fundraiser)}
	for _, f := range fs {
		s.items[f.ID] = f
	}
	return s
}

func (s *FundraiserStore) Get(_ context.Context, id string) (*domain.Fundraiser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.items[id]
	if !ok {
		return nil, domain.ErrFundraiserNotFound
	}
	return &f, nil
}
