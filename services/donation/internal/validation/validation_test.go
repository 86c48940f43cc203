package validation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/campaign-payments/services/donation/internal/domain"
)

// =============================================================================
// Фейки
// =============================================================================

type fakeFundraisers struct {
	mu    sync.Mutex
	items map[string]*domain.Fundraiser
	err   error
	calls int32
	delay time.Duration
}

func newFakeFundraisers(fs ...*domain.Fundraiser) *fakeFundraisers {
	m := &fakeFundraisers{items: make(map[string]*domain.Fundraiser)}
	for _, f := range fs {
		m.items[f.ID] = f
	}
	return m
}

func (m *fakeFundraisers) Get(_ context.Context, id string) (*domain.Fundraiser, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	f, ok := m.items[id]
	if !ok {
		return nil, domain.ErrFundraiserNotFound
	}
	return f, nil
}

type panicRule struct{}

func (panicRule) Name() string { return "panicky" }
func (panicRule) Check(context.Context, *domain.DonationRequest) RuleResult {
	panic("boom")
}

type fixedCheck struct {
	score int
	err   error
}

func (c fixedCheck) Name() string { return "fixed" }
func (c fixedCheck) Score(context.Context, *domain.DonationRequest) (int, string, error) {
	return c.score, "fixed risk", c.err
}

func validRequest() *domain.DonationRequest {
	return &domain.DonationRequest{
		FundraiserID: "fr-1",
		Amount:       5000,
		Currency:     "USD",
		Donor: domain.DonorInfo{
			Email:     "jane@example.com",
			FirstName: "Jane",
			LastName:  "Doe",
		},
		PaymentMethod: domain.PaymentMethodInput{Token: "tok_visa", Type: "card"},
	}
}

func newTestEngine(f FundraiserLookup) *Engine {
	return NewEngine(DefaultRules(DefaultConfig(), f)...)
}

func activeFundraiser() *domain.Fundraiser {
	return &domain.Fundraiser{ID: "fr-1", OrganizationID: "org-1", Active: true}
}

// =============================================================================
// Engine
// =============================================================================

func TestEngine_Validate(t *testing.T) {
	fundraisers := newFakeFundraisers(activeFundraiser(), &domain.Fundraiser{ID: "fr-closed", Active: false})

	tests := []struct {
		name   string
		mutate func(r *domain.DonationRequest)
		fields []string
	}{
		{"корректный запрос", func(r *domain.DonationRequest) {}, nil},
		{"нулевая сумма", func(r *domain.DonationRequest) { r.Amount = 0 }, []string{"amount"}},
		{"сумма меньше $1", func(r *domain.DonationRequest) { r.Amount = 99 }, []string{"amount"}},
		{"сумма больше $100,000", func(r *domain.DonationRequest) {
			r.Amount = 10_000_001
			r.Donor.Address = &domain.PostalAddress{Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701", Country: "US"}
		}, []string{"amount"}},
		{"неподдерживаемая валюта", func(r *domain.DonationRequest) { r.Currency = "EUR" }, []string{"currency"}},
		{"валюта в нижнем регистре", func(r *domain.DonationRequest) { r.Currency = "usd" }, nil},
		{"некорректный email", func(r *domain.DonationRequest) { r.Donor.Email = "not-an-email" }, []string{"donor.email"}},
		{"короткое имя", func(r *domain.DonationRequest) { r.Donor.FirstName = " J " }, []string{"donor.first_name"}},
		{"нет адреса от порога", func(r *domain.DonationRequest) { r.Amount = 25_000 }, []string{"donor.address"}},
		{"неполный адрес от порога", func(r *domain.DonationRequest) {
			r.Amount = 20_000
			r.Donor.Address = &domain.PostalAddress{Line1: "1 Main St", City: "Austin", Country: "US"}
		}, []string{"donor.address.state", "donor.address.postal_code"}},
		{"сбор не найден", func(r *domain.DonationRequest) { r.FundraiserID = "fr-x" }, []string{"fundraiser_id"}},
		{"сбор закрыт", func(r *domain.DonationRequest) { r.FundraiserID = "fr-closed" }, []string{"fundraiser_id"}},
		{"регулярный без интервала", func(r *domain.DonationRequest) { r.IsRecurring = true }, []string{"interval"}},
		{"регулярный меньше $5", func(r *domain.DonationRequest) {
			r.IsRecurring = true
			r.Interval = domain.IntervalMonthly
			r.Amount = 400
		}, []string{"amount"}},
		{"ошибки накапливаются", func(r *domain.DonationRequest) {
			r.Amount = -5
			r.Currency = "GBP"
			r.Donor.Email = ""
		}, []string{"amount", "currency", "donor.email"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)

			res := newTestEngine(fundraisers).Validate(context.Background(), req)

			if len(tt.fields) == 0 {
				assert.True(t, res.Accepted, "ошибки: %+v", res.Errors)
				assert.NoError(t, res.Err())
				return
			}
			assert.False(t, res.Accepted)
			var verr *domain.ValidationError
			require.ErrorAs(t, res.Err(), &verr)
			for _, f := range tt.fields {
				assert.True(t, verr.HasField(f), "ожидалась ошибка поля %s, получено %+v", f, verr.Errors)
			}
		})
	}
}

func TestEngine_ItemizedFlagsAndWarnings(t *testing.T) {
	req := validRequest()
	req.Amount = 50_000
	req.Donor.Address = &domain.PostalAddress{Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701", Country: "US"}

	res := newTestEngine(newFakeFundraisers(activeFundraiser())).Validate(context.Background(), req)

	require.True(t, res.Accepted)
	assert.Contains(t, res.ComplianceFlags, domain.FlagItemized)
	assert.Contains(t, res.ComplianceFlags, domain.FlagEmployerMissing)
	assert.NotEmpty(t, res.Warnings)

	req.Donor.Employer = "Acme"
	req.Donor.Occupation = "Engineer"
	res = newTestEngine(newFakeFundraisers(activeFundraiser())).Validate(context.Background(), req)
	assert.NotContains(t, res.ComplianceFlags, domain.FlagEmployerMissing)
	assert.Empty(t, res.Warnings)
}

func TestEngine_RuleFailuresAreHard(t *testing.T) {
	t.Run("ошибка источника сборов", func(t *testing.T) {
		f := newFakeFundraisers()
		f.err = errors.New("db down")

		res := newTestEngine(f).Validate(context.Background(), validRequest())

		assert.False(t, res.Accepted)
		var verr *domain.ValidationError
		require.ErrorAs(t, res.Err(), &verr)
		assert.True(t, verr.HasField("fundraiser"))
		assert.Equal(t, "rule_error", verr.Errors[0].Code)
	})

	t.Run("паника правила", func(t *testing.T) {
		rules := append(DefaultRules(DefaultConfig(), newFakeFundraisers(activeFundraiser())), panicRule{})

		res := NewEngine(rules...).Validate(context.Background(), validRequest())

		assert.False(t, res.Accepted)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, "panicky", res.Errors[0].Field)
	})
}

// =============================================================================
// FraudScreen
// =============================================================================

func TestFraudScreen(t *testing.T) {
	tests := []struct {
		name     string
		checks   []RiskCheck
		reject   bool
		review   bool
		expected int
	}{
		{"заглушки дают 0", DefaultRiskChecks(), false, false, 0},
		{"порог ручной проверки", []RiskCheck{fixedCheck{score: 65}}, false, true, 65},
		{"порог отказа", []RiskCheck{fixedCheck{score: 50}, fixedCheck{score: 45}}, true, false, 95},
		{"балл ограничен 100", []RiskCheck{fixedCheck{score: 80}, fixedCheck{score: 80}}, true, false, 100},
		{"сбой проверки не учитывается", []RiskCheck{fixedCheck{score: 99, err: errors.New("timeout")}}, false, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewFraudScreen(60, 90, tt.checks...)

			a, err := s.Screen(context.Background(), validRequest())

			require.NotNil(t, a)
			assert.Equal(t, tt.expected, a.Score)
			assert.Equal(t, tt.review, a.Review)
			if tt.reject {
				var rej *domain.FraudRejection
				require.ErrorAs(t, err, &rej)
				assert.Equal(t, tt.expected, rej.Score)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedisVelocityCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	check := NewRedisVelocityCheck(rdb, 2, time.Hour, 95)
	req := validRequest()
	req.Donor.Email = "Jane@Example.com"

	for i := 0; i < 2; i++ {
		score, _, err := check.Score(context.Background(), req)
		require.NoError(t, err)
		assert.Zero(t, score)
	}

	score, reason, err := check.Score(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 95, score)
	assert.Contains(t, reason, "velocity")

	assert.True(t, mr.TTL(velocityPrefix+"jane@example.com") > 0, "счётчик с TTL")

	mr.FastForward(2 * time.Hour)
	score, _, err = check.Score(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, score, "окно истекло")
}

// =============================================================================
// CachedFundraiserLookup
// =============================================================================

func TestCachedFundraiserLookup(t *testing.T) {
	t.Run("параллельные промахи схлопываются", func(t *testing.T) {
		src := newFakeFundraisers(activeFundraiser())
		src.delay = 20 * time.Millisecond
		c := NewCachedFundraiserLookup(src, time.Minute)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f, err := c.Get(context.Background(), "fr-1")
				assert.NoError(t, err)
				assert.Equal(t, "org-1", f.OrganizationID)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
	})

	t.Run("TTL истекает", func(t *testing.T) {
		src := newFakeFundraisers(activeFundraiser())
		c := NewCachedFundraiserLookup(src, time.Minute)
		now := time.Now()
		c.now = func() time.Time { return now }

		_, err := c.Get(context.Background(), "fr-1")
		require.NoError(t, err)
		_, _ = c.Get(context.Background(), "fr-1")
		assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))

		now = now.Add(2 * time.Minute)
		_, _ = c.Get(context.Background(), "fr-1")
		assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
	})

	t.Run("не найдено не кэшируется", func(t *testing.T) {
		src := newFakeFundraisers()
		c := NewCachedFundraiserLookup(src, time.Minute)

		_, err := c.Get(context.Background(), "fr-1")
		assert.ErrorIs(t, err, domain.ErrFundraiserNotFound)

		src.mu.Lock()
		src.items["fr-1"] = activeFundraiser()
		src.mu.Unlock()

		f, err := c.Get(context.Background(), "fr-1")
		require.NoError(t, err)
		assert.True(t, f.Active)
	})
}
