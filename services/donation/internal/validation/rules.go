package validation

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"example.com/campaign-payments/services/donation/internal/domain"
)

// Config — границы правил.
type Config struct {
	MinAmount            int64 // в центах
	MaxAmount            int64
	MinRecurringAmount   int64
	ItemizationThreshold int64
	Currencies           []string
}

// DefaultConfig — $1 … $100,000, регулярные от $5, детализация от $200, только USD.
func DefaultConfig() Config {
	return Config{
		MinAmount:            100,
		MaxAmount:            10_000_000,
		MinRecurringAmount:   500,
		ItemizationThreshold: 20_000,
		Currencies:           []string{"USD"},
	}
}

// DefaultRules возвращает стандартную цепочку правил в фиксированном порядке.
func DefaultRules(cfg Config, fundraisers FundraiserLookup) []Rule {
	v := newValidator()
	return []Rule{
		&AmountRule{Min: cfg.MinAmount, Max: cfg.MaxAmount},
		&CurrencyRule{Allowed: cfg.Currencies},
		&DonorIdentityRule{validate: v},
		&AddressRule{Threshold: cfg.ItemizationThreshold, validate: v},
		&FundraiserRule{Lookup: fundraisers},
		&RecurringRule{MinAmount: cfg.MinRecurringAmount},
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// dollars форматирует центы для сообщений: 100 -> "$1.00".
func dollars(cents int64) string {
	return "$" + decimal.New(cents, -2).StringFixed(2)
}

func fieldErr(field, code, msg string) domain.FieldError {
	return domain.FieldError{Field: field, Code: code, Message: msg}
}

// =============================================================================
// AmountRule
// =============================================================================

// AmountRule — сумма положительна и в допустимых границах.
type AmountRule struct {
	Min int64
	Max int64
}

func (r *AmountRule) Name() string { return "amount" }

func (r *AmountRule) Check(_ context.Context, req *domain.DonationRequest) RuleResult {
	switch {
	case req.Amount <= 0:
		return RuleResult{Errors: []domain.FieldError{fieldErr("amount", "positive", "amount must be positive")}}
	case req.Amount < r.Min:
		return RuleResult{Errors: []domain.FieldError{fieldErr("amount", "min", "amount must be at least "+dollars(r.Min))}}
	case r.Max > 0 && req.Amount > r.Max:
		return RuleResult{Errors: []domain.FieldError{fieldErr("amount", "max", "amount must not exceed "+dollars(r.Max))}}
	}
	return RuleResult{}
}

// =============================================================================
// CurrencyRule
// =============================================================================

// CurrencyRule — валюта из разрешённого списка.
type CurrencyRule struct {
	Allowed []string
}

func (r *CurrencyRule) Name() string { return "currency" }

func (r *CurrencyRule) Check(_ context.Context, req *domain.DonationRequest) RuleResult {
	cur := strings.ToUpper(strings.TrimSpace(req.Currency))
	for _, a := range r.Allowed {
		if strings.EqualFold(a, cur) {
			return RuleResult{}
		}
	}
	return RuleResult{Errors: []domain.FieldError{
		fieldErr("currency", "unsupported", "currency must be one of "+strings.Join(r.Allowed, ", ")),
	}}
}

// =============================================================================
// DonorIdentityRule
// =============================================================================

// DonorIdentityRule — корректный email, имя и фамилия не короче 2 символов.
type DonorIdentityRule struct {
	validate *validator.Validate
}

func (r *DonorIdentityRule) Name() string { return "donor_identity" }

func (r *DonorIdentityRule) Check(_ context.Context, req *domain.DonationRequest) RuleResult {
	var res RuleResult
	email := strings.TrimSpace(req.Donor.Email)
	if err := r.validate.Var(email, "required,email"); err != nil {
		res.Errors = append(res.Errors, fieldErr("donor.email", "email", "a valid email address is required"))
	}
	if len([]rune(strings.TrimSpace(req.Donor.FirstName))) < 2 {
		res.Errors = append(res.Errors, fieldErr("donor.first_name", "min", "first name must be at least 2 characters"))
	}
	if len([]rune(strings.TrimSpace(req.Donor.LastName))) < 2 {
		res.Errors = append(res.Errors, fieldErr("donor.last_name", "min", "last name must be at least 2 characters"))
	}
	return res
}

// =============================================================================
// AddressRule
// =============================================================================

// AddressRule — от порога детализации обязателен полный почтовый адрес.
// Отсутствие работодателя и должности — предупреждение, не ошибка.
type AddressRule struct {
	Threshold int64
	validate  *validator.Validate
}

func (r *AddressRule) Name() string { return "address" }

func (r *AddressRule) Check(_ context.Context, req *domain.DonationRequest) RuleResult {
	if req.Amount < r.Threshold {
		return RuleResult{}
	}

	res := RuleResult{Flags: []string{domain.FlagItemized}}

	if req.Donor.Address == nil {
		res.Errors = append(res.Errors, fieldErr("donor.address", "required",
			"a complete postal address is required for contributions of "+dollars(r.Threshold)+" or more"))
	} else if err := r.validate.Struct(req.Donor.Address); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			res.Err = err
			return res
		}
		for _, fe := range verrs {
			res.Errors = append(res.Errors, fieldErr("donor.address."+fe.Field(), fe.Tag(), "invalid or missing "+fe.Field()))
		}
	}

	if strings.TrimSpace(req.Donor.Employer) == "" || strings.TrimSpace(req.Donor.Occupation) == "" {
		res.Warnings = append(res.Warnings, "employer and occupation are requested for contributions of "+dollars(r.Threshold)+" or more")
		res.Flags = append(res.Flags, domain.FlagEmployerMissing)
	}
	return res
}

// =============================================================================
// FundraiserRule
// =============================================================================

// FundraiserLookup — источник сборов средств.
type FundraiserLookup interface {
	Get(ctx context.Context, id string) (*domain.Fundraiser, error)
}

// FundraiserRule — сбор существует и активен. Ошибка источника — жёсткий отказ.
type FundraiserRule struct {
	Lookup FundraiserLookup
}

func (r *FundraiserRule) Name() string { return "fundraiser" }

func (r *FundraiserRule) Check(ctx context.Context, req *domain.DonationRequest) RuleResult {
	if strings.TrimSpace(req.FundraiserID) == "" {
		return RuleResult{Errors: []domain.FieldError{fieldErr("fundraiser_id", "required", "fundraiser_id is required")}}
	}
	f, err := r.Lookup.Get(ctx, req.FundraiserID)
	if errors.Is(err, domain.ErrFundraiserNotFound) {
		return RuleResult{Errors: []domain.FieldError{fieldErr("fundraiser_id", "not_found", "fundraiser not found")}}
	}
	if err != nil {
		return RuleResult{Err: err}
	}
	if !f.Active {
		return RuleResult{Errors: []domain.FieldError{fieldErr("fundraiser_id", "inactive", "fundraiser is not accepting donations")}}
	}
	return RuleResult{}
}

// =============================================================================
// RecurringRule
// =============================================================================

// RecurringRule — для регулярных пожертвований задан интервал и минимальная сумма.
type RecurringRule struct {
	MinAmount int64
}

func (r *RecurringRule) Name() string { return "recurring" }

func (r *RecurringRule) Check(_ context.Context, req *domain.DonationRequest) RuleResult {
	if !req.IsRecurring {
		return RuleResult{}
	}
	var res RuleResult
	if !req.Interval.IsValid() {
		res.Errors = append(res.Errors, fieldErr("interval", "oneof", "interval must be one of monthly, quarterly, yearly"))
	}
	if req.IntervalCount < 0 {
		res.Errors = append(res.Errors, fieldErr("interval_count", "min", "interval_count must not be negative"))
	}
	if req.Amount > 0 && req.Amount < r.MinAmount {
		res.Errors = append(res.Errors, fieldErr("amount", "min_recurring", "recurring amount must be at least "+dollars(r.MinAmount)))
	}
	return res
}
