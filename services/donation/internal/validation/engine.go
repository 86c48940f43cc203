// Package validation — проверка входящих запросов на пожертвование.
//
// Правила выполняются в фиксированном порядке, ошибки накапливаются.
// Правило, вернувшее внутреннюю ошибку или упавшее с паникой, — жёсткий отказ:
// запрос не принимается, правило не пропускается.
package validation

import (
	"context"
	"fmt"
	"slices"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/services/donation/internal/domain"
)

// Rule — одно правило проверки.
type Rule interface {
	Name() string
	Check(ctx context.Context, req *domain.DonationRequest) RuleResult
}

// RuleResult — результат правила.
type RuleResult struct {
	Errors   []domain.FieldError
	Warnings []string
	Flags    []string
	Err      error // внутренняя ошибка правила
}

// Result — итог проверки запроса.
type Result struct {
	Accepted        bool
	Errors          []domain.FieldError
	Warnings        []string
	ComplianceFlags []string
}

// Err возвращает *domain.ValidationError, если запрос не принят.
func (r *Result) Err() error {
	if r.Accepted {
		return nil
	}
	return domain.NewValidationError(r.Errors...)
}

// Engine выполняет цепочку правил.
type Engine struct {
	rules []Rule
}

// NewEngine создаёт движок с правилами в заданном порядке.
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// Validate проверяет запрос всеми правилами. Побочных эффектов нет.
func (e *Engine) Validate(ctx context.Context, req *domain.DonationRequest) *Result {
	res := &Result{}
	for _, rule := range e.rules {
		rr := runRule(ctx, rule, req)

		if rr.Err != nil {
			logger.Ctx(ctx).Error().
				Err(rr.Err).
				Str("rule", rule.Name()).
				Msg("Правило валидации завершилось внутренней ошибкой")
			res.Errors = append(res.Errors, domain.FieldError{
				Field:   rule.Name(),
				Code:    "rule_error",
				Message: "проверка не может быть выполнена",
			})
		}
		res.Errors = append(res.Errors, rr.Errors...)
		res.Warnings = append(res.Warnings, rr.Warnings...)
		res.ComplianceFlags = appendUnique(res.ComplianceFlags, rr.Flags...)
	}
	res.Accepted = len(res.Errors) == 0
	return res
}

// runRule изолирует панику правила.
func runRule(ctx context.Context, rule Rule, req *domain.DonationRequest) (rr RuleResult) {
	defer func() {
		if p := recover(); p != nil {
			rr = RuleResult{Err: fmt.Errorf("паника в правиле %s: %v", rule.Name(), p)}
		}
	}()
	return rule.Check(ctx, req)
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		if !slices.Contains(dst, it) {
			dst = append(dst, it)
		}
	}
	return dst
}
