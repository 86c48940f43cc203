package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/services/donation/internal/domain"
)

// RiskCheck — один источник риска. Возвращает балл 0..100 и причину.
type RiskCheck interface {
	Name() string
	Score(ctx context.Context, req *domain.DonationRequest) (int, string, error)
}

// FraudAssessment — итог скоринга.
type FraudAssessment struct {
	Score   int
	Reasons []string
	Review  bool
}

// FraudScreen суммирует баллы проверок и сравнивает с порогами.
type FraudScreen struct {
	checks      []RiskCheck
	reviewScore int
	rejectScore int
}

// NewFraudScreen создаёт скоринг с порогами ручной проверки и отказа.
func NewFraudScreen(reviewScore, rejectScore int, checks ...RiskCheck) *FraudScreen {
	return &FraudScreen{checks: checks, reviewScore: reviewScore, rejectScore: rejectScore}
}

// Screen оценивает запрос. От rejectScore и выше возвращается *domain.FraudRejection,
// от reviewScore пожертвование помечается для ручной проверки.
// Сбой отдельной проверки не блокирует пожертвование: балл проверки считается нулевым.
func (s *FraudScreen) Screen(ctx context.Context, req *domain.DonationRequest) (*FraudAssessment, error) {
	a := &FraudAssessment{}
	for _, c := range s.checks {
		score, reason, err := c.Score(ctx, req)
		if err != nil {
			logger.Ctx(ctx).Warn().
				Err(err).
				Str("check", c.Name()).
				Msg("Проверка риска недоступна, балл не учитывается")
			continue
		}
		if score <= 0 {
			continue
		}
		a.Score += score
		if reason != "" {
			a.Reasons = append(a.Reasons, reason)
		}
	}
	if a.Score > 100 {
		a.Score = 100
	}

	if s.rejectScore > 0 && a.Score >= s.rejectScore {
		return a, &domain.FraudRejection{Score: a.Score, Reasons: a.Reasons}
	}
	a.Review = s.reviewScore > 0 && a.Score >= s.reviewScore
	return a, nil
}

// =============================================================================
// Проверки
// =============================================================================

// StubCheck — заглушка внешнего источника риска (репутация email, гео, способ оплаты).
// Всегда возвращает 0, пока не подключён реальный поставщик.
type StubCheck struct {
	CheckName string
}

func (c StubCheck) Name() string { return c.CheckName }

func (c StubCheck) Score(context.Context, *domain.DonationRequest) (int, string, error) {
	return 0, "", nil
}

// DefaultRiskChecks — заглушки трёх внешних источников риска.
func DefaultRiskChecks() []RiskCheck {
	return []RiskCheck{
		StubCheck{CheckName: "email_reputation"},
		StubCheck{CheckName: "geo_risk"},
		StubCheck{CheckName: "payment_method_risk"},
	}
}

const velocityPrefix = "fraud:velocity:"

// velocityScript — атомарный INCR + EXPIRE.
var velocityScript = redis.NewScript(`
local val = redis.call('INCR', KEYS[1])
if val == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return val
`)

// RedisVelocityCheck считает попытки донора за окно. Сверх лимита — штрафной балл.
type RedisVelocityCheck struct {
	rdb     redis.UniversalClient
	limit   int
	window  time.Duration
	penalty int
}

// NewRedisVelocityCheck создаёт проверку частоты попыток.
func NewRedisVelocityCheck(rdb redis.UniversalClient, limit int, window time.Duration, penalty int) *RedisVelocityCheck {
	return &RedisVelocityCheck{rdb: rdb, limit: limit, window: window, penalty: penalty}
}

func (c *RedisVelocityCheck) Name() string { return "velocity" }

func (c *RedisVelocityCheck) Score(ctx context.Context, req *domain.DonationRequest) (int, string, error) {
	key := velocityPrefix + domain.NormalizeEmail(req.Donor.Email)
	n, err := velocityScript.Run(ctx, c.rdb, []string{key}, int(c.window.Seconds())).Int()
	if err != nil {
		return 0, "", fmt.Errorf("ошибка счётчика частоты: %w", err)
	}
	if n > c.limit {
		return c.penalty, fmt.Sprintf("velocity: %d attempts in %s", n, c.window), nil
	}
	return 0, "", nil
}
