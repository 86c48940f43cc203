package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/services/donation/internal/domain"
)

// incrWindow атомарно увеличивает счётчик окна и ставит TTL при первом запросе.
var incrWindow = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if current == 1 then
		redis.call("EXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimitConfig — конфигурация ограничителя.
type RateLimitConfig struct {
	Redis  redis.UniversalClient
	Scope  string        // префикс ключа, разделяет лимиты групп маршрутов
	Limit  int           // по умолчанию 60
	Window time.Duration // по умолчанию 1 минута
}

// RateLimiter ограничивает число запросов с одного IP за окно (fixed window в Redis).
type RateLimiter struct {
	redis  redis.UniversalClient
	scope  string
	limit  int
	window time.Duration
}

// NewRateLimiter создаёт ограничитель.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Scope == "" {
		cfg.Scope = "api"
	}
	return &RateLimiter{redis: cfg.Redis, scope: cfg.Scope, limit: cfg.Limit, window: cfg.Window}
}

// Handle возвращает gin middleware. Ошибка Redis пропускает запрос (fail-open).
func (m *RateLimiter) Handle() gin.HandlerFunc {
	windowSec := int(m.window.Seconds())

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		clientIP := c.ClientIP()
		key := fmt.Sprintf("rate:%s:%s", m.scope, clientIP)

		count, err := incrWindow.Run(ctx, m.redis, []string{key}, windowSec).Int()
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("Ошибка проверки rate limit")
			c.Next()
			return
		}

		remaining := max(m.limit-count, 0)
		c.Header("X-RateLimit-Limit", strconv.Itoa(m.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if count > m.limit {
			logger.Ctx(ctx).Warn().
				Str("client_ip", clientIP).
				Str("scope", m.scope).
				Int("limit", m.limit).
				Msg("Rate limit превышен")

			c.Header("Retry-After", strconv.Itoa(windowSec))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   fmt.Sprintf("превышен лимит запросов, повторите через %d секунд", windowSec),
				"code":    domain.CodeRateLimited,
			})
			return
		}

		c.Next()
	}
}
