package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/campaign-payments/pkg/jwt"
	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/services/donation/internal/domain"
)

// Ключ claims оператора в gin.Context.
const ClaimsKey = "operator_claims"

// TokenValidator проверяет операторский токен. Реализуется jwt.Manager.
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// OperatorAuth проверяет операторский JWT (RS256) локально по публичному ключу.
type OperatorAuth struct {
	validator TokenValidator
}

// NewOperatorAuth создаёт middleware аутентификации операторов.
func NewOperatorAuth(validator TokenValidator) *OperatorAuth {
	return &OperatorAuth{validator: validator}
}

// Require пропускает только токены с одной из ролей. admin проходит всегда.
func (m *OperatorAuth) Require(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.Ctx(c.Request.Context())

		token := ExtractBearerToken(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, domain.CodeUnauthorized, "требуется авторизация")
			return
		}

		claims, err := m.validator.ValidateToken(token)
		if err != nil {
			log.Warn().Err(err).Msg("Ошибка валидации токена оператора")
			abort(c, http.StatusUnauthorized, domain.CodeUnauthorized, "невалидный токен")
			return
		}
		if !claims.HasRole(roles...) {
			log.Warn().
				Str("operator_id", claims.OperatorID).
				Str("role", claims.Role).
				Msg("Недостаточно прав оператора")
			abort(c, http.StatusForbidden, domain.CodeForbidden, jwt.ErrForbidden.Error())
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// Claims возвращает claims оператора, установленные Require.
func Claims(c *gin.Context) (*jwt.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*jwt.Claims)
	return claims, ok
}

// ExtractBearerToken извлекает токен из "Authorization: Bearer <token>".
// Префикс регистронезависимый.
func ExtractBearerToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg, "code": code})
}
