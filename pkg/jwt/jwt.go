// Package jwt проверяет операторские JWT токены (RS256).
// Токены выпускает внешняя админ-панель кампании; здесь нужен только публичный ключ.
package jwt

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// Роли операторов.
const (
	RoleOperator   = "operator"   // возвраты, управление подписками
	RoleCompliance = "compliance" // отчёты
	RoleAdmin      = "admin"      // всё перечисленное
)

// ErrForbidden возвращается, когда роль токена не подходит для операции.
var ErrForbidden = errors.New("недостаточно прав")

// Claims содержит данные операторского токена.
type Claims struct {
	jwt.RegisteredClaims
	OperatorID    string   `json:"operator_id"`
	Role          string   `json:"role"`
	Organizations []string `json:"orgs,omitempty"` // пусто — доступ ко всем организациям
}

// HasRole проверяет, что токен содержит одну из ролей. admin подходит всегда.
func (c *Claims) HasRole(roles ...string) bool {
	if c.Role == RoleAdmin {
		return true
	}
	return slices.Contains(roles, c.Role)
}

// CanAccessOrganization проверяет доступ к данным организации.
func (c *Claims) CanAccessOrganization(orgID string) bool {
	return len(c.Organizations) == 0 || slices.Contains(c.Organizations, orgID)
}

// Manager валидирует токены.
type Manager struct {
	publicKey *rsa.PublicKey
	issuer    string
}

// Config содержит параметры для создания Manager.
type Config struct {
	PublicKeyPath string
	Issuer        string
}

// NewManager загружает публичный ключ и создаёт валидатор.
func NewManager(cfg Config) (*Manager, error) {
	publicKey, err := LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки публичного ключа: %w", err)
	}
	return NewManagerWithKey(publicKey, cfg.Issuer), nil
}

// NewManagerWithKey создаёт валидатор из уже загруженного ключа.
func NewManagerWithKey(publicKey *rsa.PublicKey, issuer string) *Manager {
	return &Manager{publicKey: publicKey, issuer: issuer}
}

// ValidateToken проверяет подпись, срок действия и издателя токена.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("неожиданный алгоритм подписи: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка валидации токена: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("невалидные claims токена")
	}
	if claims.OperatorID == "" {
		claims.OperatorID = claims.Subject
	}

	return claims, nil
}

// LoadPublicKey загружает RSA публичный ключ из PEM файла.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла %s: %w", path, err)
	}
	return ParsePublicKeyPEM(data)
}

// ParsePublicKeyPEM разбирает PKIX или PKCS#1 публичный ключ.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("не удалось декодировать PEM блок")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ключ не является RSA публичным ключом")
	}

	return rsaKey, nil
}
