package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign вычисляет подпись исходящего запроса:
// hex(HMAC-SHA256(secret, METHOD + PATH + Timestamp + Nonce)).
func Sign(secret, method, path, timestamp, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToUpper(method) + path + timestamp + nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет подпись webhook: hex HMAC-SHA256 от сырого тела.
// Префикс "sha256=" допускается. Сравнение за постоянное время.
func VerifySignature(secret string, raw []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignPayload подписывает тело webhook. Используется в тестах и инструментах воспроизведения событий.
func SignPayload(secret string, raw []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
