// Package repository содержит доступ к данным сервиса пожертвований (GORM/MySQL).
package repository

import (
	"encoding/json"
	"errors"
	"strings"

	"gorm.io/gorm"
)

// isDuplicateKeyError проверяет, является ли ошибка дубликатом ключа.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "1062")
}

// encodeStrings сериализует список строк в JSON колонку.
func encodeStrings(items []string) []byte {
	if len(items) == 0 {
		return []byte("[]")
	}
	data, _ := json.Marshal(items)
	return data
}

func decodeStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}
