// Package lock предоставляет взаимоисключающие блокировки по ключу.
// Используется для сериализации операций над одним донором (лимит пожертвований),
// одной транзакцией (возвраты) и для единственного экземпляра планировщика.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired — блокировку не удалось получить до истечения ожидания.
var ErrNotAcquired = errors.New("блокировка не получена")

// Unlock освобождает блокировку. Повторный вызов безопасен.
type Unlock func()

// Locker — блокировка по строковому ключу.
type Locker interface {
	// Acquire ждёт блокировку до отмены ctx или истечения MaxWait реализации.
	Acquire(ctx context.Context, key string) (Unlock, error)

	// TryAcquire пытается взять блокировку один раз, без ожидания.
	TryAcquire(ctx context.Context, key string) (Unlock, bool, error)
}

// Options — общие параметры ожидания.
type Options struct {
	// TTL — время жизни блокировки в Redis (страховка от упавшего владельца).
	TTL time.Duration
	// MaxWait — сколько максимум ждать блокировку.
	MaxWait time.Duration
	// RetryInterval — пауза между попытками.
	RetryInterval time.Duration
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		TTL:           30 * time.Second,
		MaxWait:       10 * time.Second,
		RetryInterval: 25 * time.Millisecond,
	}
}
