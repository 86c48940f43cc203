package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLocker — блокировка в пределах одного процесса (тесты, single-instance запуск).
type LocalLocker struct {
	mu      sync.Mutex
	slots   map[string]chan struct{}
	maxWait time.Duration
}

// NewLocalLocker создаёт LocalLocker. maxWait <= 0 — ждать до отмены ctx.
func NewLocalLocker(maxWait time.Duration) *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{}), maxWait: maxWait}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func release(ch chan struct{}) Unlock {
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }
}

// TryAcquire пытается занять слот без ожидания.
func (l *LocalLocker) TryAcquire(_ context.Context, key string) (Unlock, bool, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return release(ch), true, nil
	default:
		return nil, false, nil
	}
}

// Acquire ждёт освобождения слота.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	ch := l.slot(key)

	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	select {
	case ch <- struct{}{}:
		return release(ch), nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
}
