// Package retry — ограниченные повторы с экспоненциальной задержкой поверх cenkalti/backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"example.com/campaign-payments/pkg/logger"
)

// Policy — параметры повторов. MaxAttempts включает первую попытку.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultPolicy — 3 попытки: 200ms, 400ms (±50% джиттер).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
	}
}

// NoRetry — единственная попытка.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	return b
}

// Do выполняет op, повторяя ошибки, для которых retryable возвращает true.
// Остальные ошибки возвращаются сразу. После MaxAttempts возвращается последняя ошибка.
func Do(ctx context.Context, p Policy, op string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && (retryable == nil || !retryable(err)) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Ctx(ctx).Warn().
				Err(err).
				Str("operation", op).
				Dur("retry_in", next).
				Msg("Временная ошибка, повторяем вызов")
		}),
	)
	return err
}

// DoValue — Do для операций, возвращающих значение.
func DoValue[T any](ctx context.Context, p Policy, op string, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, op, retryable, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
