package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("timeout")
	errTerminal  = errors.New("card declined")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func fastPolicy(attempts uint) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func TestDo(t *testing.T) {
	t.Run("временная ошибка повторяется до успеха", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastPolicy(3), "gateway.create_customer", isTransient, func(context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("неповторяемая ошибка возвращается сразу", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastPolicy(5), "gateway.create_transaction", isTransient, func(context.Context) error {
			calls++
			return errTerminal
		})

		assert.ErrorIs(t, err, errTerminal)
		assert.Equal(t, 1, calls)
	})

	t.Run("число попыток ограничено", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastPolicy(2), "gateway.create_refund", isTransient, func(context.Context) error {
			calls++
			return errTransient
		})

		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 2, calls)
	})

	t.Run("NoRetry — одна попытка", func(t *testing.T) {
		calls := 0
		_ = Do(context.Background(), NoRetry(), "op", isTransient, func(context.Context) error {
			calls++
			return errTransient
		})
		assert.Equal(t, 1, calls)
	})
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastPolicy(3), "op", isTransient, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "cus_1", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "cus_1", v)
}
