package compliance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/campaign-payments/pkg/lock"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/testutil"
)

var testKey = domain.DonorKey{DonorID: "jane@example.com", OrganizationID: "org-1", Cycle: "2026"}

func newTestLedger() (*Ledger, *testutil.LedgerStore, *testutil.AlertStore) {
	aggs := testutil.NewLedgerStore()
	alerts := testutil.NewAlertStore()
	return NewLedger(aggs, alerts, lock.NewLocalLocker(time.Second), DefaultConfig()), aggs, alerts
}

func TestLedger_CheckAndReserve(t *testing.T) {
	tests := []struct {
		name         string
		existing     int64
		amount       int64
		address      bool
		within       bool
		verification bool
		reserved     bool
		total        int64
		alertType    domain.AlertType
	}{
		{"первое пожертвование", 0, 5000, false, true, false, true, 5000, ""},
		{"ровно до лимита", 320_000, 10_000, true, true, false, true, 330_000, ""},
		{"на цент больше лимита", 320_000, 10_001, true, false, false, false, 320_000, domain.AlertContributionLimit},
		{"$3,200 + $200 превышает лимит", 320_000, 20_000, true, false, false, false, 320_000, domain.AlertContributionLimit},
		{"порог детализации без адреса", 15_000, 5_000, false, true, true, false, 15_000, domain.AlertVerification},
		{"порог детализации с адресом", 15_000, 5_000, true, true, false, true, 20_000, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, aggs, alerts := newTestLedger()
			if tt.existing > 0 {
				aggs.Set(testKey, tt.existing)
			}

			check, err := ledger.CheckAndReserve(context.Background(), ReserveRequest{
				Key: testKey, Amount: tt.amount, SubjectID: "don-1", HasCompleteAddress: tt.address,
			})

			require.NoError(t, err)
			assert.Equal(t, tt.within, check.WithinLimit)
			assert.Equal(t, tt.verification, check.VerificationRequired)
			assert.Equal(t, tt.reserved, check.Reserved)
			assert.Equal(t, tt.existing, check.CurrentTotal)
			assert.Equal(t, tt.total, aggs.Total(testKey))

			if tt.alertType == "" {
				assert.Empty(t, alerts.All())
				assert.NoError(t, check.Err(testKey, tt.amount))
				return
			}
			require.Len(t, alerts.All(), 1)
			assert.Equal(t, tt.alertType, alerts.All()[0].Type)
			assert.Equal(t, "don-1", alerts.All()[0].SubjectID)
		})
	}
}

func TestLedger_CheckAndReserve_Violation(t *testing.T) {
	ledger, aggs, alerts := newTestLedger()
	aggs.Set(testKey, 320_000)

	check, err := ledger.CheckAndReserve(context.Background(), ReserveRequest{Key: testKey, Amount: 20_000, HasCompleteAddress: true})
	require.NoError(t, err)

	var violation *domain.ComplianceViolation
	require.ErrorAs(t, check.Err(testKey, 20_000), &violation)
	assert.Equal(t, int64(320_000), violation.CurrentTotal)
	assert.Equal(t, int64(10_000), violation.RemainingLimit)
	assert.Equal(t, alerts.All()[0].ID, violation.AlertID)
	assert.Equal(t, domain.SeverityHigh, alerts.All()[0].Severity)
}

func TestLedger_ConcurrentReservationsDoNotExceedLimit(t *testing.T) {
	ledger, aggs, _ := newTestLedger()
	aggs.Set(testKey, 300_000)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check, err := ledger.CheckAndReserve(context.Background(), ReserveRequest{Key: testKey, Amount: 10_000, HasCompleteAddress: true})
			if assert.NoError(t, err) && check.Reserved {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, int64(330_000), aggs.Total(testKey))
}

func TestLedger_Adjust(t *testing.T) {
	t.Run("возврат не уводит итог ниже нуля", func(t *testing.T) {
		ledger, aggs, _ := newTestLedger()
		aggs.Set(testKey, 3_000)

		require.NoError(t, ledger.Adjust(context.Background(), testKey, -5_000, "ref-1"))

		assert.Zero(t, aggs.Total(testKey))
	})

	t.Run("превышение лимита положительной дельтой создаёт алерт", func(t *testing.T) {
		ledger, aggs, alerts := newTestLedger()
		aggs.Set(testKey, 329_000)

		require.NoError(t, ledger.Adjust(context.Background(), testKey, 2_000, "don-9"))

		assert.Equal(t, int64(331_000), aggs.Total(testKey))
		open, err := alerts.HasOpen(context.Background(), domain.AlertContributionLimit, testKey)
		require.NoError(t, err)
		assert.True(t, open)
	})

	t.Run("Release", func(t *testing.T) {
		ledger, aggs, _ := newTestLedger()
		aggs.Set(testKey, 10_000)

		require.NoError(t, ledger.Release(context.Background(), testKey, 4_000, "don-1"))

		assert.Equal(t, int64(6_000), aggs.Total(testKey))
	})
}

func TestLedger_CheckReadOnly(t *testing.T) {
	ledger, aggs, alerts := newTestLedger()
	aggs.Set(testKey, 300_000)

	check, err := ledger.Check(context.Background(), testKey, 40_000, "sub-1")

	require.NoError(t, err)
	assert.False(t, check.WithinLimit)
	assert.Equal(t, int64(300_000), aggs.Total(testKey))
	assert.Len(t, alerts.OfType(domain.AlertContributionLimit), 1)
}

func TestLedger_StoreErrors(t *testing.T) {
	ledger, aggs, alerts := newTestLedger()
	aggs.GetErr = errors.New("db down")

	_, err := ledger.CheckAndReserve(context.Background(), ReserveRequest{Key: testKey, Amount: 100})
	assert.Error(t, err)

	aggs.GetErr = nil
	aggs.Set(testKey, 330_000)
	alerts.CreateErr = errors.New("db down")
	_, err = ledger.CheckAndReserve(context.Background(), ReserveRequest{Key: testKey, Amount: 100})
	assert.Error(t, err, "алерт должен быть сохранён до ответа")
}

func TestLedger_CycleFor(t *testing.T) {
	ledger, _, _ := newTestLedger()

	assert.Equal(t, "2026", ledger.CycleFor(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2026", ledger.CycleFor(time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2028", ledger.CycleFor(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)))
}
