package donation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/campaign-payments/pkg/lock"
	"example.com/campaign-payments/pkg/retry"
	"example.com/campaign-payments/services/donation/internal/compliance"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/gateway"
	"example.com/campaign-payments/services/donation/internal/testutil"
	"example.com/campaign-payments/services/donation/internal/validation"
)

// =============================================================================
// Окружение
// =============================================================================

type testEnv struct {
	orch      *Orchestrator
	donations *testutil.DonationStore
	subs      *testutil.SubscriptionStore
	aggs      *testutil.LedgerStore
	alerts    *testutil.AlertStore
	gw        *testutil.FakeGateway
	notifier  *testutil.MockNotifier
}

func (e *testEnv) gatewayCalls() int {
	total := 0
	for _, op := range []string{"create_customer", "create_payment_method", "create_transaction", "create_recurring_payment"} {
		total += e.gw.Calls(op)
	}
	return total
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	cfg := Config{Retry: retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}}
	for _, opt := range opts {
		opt(&cfg)
	}

	env := &testEnv{
		donations: testutil.NewDonationStore(),
		subs:      testutil.NewSubscriptionStore(),
		aggs:      testutil.NewLedgerStore(),
		alerts:    testutil.NewAlertStore(),
		gw:        testutil.NewFakeGateway(),
		notifier:  &testutil.MockNotifier{},
	}
	fundraisers := testutil.NewFundraiserStore(domain.Fundraiser{ID: "fr-1", OrganizationID: "org-1", Name: "Campaign", Active: true})
	ledger := compliance.NewLedger(env.aggs, env.alerts, lock.NewLocalLocker(time.Second), compliance.DefaultConfig())
	engine := validation.NewEngine(validation.DefaultRules(validation.DefaultConfig(), fundraisers)...)

	env.orch = NewOrchestrator(env.donations, env.subs, fundraisers, engine, nil, ledger, env.gw, env.notifier, cfg)
	return env
}

func donationRequest(amount int64) *domain.DonationRequest {
	return &domain.DonationRequest{
		FundraiserID: "fr-1",
		Amount:       amount,
		Currency:     "USD",
		Donor: domain.DonorInfo{
			Email:     "Jane@Example.com",
			FirstName: "Jane",
			LastName:  "Doe",
		},
		PaymentMethod: domain.PaymentMethodInput{Token: "tok_visa", Type: "card"},
	}
}

func withAddress(req *domain.DonationRequest) *domain.DonationRequest {
	req.Donor.Address = &domain.PostalAddress{Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701", Country: "us"}
	req.Donor.Employer = "Acme"
	req.Donor.Occupation = "Engineer"
	return req
}

func donorKey() domain.DonorKey {
	return domain.DonorKey{DonorID: "jane@example.com", OrganizationID: "org-1", Cycle: domain.CycleFor(time.Now().UTC(), 2)}
}

// =============================================================================
// Основной поток
// =============================================================================

func TestCreateDonation_SmallDonationAccepted(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.orch.CreateDonation(context.Background(), donationRequest(5000))

	require.NoError(t, err)
	assert.Equal(t, domain.DonationSucceeded, res.Donation.Status)
	assert.Empty(t, res.ComplianceFlags)
	assert.Equal(t, "jane@example.com", res.Donation.Donor.Email)
	assert.NotEmpty(t, res.Donation.TransactionID)

	stored := env.donations.Get(res.Donation.ID)
	require.NotNil(t, stored)
	assert.Equal(t, domain.DonationSucceeded, stored.Status)
	assert.Equal(t, []string{"donation.processing", "donation.succeeded"}, env.donations.Events)

	assert.Equal(t, int64(5000), env.aggs.Total(donorKey()))
	assert.Equal(t, 1, env.notifier.ReceiptCount())
	assert.Equal(t, []string{res.Donation.ID}, env.gw.Keys("create_transaction"), "Idempotency-Key = ID пожертвования")
}

func TestCreateDonation_AddressRequiredNoGatewayCalls(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.orch.CreateDonation(context.Background(), donationRequest(25_000))

	assert.Nil(t, res)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.HasField("donor.address"))
	assert.Contains(t, err.Error(), "postal address")
	assert.Zero(t, env.gatewayCalls())
	assert.Empty(t, env.donations.All())
	assert.Zero(t, env.aggs.Total(donorKey()))
}

func TestCreateDonation_RecurringMinimum(t *testing.T) {
	env := newTestEnv(t)
	req := donationRequest(300)
	req.IsRecurring = true
	req.Interval = domain.IntervalMonthly

	_, err := env.orch.CreateDonation(context.Background(), req)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "$5.00")
	assert.Zero(t, env.gatewayCalls())
}

func TestCreateDonation_LimitExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.aggs.Set(donorKey(), 320_000)

	res, err := env.orch.CreateDonation(context.Background(), withAddress(donationRequest(20_000)))

	assert.Nil(t, res)
	var violation *domain.ComplianceViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, int64(320_000), violation.CurrentTotal)

	alerts := env.alerts.OfType(domain.AlertContributionLimit)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, violation.AlertID, alerts[0].ID)

	assert.Zero(t, env.gatewayCalls())
	assert.Empty(t, env.donations.All())
	assert.Equal(t, int64(320_000), env.aggs.Total(donorKey()))
}

// =============================================================================
// Проверка и флаги
// =============================================================================

func TestCreateDonation_NonPositiveAmountRejected(t *testing.T) {
	for _, amount := range []int64{0, -1, -10_000} {
		env := newTestEnv(t)

		_, err := env.orch.CreateDonation(context.Background(), donationRequest(amount))

		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr, "сумма %d", amount)
		assert.Zero(t, env.gatewayCalls())
	}
}

func TestCreateDonation_ItemizedFlags(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.orch.CreateDonation(context.Background(), withAddress(donationRequest(25_000)))

	require.NoError(t, err)
	assert.Contains(t, res.ComplianceFlags, domain.FlagItemized)
	assert.NotContains(t, res.ComplianceFlags, domain.FlagEmployerMissing)
	assert.Equal(t, "US", res.Donation.Donor.Address.Country)
}

func TestCreateDonation_Idempotency(t *testing.T) {
	env := newTestEnv(t)
	req := donationRequest(5000)
	req.IdempotencyKey = "client-key-1"

	first, err := env.orch.CreateDonation(context.Background(), req)
	require.NoError(t, err)

	second, err := env.orch.CreateDonation(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Donation.ID, second.Donation.ID)
	assert.Equal(t, 1, env.gw.Calls("create_transaction"))
	assert.Equal(t, int64(5000), env.aggs.Total(donorKey()))
}

type fixedFraud struct {
	assessment *validation.FraudAssessment
	err        error
}

func (f fixedFraud) Screen(context.Context, *domain.DonationRequest) (*validation.FraudAssessment, error) {
	return f.assessment, f.err
}

func TestCreateDonation_Fraud(t *testing.T) {
	t.Run("отказ", func(t *testing.T) {
		env := newTestEnv(t)
		env.orch.fraud = fixedFraud{
			assessment: &validation.FraudAssessment{Score: 95},
			err:        &domain.FraudRejection{Score: 95, Reasons: []string{"velocity"}},
		}

		_, err := env.orch.CreateDonation(context.Background(), donationRequest(5000))

		var rej *domain.FraudRejection
		require.ErrorAs(t, err, &rej)
		assert.Len(t, env.alerts.OfType(domain.AlertFraud), 1)
		assert.Zero(t, env.gatewayCalls())
		assert.Zero(t, env.aggs.Total(donorKey()))
	})

	t.Run("ручная проверка", func(t *testing.T) {
		env := newTestEnv(t)
		env.orch.fraud = fixedFraud{assessment: &validation.FraudAssessment{Score: 70, Review: true}}

		res, err := env.orch.CreateDonation(context.Background(), donationRequest(5000))

		require.NoError(t, err)
		assert.Contains(t, res.ComplianceFlags, domain.FlagFraudReview)
		assert.Equal(t, 70, res.FraudScore)
	})
}

// =============================================================================
// Ошибки шлюза
// =============================================================================

func TestCreateDonation_GatewayFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(gw *testutil.FakeGateway)
		step       string
		failNotice bool
	}{
		{
			name: "клиент не создан",
			setup: func(gw *testutil.FakeGateway) {
				gw.CreateCustomerFunc = func(gateway.CustomerParams) (*gateway.Customer, error) {
					return nil, &gateway.GatewayError{StatusCode: 400, Code: "invalid_email", Message: "bad email"}
				}
			},
			step: domain.StepCustomer,
		},
		{
			name: "способ оплаты не создан после клиента",
			setup: func(gw *testutil.FakeGateway) {
				gw.CreatePaymentMethodFunc = func(gateway.PaymentMethodParams) (*gateway.PaymentMethod, error) {
					return nil, &gateway.GatewayError{StatusCode: 400, Code: "invalid_token", Message: "bad token"}
				}
			},
			step: domain.StepPaymentMethod,
		},
		{
			name: "отказ банка",
			setup: func(gw *testutil.FakeGateway) {
				gw.CreateTransactionFunc = func(context.Context, gateway.TransactionParams) (*gateway.Transaction, error) {
					return nil, testutil.Declined()
				}
			},
			step:       domain.StepTransaction,
			failNotice: true,
		},
		{
			name: "транзакция со статусом failed",
			setup: func(gw *testutil.FakeGateway) {
				gw.CreateTransactionFunc = func(_ context.Context, p gateway.TransactionParams) (*gateway.Transaction, error) {
					return &gateway.Transaction{ID: "txn_f", Status: gateway.StatusFailed, FailureCode: "insufficient_funds", FailureMessage: "insufficient funds"}, nil
				}
			},
			step:       domain.StepTransaction,
			failNotice: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env.gw)

			res, err := env.orch.CreateDonation(context.Background(), donationRequest(5000))

			require.Error(t, err)
			var gerr *gateway.GatewayError
			assert.ErrorAs(t, err, &gerr)
			require.NotNil(t, res, "пожертвование не должно пропасть")

			stored := env.donations.Get(res.Donation.ID)
			require.NotNil(t, stored)
			assert.Equal(t, domain.DonationFailed, stored.Status)
			require.NotNil(t, stored.FailedStep)
			assert.Equal(t, tt.step, *stored.FailedStep)
			require.NotNil(t, stored.FailureReason)

			assert.Zero(t, env.aggs.Total(donorKey()), "резерв откатывается")
			assert.Zero(t, env.notifier.ReceiptCount())
			if tt.failNotice {
				assert.Len(t, env.notifier.Failures, 1)
			}
		})
	}
}

func TestCreateDonation_RetriesTransientErrors(t *testing.T) {
	env := newTestEnv(t)
	var attempts int32
	env.gw.CreateTransactionFunc = func(_ context.Context, p gateway.TransactionParams) (*gateway.Transaction, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, testutil.Unavailable()
		}
		return &gateway.Transaction{ID: "txn_ok", Status: gateway.StatusSucceeded, Amount: p.Amount}, nil
	}

	res, err := env.orch.CreateDonation(context.Background(), donationRequest(5000))

	require.NoError(t, err)
	assert.Equal(t, domain.DonationSucceeded, res.Donation.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))

	keys := env.gw.Keys("create_transaction")
	require.Len(t, keys, 3)
	assert.Equal(t, keys[0], keys[2], "повторы с тем же ключом идемпотентности")
}

func TestCreateDonation_RetriesAreBounded(t *testing.T) {
	env := newTestEnv(t)
	env.gw.CreateTransactionFunc = func(context.Context, gateway.TransactionParams) (*gateway.Transaction, error) {
		return nil, testutil.Unavailable()
	}

	res, err := env.orch.CreateDonation(context.Background(), donationRequest(5000))

	require.Error(t, err)
	assert.Equal(t, 3, env.gw.Calls("create_transaction"))
	assert.Equal(t, domain.DonationFailed, env.donations.Get(res.Donation.ID).Status)
}

func TestCreateDonation_PendingSettlement(t *testing.T) {
	env := newTestEnv(t)
	env.gw.CreateTransactionFunc = func(_ context.Context, p gateway.TransactionParams) (*gateway.Transaction, error) {
		return &gateway.Transaction{ID: "txn_async", Status: gateway.StatusProcessing, Amount: p.Amount}, nil
	}

	res, err := env.orch.CreateDonation(context.Background(), donationRequest(5000))

	require.NoError(t, err)
	stored := env.donations.Get(res.Donation.ID)
	assert.Equal(t, domain.DonationProcessing, stored.Status)
	assert.Equal(t, "txn_async", stored.TransactionID)
	assert.Zero(t, env.notifier.ReceiptCount())
	assert.Equal(t, int64(5000), env.aggs.Total(donorKey()), "резерв держится до webhook")
}

func TestCreateDonation_CanceledByCaller(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.gw.CreateCustomerFunc = func(gateway.CustomerParams) (*gateway.Customer, error) {
		cancel()
		return nil, context.Canceled
	}

	res, err := env.orch.CreateDonation(ctx, donationRequest(5000))

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	stored := env.donations.Get(res.Donation.ID)
	assert.Equal(t, domain.DonationFailed, stored.Status, "отмена не оставляет pending")
	assert.Equal(t, ReasonCanceledByCaller, *stored.FailureReason)
	assert.Zero(t, env.aggs.Total(donorKey()))
	assert.Empty(t, env.notifier.Failures)
}

func TestCreateDonation_ProcessingWriteFails(t *testing.T) {
	t.Run("отмена на записи processing не оставляет pending", func(t *testing.T) {
		env := newTestEnv(t)
		ctx, cancel := context.WithCancel(context.Background())
		env.donations.UpdateHook = func(d *domain.Donation, from domain.DonationStatus) error {
			if from == domain.DonationPending && d.Status == domain.DonationProcessing {
				cancel()
				return context.Canceled
			}
			return nil
		}

		res, err := env.orch.CreateDonation(ctx, donationRequest(5000))

		assert.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, res)
		stored := env.donations.Get(res.Donation.ID)
		assert.Equal(t, domain.DonationFailed, stored.Status)
		assert.Equal(t, ReasonCanceledByCaller, *stored.FailureReason)
		assert.Equal(t, domain.DonationFailed, res.Donation.Status)
		assert.Zero(t, env.aggs.Total(donorKey()))
		assert.Zero(t, env.gw.Calls("create_transaction"))
	})

	t.Run("запись прошла, но вернула ошибку", func(t *testing.T) {
		env := newTestEnv(t)
		env.orch.donations = &lostAckStore{DonationStore: env.donations, status: domain.DonationProcessing}
		env.gw.CreateTransactionFunc = func(context.Context, gateway.TransactionParams) (*gateway.Transaction, error) {
			t.Fatal("списание после ошибки записи")
			return nil, nil
		}

		res, err := env.orch.CreateDonation(context.Background(), donationRequest(5000))

		require.Error(t, err)
		stored := env.donations.Get(res.Donation.ID)
		assert.Equal(t, domain.DonationFailed, stored.Status, "failed записан от фактического статуса строки")
		assert.Zero(t, env.aggs.Total(donorKey()))
	})
}

// lostAckStore сохраняет переход в status, но возвращает ошибку, как при обрыве
// соединения после коммита.
type lostAckStore struct {
	*testutil.DonationStore
	status domain.DonationStatus
}

func (s *lostAckStore) Update(ctx context.Context, d *domain.Donation, from domain.DonationStatus) error {
	if err := s.DonationStore.Update(ctx, d, from); err != nil {
		return err
	}
	if d.Status == s.status {
		return errors.New("connection reset after commit")
	}
	return nil
}

func TestChargeSubscription_ProcessingWriteFails(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.LocalRecurring = true })
	sub := &domain.Subscription{
		ID:              "sub-1",
		FundraiserID:    "fr-1",
		OrganizationID:  "org-1",
		Donor:           domain.DonorInfo{Email: "jane@example.com", FirstName: "Jane", LastName: "Doe"},
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_1",
		Amount:          2500,
		Currency:        "USD",
		Interval:        domain.IntervalMonthly,
		IntervalCount:   1,
		Status:          domain.SubscriptionActive,
	}
	env.donations.UpdateHook = func(d *domain.Donation, from domain.DonationStatus) error {
		if from == domain.DonationPending && d.Status == domain.DonationProcessing {
			return errors.New("connection reset")
		}
		return nil
	}

	d, err := env.orch.ChargeSubscription(context.Background(), sub)

	require.Error(t, err)
	require.NotNil(t, d)
	assert.Equal(t, domain.DonationFailed, env.donations.Get(d.ID).Status)
	assert.Zero(t, env.aggs.Total(donorKey()))
	assert.Zero(t, env.gw.Calls("create_transaction"))
}

// =============================================================================
// Регулярные пожертвования
// =============================================================================

func recurringRequest() *domain.DonationRequest {
	req := donationRequest(2500)
	req.IsRecurring = true
	req.Interval = domain.IntervalMonthly
	return req
}

func TestCreateDonation_GatewayRecurring(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.orch.CreateDonation(context.Background(), recurringRequest())

	require.NoError(t, err)
	require.NotNil(t, res.Subscription)
	assert.Equal(t, domain.DonationProcessing, res.Donation.Status, "ждёт recurring_payment.succeeded")
	assert.NotEmpty(t, res.Subscription.ExternalID)
	assert.Equal(t, res.Subscription.ExternalID, res.Donation.ExternalSubscriptionID)
	assert.Zero(t, env.gw.Calls("create_transaction"))
	assert.Equal(t, 1, env.gw.Calls("create_recurring_payment"))

	sub := env.subs.Get(res.Subscription.ID)
	require.NotNil(t, sub)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, res.Donation.ID, sub.InitialDonationID)
}

func TestCreateDonation_LocalRecurring(t *testing.T) {
	t.Run("первое списание и подписка", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.LocalRecurring = true })

		res, err := env.orch.CreateDonation(context.Background(), recurringRequest())

		require.NoError(t, err)
		assert.Equal(t, domain.DonationSucceeded, res.Donation.Status)
		sub := env.subs.Get(res.Subscription.ID)
		require.NotNil(t, sub)
		assert.Empty(t, sub.ExternalID)
		assert.True(t, sub.NextRunAt.After(time.Now()))
		assert.Zero(t, env.gw.Calls("create_recurring_payment"))
	})

	t.Run("отказ первого списания отменяет подписку", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.LocalRecurring = true })
		env.gw.CreateTransactionFunc = func(context.Context, gateway.TransactionParams) (*gateway.Transaction, error) {
			return nil, testutil.Declined()
		}

		res, err := env.orch.CreateDonation(context.Background(), recurringRequest())

		require.Error(t, err)
		assert.Equal(t, domain.SubscriptionCanceled, env.subs.Get(res.Subscription.ID).Status)
	})
}

func TestChargeSubscription(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.LocalRecurring = true })
	sub := &domain.Subscription{
		ID:              "sub-1",
		FundraiserID:    "fr-1",
		OrganizationID:  "org-1",
		Donor:           domain.DonorInfo{Email: "jane@example.com", FirstName: "Jane", LastName: "Doe"},
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_1",
		Amount:          1000,
		Currency:        "USD",
		Interval:        domain.IntervalMonthly,
		IntervalCount:   1,
		Status:          domain.SubscriptionActive,
	}

	t.Run("успешное списание", func(t *testing.T) {
		d, err := env.orch.ChargeSubscription(context.Background(), sub)

		require.NoError(t, err)
		assert.Equal(t, domain.DonationSucceeded, d.Status)
		assert.Equal(t, "sub-1", d.SubscriptionID)
		assert.Equal(t, "installment", d.Kind())
		assert.Equal(t, int64(1000), env.aggs.Total(donorKey()))
	})

	t.Run("превышение лимита", func(t *testing.T) {
		env.aggs.Set(donorKey(), 329_500)
		calls := env.gw.Calls("create_transaction")

		_, err := env.orch.ChargeSubscription(context.Background(), sub)

		var violation *domain.ComplianceViolation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, calls, env.gw.Calls("create_transaction"))
	})
}

func TestCreateDonation_ReceiptFailureDoesNotFailDonation(t *testing.T) {
	env := newTestEnv(t)
	strict := testutil.NewStrictNotifier()
	strict.On("SendReceipt", mock.Anything, mock.Anything).Return(errors.New("outbox down"))
	env.orch.notifier = strict

	res, err := env.orch.CreateDonation(context.Background(), donationRequest(5000))

	require.NoError(t, err)
	assert.Equal(t, domain.DonationSucceeded, res.Donation.Status)
	strict.AssertExpectations(t)
}
