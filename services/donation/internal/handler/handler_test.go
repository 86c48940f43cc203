package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/campaign-payments/pkg/jwt"
	"example.com/campaign-payments/services/donation/internal/compliance"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/donation"
	"example.com/campaign-payments/services/donation/internal/gateway"
	"example.com/campaign-payments/services/donation/internal/middleware"
	"example.com/campaign-payments/services/donation/internal/refund"
	"example.com/campaign-payments/services/donation/internal/webhook"
)

// =============================================================================
// Моки
// =============================================================================

type MockDonationService struct {
	CreateDonationFunc func(ctx context.Context, req *domain.DonationRequest) (*donation.Result, error)
	GetDonationFunc    func(ctx context.Context, id string) (*domain.Donation, error)
}

func (m *MockDonationService) CreateDonation(ctx context.Context, req *domain.DonationRequest) (*donation.Result, error) {
	if m.CreateDonationFunc != nil {
		return m.CreateDonationFunc(ctx, req)
	}
	return nil, nil
}

func (m *MockDonationService) GetDonation(ctx context.Context, id string) (*domain.Donation, error) {
	if m.GetDonationFunc != nil {
		return m.GetDonationFunc(ctx, id)
	}
	return nil, domain.ErrDonationNotFound
}

type MockRefundService struct {
	RefundFunc     func(ctx context.Context, req refund.Request) (*domain.Refund, error)
	BulkRefundFunc func(ctx context.Context, reqs []refund.Request) *refund.BulkResult
}

func (m *MockRefundService) Refund(ctx context.Context, req refund.Request) (*domain.Refund, error) {
	if m.RefundFunc != nil {
		return m.RefundFunc(ctx, req)
	}
	return nil, nil
}

func (m *MockRefundService) BulkRefund(ctx context.Context, reqs []refund.Request) *refund.BulkResult {
	if m.BulkRefundFunc != nil {
		return m.BulkRefundFunc(ctx, reqs)
	}
	return &refund.BulkResult{}
}

type MockSubscriptionService struct {
	Sub         *domain.Subscription
	Err         error
	CancelWith  string
	AmountWith  int64
	LastCommand string
}

func (m *MockSubscriptionService) result(cmd string) (*domain.Subscription, error) {
	m.LastCommand = cmd
	return m.Sub, m.Err
}

func (m *MockSubscriptionService) Get(context.Context, string) (*domain.Subscription, error) {
	return m.result("get")
}

func (m *MockSubscriptionService) Pause(context.Context, string) (*domain.Subscription, error) {
	return m.result("pause")
}

func (m *MockSubscriptionService) Resume(context.Context, string) (*domain.Subscription, error) {
	return m.result("resume")
}

func (m *MockSubscriptionService) Cancel(_ context.Context, _ string, reason string) (*domain.Subscription, error) {
	m.CancelWith = reason
	return m.result("cancel")
}

func (m *MockSubscriptionService) UpdateAmount(_ context.Context, _ string, amount int64) (*domain.Subscription, error) {
	m.AmountWith = amount
	return m.result("update_amount")
}

type MockReportGenerator struct {
	Report *compliance.Report
	Err    error
	Period domain.Period
	OrgID  string
}

func (m *MockReportGenerator) GenerateReport(_ context.Context, _ compliance.DonationLister, orgID string, period domain.Period) (*compliance.Report, error) {
	m.OrgID = orgID
	m.Period = period
	return m.Report, m.Err
}

type MockArchiver struct {
	Key   string
	Calls int
}

func (m *MockArchiver) Archive(context.Context, *compliance.Report) (string, error) {
	m.Calls++
	return m.Key, nil
}

type MockWebhookIngestor struct {
	Result *webhook.Result
	Err    error
	Raw    []byte
	Sig    string
}

func (m *MockWebhookIngestor) Ingest(_ context.Context, raw []byte, sig string) (*webhook.Result, error) {
	m.Raw, m.Sig = raw, sig
	return m.Result, m.Err
}

type MockRelay struct {
	EventID string
	Err     error
}

func (m *MockRelay) Forward(context.Context, []byte, string) (string, error) {
	return m.EventID, m.Err
}

type stubValidator struct{}

// ValidateToken: токен "op" — оператор, "cmp:<org>" — комплаенс с доступом к org.
func (stubValidator) ValidateToken(token string) (*jwt.Claims, error) {
	switch {
	case token == "op":
		return &jwt.Claims{OperatorID: "op-1", Role: jwt.RoleOperator}, nil
	case strings.HasPrefix(token, "cmp:"):
		return &jwt.Claims{OperatorID: "cmp-1", Role: jwt.RoleCompliance, Organizations: []string{strings.TrimPrefix(token, "cmp:")}}, nil
	}
	return nil, errors.New("invalid token")
}

// =============================================================================
// Helpers
// =============================================================================

type testDeps struct {
	donations *MockDonationService
	refunds   *MockRefundService
	subs      *MockSubscriptionService
	reports   *MockReportGenerator
	archiver  *MockArchiver
	webhooks  *MockWebhookIngestor
	relay     WebhookRelay
	ready     ReadinessChecker
}

func newDeps() *testDeps {
	return &testDeps{
		donations: &MockDonationService{},
		refunds:   &MockRefundService{},
		subs:      &MockSubscriptionService{},
		reports:   &MockReportGenerator{},
		archiver:  &MockArchiver{Key: "reports/org-1/20260101_20260201.csv"},
		webhooks:  &MockWebhookIngestor{},
	}
}

func (d *testDeps) router() *gin.Engine {
	r := NewRouter(RouterConfig{
		Donations:      d.donations,
		Refunds:        d.refunds,
		Subscriptions:  d.subs,
		Reports:        d.reports,
		Archiver:       d.archiver,
		Webhooks:       d.webhooks,
		Relay:          d.relay,
		Auth:           middleware.NewOperatorAuth(stubValidator{}),
		CORS:           middleware.DefaultCORSConfig(),
		ReadinessCheck: d.ready,
	})
	gin.SetMode(gin.TestMode)
	return r.Engine()
}

func doRequest(t *testing.T, r http.Handler, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func testDonation(status domain.DonationStatus) *domain.Donation {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Donation{
		ID:           "don-1",
		FundraiserID: "fr-1",
		Amount:       5000,
		Currency:     "USD",
		Status:       status,
		Donor:        domain.DonorInfo{Email: "jane@example.org"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func validDonationBody() map[string]any {
	return map[string]any{
		"fundraiser_id":  "fr-1",
		"amount":         5000,
		"currency":       "usd",
		"payment_method": map[string]any{"token": "tok_visa", "type": "card"},
		"donor":          map[string]any{"email": "jane@example.org"},
	}
}

// =============================================================================
// Donations
// =============================================================================

func TestCreateDonation(t *testing.T) {
	tests := []struct {
		name       string
		result     *donation.Result
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "успешное пожертвование",
			result:     &donation.Result{Donation: testDonation(domain.DonationSucceeded)},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "ожидает подтверждения шлюза",
			result:     &donation.Result{Donation: testDonation(domain.DonationProcessing)},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "повтор по ключу идемпотентности",
			result:     &donation.Result{Donation: testDonation(domain.DonationSucceeded), Duplicate: true},
			wantStatus: http.StatusOK,
		},
		{
			name:       "ошибка валидации",
			err:        domain.NewValidationError(domain.FieldError{Field: "amount", Code: "min", Message: "слишком мало"}),
			wantStatus: http.StatusBadRequest,
			wantCode:   domain.CodeValidation,
		},
		{
			name:       "превышен лимит",
			err:        &domain.ComplianceViolation{CurrentTotal: 329000, Attempted: 2500, Limit: 330000, AlertID: "al-1", RemainingLimit: 1000},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   domain.CodeComplianceViolation,
		},
		{
			name:       "карта отклонена",
			result:     &donation.Result{Donation: testDonation(domain.DonationFailed)},
			err:        &gateway.GatewayError{StatusCode: 402, Code: "card_declined", Message: "карта отклонена"},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   domain.CodeGateway,
		},
		{
			name:       "шлюз недоступен",
			err:        &gateway.GatewayError{Code: "timeout", Message: "таймаут", Retryable: true},
			wantStatus: http.StatusBadGateway,
			wantCode:   domain.CodeGateway,
		},
		{
			name:       "внутренняя ошибка скрыта",
			err:        errors.New("mysql: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   domain.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newDeps()
			deps.donations.CreateDonationFunc = func(_ context.Context, req *domain.DonationRequest) (*donation.Result, error) {
				return tt.result, tt.err
			}

			w := doRequest(t, deps.router(), http.MethodPost, "/api/v1/donations", "", validDonationBody())

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			body := decode(t, w)
			if tt.wantCode == "" {
				assert.Equal(t, true, body["success"])
				d := body["donation"].(map[string]any)
				assert.Equal(t, "don-1", d["id"])
				assert.NotContains(t, d, "donor", "данные донора не возвращаются")
				return
			}
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.wantCode, body["code"])
			if tt.wantCode == domain.CodeInternal {
				assert.NotContains(t, body["error"], "mysql")
			}
		})
	}
}

func TestCreateDonation_Details(t *testing.T) {
	t.Run("нарушение лимита содержит остаток", func(t *testing.T) {
		deps := newDeps()
		deps.donations.CreateDonationFunc = func(context.Context, *domain.DonationRequest) (*donation.Result, error) {
			return nil, &domain.ComplianceViolation{CurrentTotal: 329000, Attempted: 2500, Limit: 330000, AlertID: "al-1", RemainingLimit: 1000}
		}

		body := decode(t, doRequest(t, deps.router(), http.MethodPost, "/api/v1/donations", "", validDonationBody()))
		details := body["details"].(map[string]any)
		assert.Equal(t, "al-1", details["alert_id"])
		assert.EqualValues(t, 1000, details["remaining_limit"])
		assert.EqualValues(t, 330000, details["limit"])
	})

	t.Run("неудачное пожертвование возвращает id", func(t *testing.T) {
		deps := newDeps()
		failed := testDonation(domain.DonationFailed)
		step := domain.StepTransaction
		failed.FailedStep = &step
		deps.donations.CreateDonationFunc = func(context.Context, *domain.DonationRequest) (*donation.Result, error) {
			return &donation.Result{Donation: failed}, &gateway.GatewayError{StatusCode: 402, Code: "card_declined"}
		}

		body := decode(t, doRequest(t, deps.router(), http.MethodPost, "/api/v1/donations", "", validDonationBody()))
		details := body["details"].(map[string]any)
		assert.Equal(t, "don-1", details["donation_id"])
		assert.Equal(t, string(domain.DonationFailed), details["status"])
		assert.Equal(t, step, details["failed_step"])
	})
}

func TestCreateDonation_Request(t *testing.T) {
	deps := newDeps()
	var got *domain.DonationRequest
	deps.donations.CreateDonationFunc = func(_ context.Context, req *domain.DonationRequest) (*donation.Result, error) {
		got = req
		return &donation.Result{Donation: testDonation(domain.DonationSucceeded)}, nil
	}

	w := doRequest(t, deps.router(), http.MethodPost, "/api/v1/donations", "", validDonationBody(),
		HeaderIdempotencyKey, "idem-1", "User-Agent", "donate-widget/2")

	require.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, "idem-1", got.IdempotencyKey, "ключ из заголовка")
	assert.Equal(t, "donate-widget/2", got.UserAgent)
	assert.NotEmpty(t, got.ClientIP)
}

func TestCreateDonation_BadBody(t *testing.T) {
	deps := newDeps()
	called := false
	deps.donations.CreateDonationFunc = func(context.Context, *domain.DonationRequest) (*donation.Result, error) {
		called = true
		return nil, nil
	}

	w := doRequest(t, deps.router(), http.MethodPost, "/api/v1/donations", "", "{not json")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.CodeValidation, decode(t, w)["code"])
	assert.False(t, called)
}

func TestGetDonation(t *testing.T) {
	deps := newDeps()
	deps.donations.GetDonationFunc = func(_ context.Context, id string) (*domain.Donation, error) {
		if id == "don-1" {
			return testDonation(domain.DonationSucceeded), nil
		}
		return nil, domain.ErrDonationNotFound
	}
	r := deps.router()

	w := doRequest(t, r, http.MethodGet, "/api/v1/donations/don-1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, r, http.MethodGet, "/api/v1/donations/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, domain.CodeNotFound, decode(t, w)["code"])
}

// =============================================================================
// Refunds
// =============================================================================

func TestCreateRefund(t *testing.T) {
	t.Run("без токена 401", func(t *testing.T) {
		w := doRequest(t, newDeps().router(), http.MethodPost, "/api/v1/refunds", "", map[string]any{"transaction_id": "txn_1"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("комплаенс не может делать возвраты", func(t *testing.T) {
		w := doRequest(t, newDeps().router(), http.MethodPost, "/api/v1/refunds", "cmp:org-1", map[string]any{"transaction_id": "txn_1"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("оператор создаёт возврат", func(t *testing.T) {
		deps := newDeps()
		var got refund.Request
		deps.refunds.RefundFunc = func(_ context.Context, req refund.Request) (*domain.Refund, error) {
			got = req
			return &domain.Refund{ID: "rf-1", DonationID: "don-1", TransactionID: req.TransactionID, Amount: req.Amount, Reason: req.Reason, Status: domain.RefundPending}, nil
		}

		w := doRequest(t, deps.router(), http.MethodPost, "/api/v1/refunds", "op",
			map[string]any{"transaction_id": "txn_1", "amount": 2000, "reason": "duplicate"})

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, "txn_1", got.TransactionID)
		assert.EqualValues(t, 2000, got.Amount)
		r := decode(t, w)["refund"].(map[string]any)
		assert.Equal(t, "rf-1", r["id"])
		assert.Equal(t, "duplicate", r["reason"])
	})

	t.Run("возврат невозможен", func(t *testing.T) {
		deps := newDeps()
		deps.refunds.RefundFunc = func(context.Context, refund.Request) (*domain.Refund, error) {
			return nil, &domain.RefundIneligible{Reason: "окно возврата истекло"}
		}

		w := doRequest(t, deps.router(), http.MethodPost, "/api/v1/refunds", "op", map[string]any{"transaction_id": "txn_1"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, domain.CodeRefundIneligible, decode(t, w)["code"])
	})
}

func TestBulkRefund(t *testing.T) {
	deps := newDeps()
	deps.refunds.BulkRefundFunc = func(_ context.Context, reqs []refund.Request) *refund.BulkResult {
		return &refund.BulkResult{
			Items: []refund.BulkItem{
				{Request: reqs[0], Refund: &domain.Refund{ID: "rf-1", TransactionID: reqs[0].TransactionID, Status: domain.RefundSucceeded}},
				{Request: reqs[1], Err: domain.ErrDonationNotFound, Error: domain.ErrDonationNotFound.Error(), Code: domain.CodeNotFound},
			},
			Succeeded: 1,
			Failed:    1,
		}
	}
	r := deps.router()

	w := doRequest(t, r, http.MethodPost, "/api/v1/refunds/bulk", "op", map[string]any{
		"requests": []map[string]any{{"transaction_id": "txn_1"}, {"transaction_id": "txn_missing"}},
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp BulkRefundResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, 1, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Items, 2)
	assert.True(t, resp.Items[0].Success)
	assert.Equal(t, domain.CodeNotFound, resp.Items[1].Code)

	t.Run("пустой пакет", func(t *testing.T) {
		w := doRequest(t, r, http.MethodPost, "/api/v1/refunds/bulk", "op", map[string]any{"requests": []any{}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

// =============================================================================
// Subscriptions
// =============================================================================

func TestSubscriptionRoutes(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := &domain.Subscription{
		ID: "sub-1", Amount: 2500, Currency: "USD", Interval: domain.IntervalMonthly, IntervalCount: 1,
		Status: domain.SubscriptionPaused, NextRunAt: now, PausedAt: &now,
	}

	t.Run("пауза", func(t *testing.T) {
		deps := newDeps()
		deps.subs.Sub = sub
		w := doRequest(t, deps.router(), http.MethodPost, "/api/v1/subscriptions/sub-1/pause", "op", nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "pause", deps.subs.LastCommand)
		s := decode(t, w)["subscription"].(map[string]any)
		assert.Equal(t, "paused", s["status"])
		assert.EqualValues(t, now.Unix(), s["paused_at"])
	})

	t.Run("отмена с причиной по умолчанию", func(t *testing.T) {
		deps := newDeps()
		deps.subs.Sub = sub
		w := doRequest(t, deps.router(), http.MethodPost, "/api/v1/subscriptions/sub-1/cancel", "op", nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "canceled by operator", deps.subs.CancelWith)
	})

	t.Run("отмена с причиной", func(t *testing.T) {
		deps := newDeps()
		deps.subs.Sub = sub
		doRequest(t, deps.router(), http.MethodPost, "/api/v1/subscriptions/sub-1/cancel", "op", map[string]any{"reason": "donor request"})
		assert.Equal(t, "donor request", deps.subs.CancelWith)
	})

	t.Run("изменение суммы", func(t *testing.T) {
		deps := newDeps()
		deps.subs.Sub = sub
		w := doRequest(t, deps.router(), http.MethodPatch, "/api/v1/subscriptions/sub-1", "op", map[string]any{"amount": 4000})

		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 4000, deps.subs.AmountWith)
	})

	t.Run("недопустимый переход 409", func(t *testing.T) {
		deps := newDeps()
		deps.subs.Err = domain.ErrInvalidTransition
		w := doRequest(t, deps.router(), http.MethodPost, "/api/v1/subscriptions/sub-1/resume", "op", nil)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, domain.CodeInvalidTransition, decode(t, w)["code"])
	})

	t.Run("не найдена", func(t *testing.T) {
		deps := newDeps()
		deps.subs.Err = domain.ErrSubscriptionNotFound
		w := doRequest(t, deps.router(), http.MethodGet, "/api/v1/subscriptions/sub-x", "op", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// =============================================================================
// Reports
// =============================================================================

func testReport() *compliance.Report {
	return &compliance.Report{
		OrganizationID:  "org-1",
		From:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		To:              time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		UnitemizedTotal: 12000,
		UnitemizedCount: 3,
		TotalReceived:   12000,
	}
}

func TestGenerateReport(t *testing.T) {
	t.Run("json, to включительно", func(t *testing.T) {
		deps := newDeps()
		deps.reports.Report = testReport()

		w := doRequest(t, deps.router(), http.MethodGet, "/api/v1/reports/org-1?from=2026-01-01&to=2026-01-31", "op", nil)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "org-1", deps.reports.OrgID)
		assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), deps.reports.Period.To)
		report := decode(t, w)["report"].(map[string]any)
		assert.EqualValues(t, 12000, report["total_received"])
		assert.Zero(t, deps.archiver.Calls)
	})

	t.Run("csv с архивом", func(t *testing.T) {
		deps := newDeps()
		deps.reports.Report = testReport()

		w := doRequest(t, deps.router(), http.MethodGet, "/api/v1/reports/org-1?from=2026-01-01&to=2026-01-31&format=csv&archive=true", "op", nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
		assert.Contains(t, w.Header().Get("Content-Disposition"), "org-1_20260101_20260201.csv")
		assert.Equal(t, deps.archiver.Key, w.Header().Get("X-Report-Archive-Key"))
		assert.Equal(t, 1, deps.archiver.Calls)
	})

	t.Run("невалидные даты", func(t *testing.T) {
		deps := newDeps()
		w := doRequest(t, deps.router(), http.MethodGet, "/api/v1/reports/org-1?from=01/01/2026", "op", nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decode(t, w)
		assert.Equal(t, domain.CodeValidation, body["code"])
		assert.Len(t, body["details"], 2)
	})

	t.Run("комплаенс своей организации", func(t *testing.T) {
		deps := newDeps()
		deps.reports.Report = testReport()
		w := doRequest(t, deps.router(), http.MethodGet, "/api/v1/reports/org-1?from=2026-01-01&to=2026-01-31", "cmp:org-1", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("комплаенс чужой организации", func(t *testing.T) {
		deps := newDeps()
		w := doRequest(t, deps.router(), http.MethodGet, "/api/v1/reports/org-2?from=2026-01-01&to=2026-01-31", "cmp:org-1", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, domain.CodeForbidden, decode(t, w)["code"])
	})
}

// =============================================================================
// Webhooks
// =============================================================================

func TestHandleGateway(t *testing.T) {
	payload := `{"id":"evt_123","type":"transaction.succeeded","data":{"object":{"id":"txn_1"}}}`

	t.Run("синхронная обработка", func(t *testing.T) {
		deps := newDeps()
		deps.webhooks.Result = &webhook.Result{Accepted: true, EventID: "evt_123", Outcome: domain.OutcomeApplied, Actions: []string{"donation_succeeded"}}

		w := doRequest(t, deps.router(), http.MethodPost, "/webhooks/gateway", "", payload, HeaderGatewaySignature, "sha256=abc")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, payload, string(deps.webhooks.Raw), "подпись проверяется по сырому телу")
		assert.Equal(t, "sha256=abc", deps.webhooks.Sig)
		body := decode(t, w)
		assert.Equal(t, true, body["accepted"])
		assert.Equal(t, "evt_123", body["event_id"])
	})

	t.Run("неверная подпись 400", func(t *testing.T) {
		deps := newDeps()
		deps.webhooks.Err = webhook.ErrInvalidSignature
		w := doRequest(t, deps.router(), http.MethodPost, "/webhooks/gateway", "", payload)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, false, decode(t, w)["accepted"])
	})

	t.Run("некорректное тело 400", func(t *testing.T) {
		deps := newDeps()
		deps.webhooks.Err = errors.Join(webhook.ErrMalformedPayload, errors.New("unexpected EOF"))
		w := doRequest(t, deps.router(), http.MethodPost, "/webhooks/gateway", "", "{")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("ошибка хранилища 500", func(t *testing.T) {
		deps := newDeps()
		deps.webhooks.Err = errors.New("db down")
		w := doRequest(t, deps.router(), http.MethodPost, "/webhooks/gateway", "", payload)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("через очередь 202", func(t *testing.T) {
		deps := newDeps()
		deps.relay = &MockRelay{EventID: "evt_123"}
		w := doRequest(t, deps.router(), http.MethodPost, "/webhooks/gateway", "", payload)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Nil(t, deps.webhooks.Raw, "синхронный обработчик не вызывается")
	})
}

// =============================================================================
// Health
// =============================================================================

func TestHealthEndpoints(t *testing.T) {
	deps := newDeps()
	deps.ready = func(context.Context) error { return errors.New("redis down") }
	r := deps.router()

	assert.Equal(t, http.StatusOK, doRequest(t, r, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(t, r, http.MethodGet, "/readyz", "", nil).Code)
}
