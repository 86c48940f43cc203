package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/campaign-payments/pkg/circuitbreaker"
	"example.com/campaign-payments/services/donation/internal/domain"
)

const (
	testKey    = "key_test"
	testSecret = "secret_test"
	testHook   = "whsec_test"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]Option{WithHTTPClient(srv.Client())}, opts...)
	c, err := NewClient(Config{
		BaseURL:       srv.URL,
		APIKey:        testKey,
		APISecret:     testSecret,
		WebhookSecret: testHook,
		Timeout:       time.Second,
	}, opts...)
	require.NoError(t, err)
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_RequiresHTTPS(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://api.gateway.example", APIKey: "k", APISecret: "s"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewClient(Config{BaseURL: "https://api.gateway.example"})
	assert.ErrorIs(t, err, ErrInvalidConfig, "без ключей клиент не создаётся")

	_, err = NewClient(Config{BaseURL: "https://api.gateway.example", APIKey: "k", APISecret: "s"})
	assert.NoError(t, err)
}

func TestClient_CreateTransaction(t *testing.T) {
	var seen *http.Request
	var body TransactionParams

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeJSON(w, http.StatusOK, Transaction{ID: "tx_1", Status: StatusSucceeded, Amount: 5000, Currency: "USD"})
	}, WithClock(func() time.Time { return time.Unix(1700000000, 0) }))

	tx, err := c.CreateTransaction(context.Background(), TransactionParams{
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_1",
		Amount:          5000,
		Currency:        "USD",
		Capture:         true,
	}, "don-1")

	require.NoError(t, err)
	assert.Equal(t, "tx_1", tx.ID)
	assert.Equal(t, StatusSucceeded, tx.Status)

	require.NotNil(t, seen)
	assert.Equal(t, http.MethodPost, seen.Method)
	assert.Equal(t, "/v1/transactions", seen.URL.Path)
	assert.Equal(t, testKey, seen.Header.Get(HeaderAPIKey))
	assert.Equal(t, "1700000000", seen.Header.Get(HeaderTimestamp))
	assert.Equal(t, "don-1", seen.Header.Get(HeaderIdempotencyKey))

	nonce := seen.Header.Get(HeaderNonce)
	require.NotEmpty(t, nonce)
	want := Sign(testSecret, http.MethodPost, "/v1/transactions", "1700000000", nonce)
	assert.Equal(t, want, seen.Header.Get(HeaderSignature))

	assert.Equal(t, int64(5000), body.Amount)
	assert.Equal(t, "pm_1", body.PaymentMethodID)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      any
		code      string
		retryable bool
	}{
		{"отказ карты", http.StatusPaymentRequired, map[string]any{"error": map[string]string{"code": "card_declined", "message": "Your card was declined"}}, "card_declined", false},
		{"ошибка запроса", http.StatusBadRequest, nil, "http_400", false},
		{"rate limit", http.StatusTooManyRequests, nil, "http_429", true},
		{"сбой шлюза", http.StatusServiceUnavailable, nil, "http_503", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := c.CreateCustomer(context.Background(), CustomerParams{Email: "a@example.com"})

			var gerr *GatewayError
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, tt.status, gerr.StatusCode)
			assert.Equal(t, tt.code, gerr.Code)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, !tt.retryable, IsTerminal(err), "окончателен только ответ 4xx")
			assert.Equal(t, domain.CodeGateway, domain.ErrorCode(err))
		})
	}
}

func TestClient_NetworkErrorIsRetryable(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := c.CreatePaymentMethod(context.Background(), PaymentMethodParams{CustomerID: "cus_1", Token: "tok"})

	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Zero(t, gerr.StatusCode)
	assert.True(t, gerr.Retryable)
	assert.False(t, IsTerminal(err), "исход сетевой ошибки неизвестен")
}

func TestClient_CanceledContextNotRetryable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CreateCustomer(ctx, CustomerParams{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))
	assert.False(t, IsTerminal(err))
}

func TestClient_BreakerOpensOnRetryableFailures(t *testing.T) {
	var hits int32
	breaker := circuitbreaker.New("test-gateway", circuitbreaker.Settings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	}, IsRetryable)

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}, WithBreaker(breaker))

	for i := 0; i < 2; i++ {
		_, err := c.GetRefund(context.Background(), "re_1")
		require.Error(t, err)
	}

	_, err := c.GetRefund(context.Background(), "re_1")

	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "при открытом breaker шлюз не вызывается")
}

func TestClient_DeclinesDoNotOpenBreaker(t *testing.T) {
	breaker := circuitbreaker.New("test-gateway-4xx", circuitbreaker.Settings{
		MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureRatio: 0.5, MinRequests: 2,
	}, IsRetryable)

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{"error": map[string]string{"code": "card_declined"}})
	}, WithBreaker(breaker))

	for i := 0; i < 5; i++ {
		_, err := c.CreateTransaction(context.Background(), TransactionParams{}, "")
		assert.False(t, errors.Is(err, circuitbreaker.ErrOpen))
	}
}

func TestClient_ListRefunds(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tx_1", r.URL.Query().Get("transaction_id"))
		writeJSON(w, http.StatusOK, map[string]any{"data": []RefundObject{
			{ID: "re_1", TransactionID: "tx_1", Amount: 100, Status: StatusSucceeded},
		}})
	})

	refunds, err := c.ListRefunds(context.Background(), "tx_1")

	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, "re_1", refunds[0].ID)
}

func TestClient_VerifyWebhookSignature(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	raw := []byte(`{"id":"evt_1","type":"transaction.succeeded"}`)
	sig := SignPayload(testHook, raw)

	assert.True(t, c.VerifyWebhookSignature(raw, sig))
	assert.True(t, c.VerifyWebhookSignature(raw, "sha256="+sig), "префикс sha256= допускается")
	assert.False(t, c.VerifyWebhookSignature([]byte(`{"id":"evt_2"}`), sig), "изменённое тело")
	assert.False(t, c.VerifyWebhookSignature(raw, SignPayload(testSecret, raw)), "API секрет не подходит для webhook")
	assert.False(t, c.VerifyWebhookSignature(raw, ""))
	assert.False(t, c.VerifyWebhookSignature(raw, "not-hex"))
}
