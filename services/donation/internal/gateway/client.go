// Package gateway — HTTP клиент платёжного шлюза.
//
// Каждый запрос подписывается HMAC-SHA256 от METHOD+PATH+Timestamp+Nonce.
// Вызовы идут через circuit breaker; breaker открывают только повторяемые сбои.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"example.com/campaign-payments/pkg/circuitbreaker"
	"example.com/campaign-payments/pkg/config"
	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/pkg/metrics"
	"example.com/campaign-payments/pkg/tracing"
)

// Заголовки запроса к шлюзу.
const (
	HeaderAPIKey         = "API-Key"
	HeaderTimestamp      = "Timestamp"
	HeaderNonce          = "Nonce"
	HeaderSignature      = "Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Config — настройки клиента.
type Config struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	WebhookSecret string
	Timeout       time.Duration
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет HTTP клиент (тесты, прокси).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker подменяет circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithClock подменяет источник времени для Timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client — клиент платёжного шлюза.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	now     func() time.Time
}

// NewClient создаёт клиент. BaseURL без https — ошибка конфигурации.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := config.ValidateGatewayURL(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("%w: не заданы API ключ или секрет", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New("payment-gateway", circuitbreaker.DefaultSettings(), IsRetryable)
	}
	return c, nil
}

// VerifyWebhookSignature проверяет подпись входящего webhook отдельным секретом.
func (c *Client) VerifyWebhookSignature(raw []byte, signature string) bool {
	return VerifySignature(c.cfg.WebhookSecret, raw, signature)
}

// request описывает один вызов шлюза.
type request struct {
	operation      string // метка для метрик и трейсинга
	method         string
	path           string
	body           any
	idempotencyKey string
}

// errorBody — формат ошибки шлюза.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send выполняет произвольный подписанный запрос к шлюзу.
func (c *Client) Send(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	return c.send(ctx, request{operation: "send", method: method, path: path, body: body, idempotencyKey: idempotencyKey}, out)
}

// send выполняет подписанный запрос и декодирует ответ в out (если out != nil).
func (c *Client) send(ctx context.Context, r request, out any) (err error) {
	ctx, span := tracing.Start(ctx, "gateway."+r.operation,
		attribute.String("http.method", r.method),
		attribute.String("gateway.path", r.path),
	)
	defer func() { tracing.End(span, err) }()

	var payload []byte
	if r.body != nil {
		payload, err = json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("кодирование запроса %s: %w", r.operation, err)
		}
	}

	start := time.Now()
	err = c.breaker.Execute(func() error {
		return c.do(ctx, r, payload, out)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = &GatewayError{Code: "circuit_open", Message: "шлюз временно недоступен", Err: err}
	}

	status := "success"
	switch {
	case err == nil:
	case IsRetryable(err):
		status = "retryable"
	default:
		status = "rejected"
	}
	metrics.RecordGatewayCall(r.operation, status, time.Since(start))

	if err != nil {
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("operation", r.operation).
			Str("status", status).
			Msg("Вызов шлюза завершился ошибкой")
	}
	return err
}

func (c *Client) do(ctx context.Context, r request, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return fmt.Errorf("создание запроса %s: %w", r.operation, err)
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	nonce := uuid.NewString()

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderAPIKey, c.cfg.APIKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, Sign(c.cfg.APISecret, r.method, r.path, timestamp, nonce))
	if r.idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, r.idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Отмена вызывающим не повторяется
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &GatewayError{Code: "network_error", Message: err.Error(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &GatewayError{StatusCode: resp.StatusCode, Code: "read_error", Message: err.Error(), Retryable: true, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		gerr := &GatewayError{
			StatusCode: resp.StatusCode,
			Code:       "http_" + strconv.Itoa(resp.StatusCode),
			Message:    http.StatusText(resp.StatusCode),
			Retryable:  retryableStatus(resp.StatusCode),
		}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Code != "" {
			gerr.Code = eb.Error.Code
			gerr.Message = eb.Error.Message
		}
		return gerr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &GatewayError{StatusCode: resp.StatusCode, Code: "decode_error", Message: err.Error(), Err: err}
	}
	return nil
}
