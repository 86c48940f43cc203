// Package metrics предоставляет Prometheus метрики сервиса и HTTP сервер для /metrics.
//
//   - Counter: пожертвования, возвраты, webhook, алерты — "сколько всего произошло"
//   - Histogram: latency API и вызовов шлюза — "как быстро работает"
//   - Gauge: время последнего прогона планировщика — "что сейчас"
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/campaign-payments/pkg/logger"
)

// =============================================================================
// HTTP API
// =============================================================================

var (
	// RequestsTotal — requests_total{service="campaign-payments", method="/api/v1/donations", status="success"}
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Общее количество запросов по сервису, методу и статусу",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration — p95: histogram_quantile(0.95, rate(request_duration_seconds_bucket[5m]))
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Время выполнения запроса в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method"},
	)
)

// =============================================================================
// Платёжный домен
// =============================================================================

var (
	// DonationsTotal — итоговые статусы пожертвований (succeeded/failed/processing) и отказы (rejected_*).
	DonationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donations_total",
			Help: "Количество пожертвований по результату",
		},
		[]string{"result", "kind"}, // kind: one_time / recurring / installment
	)

	// DonationAmountCents — сумма принятых пожертвований в центах.
	DonationAmountCents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_amount_cents_total",
			Help: "Сумма успешных пожертвований в центах",
		},
		[]string{"currency"},
	)

	// RefundsTotal — возвраты по статусу.
	RefundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refunds_total",
			Help: "Количество возвратов по статусу",
		},
		[]string{"status"},
	)

	// WebhookEventsTotal — входящие webhook по типу и исходу (applied/failed/ignored/duplicate/rejected).
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Количество webhook событий шлюза",
		},
		[]string{"type", "outcome"},
	)

	// ComplianceAlertsTotal — созданные compliance-алерты.
	ComplianceAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_alerts_total",
			Help: "Количество compliance алертов по типу и важности",
		},
		[]string{"type", "severity"},
	)

	// GatewayRequestsTotal — вызовы платёжного шлюза.
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Количество вызовов платёжного шлюза",
		},
		[]string{"operation", "status"},
	)

	// GatewayRequestDuration — latency вызовов шлюза.
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Время вызова платёжного шлюза в секундах",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
		[]string{"operation"},
	)

	// RecurringLastRun — unix-время последнего прогона планировщика подписок.
	RecurringLastRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recurring_scheduler_last_run_timestamp_seconds",
			Help: "Время последнего прогона планировщика регулярных платежей",
		},
	)

	// OutboxDeadLetters — записи outbox, выведенные из очереди после MaxRetries.
	OutboxDeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dead_letters_total",
			Help: "Количество записей outbox, выведенных в dead letter",
		},
		[]string{"event_type"},
	)
)

// =============================================================================
// HTTP Server для /metrics
// =============================================================================

// ReadinessChecker возвращает nil, если сервис готов принимать трафик.
type ReadinessChecker func(ctx context.Context) error

// Server — HTTP сервер с /metrics, /healthz и /readyz.
type Server struct {
	httpServer     *http.Server
	service        string
	readinessCheck ReadinessChecker
}

// Option — функциональная опция Server.
type Option func(*Server)

// WithReadinessCheck задаёт проверку для /readyz (ошибка — 503).
func WithReadinessCheck(checker ReadinessChecker) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт metrics server.
func NewServer(addr, service string, opts ...Option) *Server {
	s := &Server{service: service}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	mux.HandleFunc("/readyz", s.handleReady)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.readinessCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.readinessCheck(ctx); err != nil {
			// Детали ошибки наружу не отдаём
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			logger.Warn().Err(err).Str("service", s.service).Msg("Readiness check не пройден")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// Handler возвращает mux сервера (тесты).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start запускает сервер. Блокирующий вызов.
func (s *Server) Start() error {
	logger.Info().Str("addr", s.httpServer.Addr).Str("service", s.service).Msg("Запуск Metrics Server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Хелперы
// =============================================================================

// RecordRequest записывает метрики HTTP запроса.
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordGatewayCall записывает метрики вызова шлюза. status: success / retryable / rejected.
func RecordGatewayCall(operation, status string, duration time.Duration) {
	GatewayRequestsTotal.WithLabelValues(operation, status).Inc()
	GatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// GinMetricsMiddleware собирает requests_total и request_duration_seconds.
func GinMetricsMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		RecordRequest(service, path, status, time.Since(start))
	}
}
