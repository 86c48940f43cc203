package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/campaign-payments/pkg/jwt"
	"example.com/campaign-payments/pkg/metrics"
	"example.com/campaign-payments/services/donation/internal/compliance"
	"example.com/campaign-payments/services/donation/internal/middleware"
)

const serviceName = "donation-service"

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// RouterConfig — параметры для создания роутера.
type RouterConfig struct {
	Donations     DonationService
	Refunds       RefundService
	Subscriptions SubscriptionService
	Reports       ReportGenerator
	ReportSource  compliance.DonationLister
	Archiver      ReportArchiver // nil — архив не настроен
	Webhooks      WebhookIngestor
	Relay         WebhookRelay // nil — синхронная обработка webhook

	Auth           *middleware.OperatorAuth
	RateLimit      *middleware.RateLimiter // nil — без ограничения
	CORS           middleware.CORSConfig
	ReadinessCheck ReadinessChecker
	Debug          bool
}

// Router — HTTP роутер сервиса.
type Router struct {
	engine         *gin.Engine
	cfg            RouterConfig
	readinessCheck ReadinessChecker
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.CORS))
	engine.Use(middleware.SecurityHeaders())
	engine.Use(otelgin.Middleware(serviceName))
	engine.Use(metrics.GinMetricsMiddleware(serviceName))
	engine.Use(middleware.Tracing())

	r := &Router{engine: engine, cfg: cfg, readinessCheck: cfg.ReadinessCheck}
	r.setupRoutes()
	return r
}

// setupRoutes настраивает все маршруты API.
func (r *Router) setupRoutes() {
	// Health endpoints (без rate limiting и auth)
	r.engine.GET("/healthz", r.livenessCheck)
	r.engine.GET("/readyz", r.readinessCheckHandler)

	// Webhook шлюза аутентифицируется подписью.
	webhookHandler := NewWebhookHandler(r.cfg.Webhooks, r.cfg.Relay)
	r.engine.POST("/webhooks/gateway", webhookHandler.HandleGateway)

	v1 := r.engine.Group("/api/v1")
	if r.cfg.RateLimit != nil {
		v1.Use(r.cfg.RateLimit.Handle())
	}

	// === Donation routes (публичные) ===
	donationHandler := NewDonationHandler(r.cfg.Donations)
	donations := v1.Group("/donations")
	{
		donations.POST("", donationHandler.CreateDonation)
		donations.GET("/:id", donationHandler.GetDonation)
	}

	operator := r.require(jwt.RoleOperator)

	// === Refund routes (оператор) ===
	refundHandler := NewRefundHandler(r.cfg.Refunds)
	refunds := v1.Group("/refunds", operator...)
	{
		refunds.POST("", refundHandler.CreateRefund)
		refunds.POST("/bulk", refundHandler.BulkRefund)
	}

	// === Subscription routes (оператор) ===
	subscriptionHandler := NewSubscriptionHandler(r.cfg.Subscriptions)
	subs := v1.Group("/subscriptions", operator...)
	{
		subs.GET("/:id", subscriptionHandler.GetSubscription)
		subs.PATCH("/:id", subscriptionHandler.UpdateAmount)
		subs.POST("/:id/pause", subscriptionHandler.Pause)
		subs.POST("/:id/resume", subscriptionHandler.Resume)
		subs.POST("/:id/cancel", subscriptionHandler.Cancel)
	}

	// === Report routes (оператор, комплаенс) ===
	reportHandler := NewReportHandler(r.cfg.Reports, r.cfg.ReportSource, r.cfg.Archiver)
	reports := v1.Group("/reports", r.require(jwt.RoleOperator, jwt.RoleCompliance)...)
	{
		reports.GET("/:org_id", reportHandler.GenerateReport)
	}
}

// require возвращает middleware проверки роли. Без OperatorAuth маршруты открыты (локальная разработка).
func (r *Router) require(roles ...string) []gin.HandlerFunc {
	if r.cfg.Auth == nil {
		return nil
	}
	return []gin.HandlerFunc{r.cfg.Auth.Require(roles...)}
}

// Engine возвращает Gin engine для запуска сервера.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// livenessCheck — liveness probe. 200, пока процесс отвечает.
func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessCheckHandler — readiness probe. 503, если недоступна MySQL или Redis.
func (r *Router) readinessCheckHandler(c *gin.Context) {
	if r.readinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.readinessCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
