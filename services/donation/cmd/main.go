// Donation Service — приём политических пожертвований: проверка лимитов,
// оплата через шлюз, регулярные платежи, возвраты, webhook шлюза и отчёты.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/campaign-payments/pkg/config"
	"example.com/campaign-payments/pkg/db"
	"example.com/campaign-payments/pkg/healthcheck"
	"example.com/campaign-payments/pkg/jwt"
	"example.com/campaign-payments/pkg/kafka"
	"example.com/campaign-payments/pkg/lock"
	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/pkg/metrics"
	"example.com/campaign-payments/pkg/outbox"
	"example.com/campaign-payments/pkg/retry"
	"example.com/campaign-payments/pkg/tracing"
	"example.com/campaign-payments/services/donation/internal/compliance"
	"example.com/campaign-payments/services/donation/internal/donation"
	"example.com/campaign-payments/services/donation/internal/gateway"
	"example.com/campaign-payments/services/donation/internal/handler"
	"example.com/campaign-payments/services/donation/internal/middleware"
	"example.com/campaign-payments/services/donation/internal/notify"
	"example.com/campaign-payments/services/donation/internal/recurring"
	"example.com/campaign-payments/services/donation/internal/refund"
	"example.com/campaign-payments/services/donation/internal/repository"
	"example.com/campaign-payments/services/donation/internal/validation"
	"example.com/campaign-payments/services/donation/internal/webhook"
)

const serviceName = "donation-service"

// fundraiserCacheTTL — время жизни кэша сборов средств.
const fundraiserCacheTTL = time.Minute

// webhookMaxRetries — попытки обработки webhook из Kafka до DLQ.
const webhookMaxRetries = 3

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:   cfg.App.LogLevel,
		Pretty:  cfg.App.LogPretty,
		Service: serviceName,
	})

	log := logger.With().Str("service", serviceName).Logger()
	log.Info().
		Str("env", cfg.App.Env).
		Str("addr", cfg.HTTP.Addr()).
		Bool("local_recurring", cfg.Recurring.LocalCharging).
		Bool("webhook_async", cfg.Webhook.Async).
		Msg("Запуск Donation Service")

	// === Observability ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    serviceName,
		Environment:    cfg.App.Env,
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Хранилища ===

	gormDB, err := db.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	if cfg.MySQL.AutoMigrate {
		models := append(repository.Models(), &outbox.Model{})
		if err := db.Migrate(gormDB, models...); err != nil {
			log.Fatal().Err(err).Msg("Ошибка миграции схемы")
		}
		log.Info().Int("tables", len(models)).Msg("Схема БД обновлена")
	}

	redisClient, err := db.ConnectRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к Redis")
	}
	log.Info().Str("addr", cfg.Redis.Addr()).Msg("Подключено к Redis")

	outboxRepo := outbox.NewRepository(gormDB,
		outbox.AggregateDonation, outbox.AggregateRefund, outbox.AggregateSubscription, outbox.AggregateAlert)
	donationRepo := repository.NewDonationRepository(gormDB, outboxRepo)
	subscriptionRepo := repository.NewSubscriptionRepository(gormDB)
	refundRepo := repository.NewRefundRepository(gormDB, outboxRepo)
	alertRepo := repository.NewAlertRepository(gormDB, outboxRepo)
	ledgerRepo := repository.NewLedgerRepository(gormDB)
	webhookRepo := repository.NewWebhookEventRepository(gormDB)
	fundraisers := validation.NewCachedFundraiserLookup(repository.NewFundraiserRepository(gormDB), fundraiserCacheTTL)

	locker := lock.NewRedisLocker(redisClient, lock.DefaultOptions())
	notifier := notify.NewOutboxSender(outboxRepo)

	// === Платёжный шлюз ===

	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:       cfg.Gateway.BaseURL,
		APIKey:        cfg.Gateway.APIKey,
		APISecret:     cfg.Gateway.APISecret,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		Timeout:       cfg.Gateway.Timeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка конфигурации платёжного шлюза")
	}

	retryPolicy := retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      2,
	}

	// === Доменные сервисы ===

	ledger := compliance.NewLedger(ledgerRepo, alertRepo, locker, compliance.Config{
		IndividualLimit:      cfg.Compliance.IndividualLimit,
		ItemizationThreshold: cfg.Compliance.ItemizationThreshold,
		CycleLengthYears:     cfg.Compliance.CycleLengthYears,
	})

	validationCfg := validation.DefaultConfig()
	validationCfg.ItemizationThreshold = cfg.Compliance.ItemizationThreshold
	validationCfg.Currencies = cfg.Compliance.AllowedCurrencies
	validator := validation.NewEngine(validation.DefaultRules(validationCfg, fundraisers)...)

	checks := validation.DefaultRiskChecks()
	if cfg.Fraud.VelocityEnabled {
		checks = append(checks, validation.NewRedisVelocityCheck(redisClient, cfg.Fraud.VelocityLimit, cfg.Fraud.VelocityWindow, 40))
	}
	fraud := validation.NewFraudScreen(cfg.Fraud.ReviewScore, cfg.Fraud.RejectScore, checks...)

	orchestrator := donation.NewOrchestrator(
		donationRepo, subscriptionRepo, fundraisers, validator, fraud, ledger, gw, notifier,
		donation.Config{Retry: retryPolicy, LocalRecurring: cfg.Recurring.LocalCharging},
	)

	recurringCfg := recurring.DefaultConfig()
	recurringCfg.MinAmount = validationCfg.MinRecurringAmount
	recurringCfg.MaxAmount = validationCfg.MaxAmount
	recurringCfg.BatchSize = cfg.Recurring.BatchSize
	recurringCfg.MaxAttempts = cfg.Recurring.MaxAttempts
	recurringCfg.RetryBackoff = cfg.Recurring.RetryBackoff
	recurringCfg.MaxBackoff = cfg.Recurring.MaxBackoff
	recurringCfg.Retry = retryPolicy
	var charger recurring.Charger
	if cfg.Recurring.LocalCharging {
		charger = orchestrator
	}
	subscriptions := recurring.NewManager(subscriptionRepo, gw, ledger, charger, locker, recurringCfg)

	refunds := refund.NewEngine(donationRepo, refundRepo, ledger, gw, notifier, locker, refund.Config{
		Window:      cfg.Refund.Window,
		BatchSize:   cfg.Refund.BatchSize,
		Concurrency: cfg.Refund.Concurrency,
		BatchDelay:  cfg.Refund.BatchDelay,
		Retry:       retryPolicy,
	})

	ingestor := webhook.NewIngestor(cfg.Gateway.WebhookSecret,
		webhookRepo, donationRepo, subscriptionRepo, refundRepo, refunds, ledger, notifier)

	// === Kafka: outbox и очередь webhook ===

	producer, err := kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания Kafka producer")
	}

	var (
		relay         handler.WebhookRelay
		kafkaConsumer *kafka.Consumer
		webhookLoop   *webhook.Consumer
	)
	if cfg.Webhook.Async {
		kafkaConsumer, err = kafka.NewConsumer(kafka.Config{
			Brokers:       cfg.Kafka.Brokers,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		}, cfg.Webhook.Topic)
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания Kafka consumer")
		}
		kafkaConsumer.SetDLQ(producer)
		relay = webhook.NewRelay(ingestor, producer, cfg.Webhook.Topic)
		webhookLoop = webhook.NewConsumer(ingestor, kafkaConsumer, webhookMaxRetries)
	}

	outboxWorker := outbox.NewWorker(outboxRepo, producer, outbox.DefaultWorkerConfig())

	// === Архив отчётов ===

	var archiver handler.ReportArchiver
	if cfg.Reports.Bucket != "" {
		s3Client, err := compliance.NewS3Client(context.Background(), cfg.Reports.AWSRegion, cfg.Reports.EndpointURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания S3 клиента")
		}
		archiver = compliance.NewS3Archiver(s3Client, cfg.Reports.Bucket, cfg.Reports.Prefix)
		log.Info().Str("bucket", cfg.Reports.Bucket).Msg("Архив отчётов в S3 включён")
	}

	// === HTTP ===

	ready := healthcheck.Composite(healthcheck.MySQL(gormDB), healthcheck.Redis(redisClient))

	var operatorAuth *middleware.OperatorAuth
	if cfg.JWT.PublicKeyPath != "" {
		jwtManager, err := jwt.NewManager(jwt.Config{PublicKeyPath: cfg.JWT.PublicKeyPath, Issuer: cfg.JWT.Issuer})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка загрузки публичного ключа JWT")
		}
		operatorAuth = middleware.NewOperatorAuth(jwtManager)
	} else if !cfg.IsDevelopment() {
		log.Fatal().Msg("JWT_PUBLIC_KEY_PATH обязателен вне development")
	} else {
		log.Warn().Msg("Операторские маршруты без аутентификации (development)")
	}

	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			Redis:  redisClient,
			Scope:  "api",
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window,
		})
		log.Info().
			Int("limit", cfg.RateLimit.Limit).
			Dur("window", cfg.RateLimit.Window).
			Msg("Rate limiting включён")
	}

	router := handler.NewRouter(handler.RouterConfig{
		Donations:      orchestrator,
		Refunds:        refunds,
		Subscriptions:  subscriptions,
		Reports:        ledger,
		ReportSource:   donationRepo,
		Archiver:       archiver,
		Webhooks:       ingestor,
		Relay:          relay,
		Auth:           operatorAuth,
		RateLimit:      rateLimiter,
		CORS:           middleware.DefaultCORSConfig(),
		ReadinessCheck: handler.ReadinessChecker(ready),
		Debug:          cfg.IsDevelopment(),
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr(), serviceName, metrics.WithReadinessCheck(metrics.ReadinessChecker(ready)))
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Фоновые процессы ===

	bgCtx, stopBackground := context.WithCancel(logger.WithLogger(context.Background(), log))
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		outboxWorker.Run(bgCtx)
	}()

	if cfg.Recurring.LocalCharging {
		scheduler := recurring.NewScheduler(subscriptions, locker, cfg.Recurring.PollInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Run(bgCtx)
		}()
	}

	if webhookLoop != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := webhookLoop.Run(bgCtx); err != nil {
				log.Error().Err(err).Msg("Consumer webhook остановлен с ошибкой")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	// === Graceful Shutdown ===

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервер...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Сначала перестаём принимать запросы, затем останавливаем фоновые процессы:
	// outbox worker должен успеть отправить записи последних запросов.
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Ошибка при остановке HTTP сервера")
	}

	stopBackground()
	wg.Wait()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka consumer")
		}
	}
	if err := producer.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Kafka producer")
	}

	closeRedis(redisClient)
	if sqlDB, err := gormDB.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия MySQL")
		}
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(ctx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Donation Service остановлен")
}

func closeRedis(rdb *redis.Client) {
	if err := rdb.Close(); err != nil {
		logger.Error().Err(err).Msg("Ошибка закрытия Redis")
	}
}
