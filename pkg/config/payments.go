package config

import "time"

// GatewayConfig содержит настройки платёжного шлюза.
// APISecret подписывает исходящие запросы, WebhookSecret проверяет входящие уведомления.
type GatewayConfig struct {
	BaseURL       string        `env:"GATEWAY_BASE_URL" envDefault:"https://api.gateway.example"`
	APIKey        string        `env:"GATEWAY_API_KEY"`
	APISecret     string        `env:"GATEWAY_API_SECRET"`
	WebhookSecret string        `env:"GATEWAY_WEBHOOK_SECRET"`
	Timeout       time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"15s"`
}

// RetryConfig содержит ограниченную политику повторов для вызовов шлюза.
type RetryConfig struct {
	MaxAttempts     uint          `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	InitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"200ms"`
	MaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"5s"`
}

// ComplianceConfig содержит параметры лимитов пожертвований (в центах).
type ComplianceConfig struct {
	IndividualLimit      int64 `env:"COMPLIANCE_INDIVIDUAL_LIMIT" envDefault:"330000"`     // $3,300 за цикл
	ItemizationThreshold int64 `env:"COMPLIANCE_ITEMIZATION_THRESHOLD" envDefault:"20000"` // $200
	CycleLengthYears     int   `env:"COMPLIANCE_CYCLE_YEARS" envDefault:"2"`

	AllowedCurrencies []string `env:"COMPLIANCE_CURRENCIES" envSeparator:"," envDefault:"USD"`
}

// FraudConfig содержит пороги fraud-скоринга (0..100).
type FraudConfig struct {
	ReviewScore     int           `env:"FRAUD_REVIEW_SCORE" envDefault:"60"`
	RejectScore     int           `env:"FRAUD_REJECT_SCORE" envDefault:"90"`
	VelocityEnabled bool          `env:"FRAUD_VELOCITY_ENABLED" envDefault:"false"`
	VelocityLimit   int           `env:"FRAUD_VELOCITY_LIMIT" envDefault:"5"`
	VelocityWindow  time.Duration `env:"FRAUD_VELOCITY_WINDOW" envDefault:"1h"`
}

// RefundConfig содержит параметры возвратов.
type RefundConfig struct {
	Window      time.Duration `env:"REFUND_WINDOW" envDefault:"4320h"` // 180 дней
	BatchSize   int           `env:"REFUND_BATCH_SIZE" envDefault:"10"`
	Concurrency int           `env:"REFUND_CONCURRENCY" envDefault:"3"`
	BatchDelay  time.Duration `env:"REFUND_BATCH_DELAY" envDefault:"1s"`
}

// RecurringConfig содержит параметры планировщика регулярных платежей.
type RecurringConfig struct {
	PollInterval time.Duration `env:"RECURRING_POLL_INTERVAL" envDefault:"1m"`
	BatchSize    int           `env:"RECURRING_BATCH_SIZE" envDefault:"50"`
	MaxAttempts  int           `env:"RECURRING_MAX_ATTEMPTS" envDefault:"4"`
	RetryBackoff time.Duration `env:"RECURRING_RETRY_BACKOFF" envDefault:"24h"`
	MaxBackoff   time.Duration `env:"RECURRING_MAX_BACKOFF" envDefault:"168h"`

	// LocalCharging — списания выполняет локальный планировщик, а не шлюз.
	LocalCharging bool `env:"RECURRING_LOCAL_CHARGING" envDefault:"false"`
}

// WebhookConfig содержит параметры приёма webhook.
// Async=true: HTTP handler только публикует событие в Kafka, обработка — в consumer.
type WebhookConfig struct {
	Async bool   `env:"WEBHOOK_ASYNC" envDefault:"false"`
	Topic string `env:"WEBHOOK_TOPIC" envDefault:"gateway.webhooks"`
}

// RateLimitConfig содержит параметры ограничения частоты запросов.
type RateLimitConfig struct {
	Enabled bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	Limit   int           `env:"RATE_LIMIT_REQUESTS" envDefault:"60"`
	Window  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// ReportsConfig содержит параметры архивации отчётов.
// Пустой Bucket отключает выгрузку в S3.
type ReportsConfig struct {
	Bucket    string `env:"REPORT_BUCKET"`
	Prefix    string `env:"REPORT_PREFIX" envDefault:"compliance-reports"`
	AWSRegion string `env:"AWS_REGION" envDefault:"us-east-1"`

	// EndpointURL — S3-совместимое хранилище (MinIO, B2). Пусто — AWS.
	EndpointURL string `env:"REPORT_S3_ENDPOINT"`
}
