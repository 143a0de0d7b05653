package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// DatabaseDSN selects the Postgres store; empty runs on the in-memory store.
	DatabaseDSN       string        `env:"DATABASE_DSN"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=20"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=10"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m"`

	// RedisURL enables the shared rate limiter and webhook dedup store.
	RedisURL string `env:"REDIS_URL"`
	// RabbitMQURL enables publishing alerts to the delivery.alerts exchange.
	RabbitMQURL string `env:"RABBITMQ_URL"`

	Dispatcher Dispatcher
	RateLimit  RateLimit
	AWS        AWS
	WhatsApp   WhatsApp
	Links      Links
	Webhooks   Webhooks
	Analytics  Analytics
}

type Dispatcher struct {
	EmailWorkers    int           `env:"EMAIL_WORKERS,default=4"`
	WhatsAppWorkers int           `env:"WHATSAPP_WORKERS,default=2"`
	PollInterval    time.Duration `env:"DISPATCH_POLL_INTERVAL,default=1s"`
	MaxAttempts     int           `env:"DELIVERY_MAX_ATTEMPTS,default=3"`
	SendNowTimeout  time.Duration `env:"SEND_NOW_TIMEOUT,default=10s"`
	SendingLease    time.Duration `env:"SENDING_LEASE,default=15m"`
	SweepInterval   time.Duration `env:"STALE_SWEEP_INTERVAL,default=1m"`
}

// RateLimit holds per-channel budgets; 0 means unlimited.
type RateLimit struct {
	EmailPerSecond    int64 `env:"EMAIL_RATE_PER_SEC,default=0"`
	EmailPerDay       int64 `env:"EMAIL_RATE_PER_DAY,default=0"`
	WhatsAppPerSecond int64 `env:"WHATSAPP_RATE_PER_SEC,default=1"`
	WhatsAppPerDay    int64 `env:"WHATSAPP_RATE_PER_DAY,default=10"`
}

type AWS struct {
	Region              string `env:"AWS_REGION,default=us-east-1"`
	SESFromAddress      string `env:"SES_FROM_ADDRESS,required=true"`
	SESConfigurationSet string `env:"SES_CONFIGURATION_SET"`
	AssetBucket         string `env:"ASSET_BUCKET,required=true"`
	S3Endpoint          string `env:"S3_ENDPOINT"`
	S3PathStyle         bool   `env:"S3_PATH_STYLE,default=false"`

	// Static credentials for local stacks; unset uses the default chain.
	StaticAccessKeyID     string `env:"AWS_STATIC_ACCESS_KEY_ID"`
	StaticSecretAccessKey string `env:"AWS_STATIC_SECRET_ACCESS_KEY"`
}

type WhatsApp struct {
	BaseURL       string `env:"WHATSAPP_BASE_URL,default=https://graph.facebook.com/v19.0"`
	PhoneNumberID string `env:"WHATSAPP_PHONE_NUMBER_ID,required=true"`
	AccessToken   string `env:"WHATSAPP_ACCESS_TOKEN,required=true"`
	AppSecret     string `env:"WHATSAPP_APP_SECRET,required=true"`
	VerifyToken   string `env:"WHATSAPP_VERIFY_TOKEN"`
}

type Links struct {
	SigningSecret   string        `env:"LINK_SIGNING_SECRET,required=true"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL,required=true"`
	ViewTokenTTL    time.Duration `env:"VIEW_TOKEN_TTL,default=24h"`
	DownloadLinkTTL time.Duration `env:"DOWNLOAD_LINK_TTL,default=72h"`
	PresignMaxTTL   time.Duration `env:"PRESIGN_MAX_TTL,default=15m"`
}

type Webhooks struct {
	// SNSTopicARNs is a "|" separated allow-list of SES notification topics.
	SNSTopicARNs      []string      `env:"SNS_TOPIC_ARNS"`
	SendGridPublicKey string        `env:"SENDGRID_WEBHOOK_PUBLIC_KEY"`
	DedupTTL          time.Duration `env:"WEBHOOK_DEDUP_TTL,default=72h"`
	UnmatchedRetries  int           `env:"WEBHOOK_UNMATCHED_RETRIES,default=3"`
	UnmatchedDelay    time.Duration `env:"WEBHOOK_UNMATCHED_DELAY,default=2s"`
}

type Analytics struct {
	RollupSchedule           string        `env:"ROLLUP_SCHEDULE,default=0 2 * * *"`
	HealthSchedule           string        `env:"HEALTH_CHECK_SCHEDULE,default=@every 5m"`
	BackfillDays             int           `env:"ROLLUP_BACKFILL_DAYS,default=7"`
	StaleAfter               time.Duration `env:"STALE_JOB_AGE,default=30m"`
	StaleFloor               int64         `env:"STALE_JOB_FLOOR,default=10"`
	MinVolume                int64         `env:"HEALTH_MIN_VOLUME,default=20"`
	EmailFailureThreshold    float64       `env:"EMAIL_FAILURE_THRESHOLD,default=0.10"`
	EmailBounceThreshold     float64       `env:"EMAIL_BOUNCE_THRESHOLD,default=0.05"`
	WhatsAppFailureThreshold float64       `env:"WHATSAPP_FAILURE_THRESHOLD,default=0.15"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535")
	}
	if len(c.Links.SigningSecret) < 32 {
		return fmt.Errorf("LINK_SIGNING_SECRET must be at least 32 bytes")
	}
	if c.Dispatcher.MaxAttempts < 1 {
		return fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be >= 1")
	}
	if c.Dispatcher.EmailWorkers < 1 || c.Dispatcher.WhatsAppWorkers < 1 {
		return fmt.Errorf("worker counts must be >= 1")
	}
	if c.RateLimit.EmailPerSecond < 0 || c.RateLimit.EmailPerDay < 0 ||
		c.RateLimit.WhatsAppPerSecond < 0 || c.RateLimit.WhatsAppPerDay < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.Analytics.BackfillDays < 1 {
		return fmt.Errorf("ROLLUP_BACKFILL_DAYS must be >= 1")
	}
	for _, threshold := range []float64{
		c.Analytics.EmailFailureThreshold,
		c.Analytics.EmailBounceThreshold,
		c.Analytics.WhatsAppFailureThreshold,
	} {
		if threshold <= 0 || threshold > 1 {
			return fmt.Errorf("alert thresholds must be in (0, 1]")
		}
	}

	arns := c.Webhooks.SNSTopicARNs[:0]
	for _, arn := range c.Webhooks.SNSTopicARNs {
		if trimmed := strings.TrimSpace(arn); trimmed != "" {
			arns = append(arns, trimmed)
		}
	}
	c.Webhooks.SNSTopicARNs = arns

	return nil
}

// AlertWatch configures the alert consumer process.
type AlertWatch struct {
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	Prefetch    int    `env:"ALERT_PREFETCH,default=10"`
}

func LoadAlertWatch() (*AlertWatch, error) {
	var cfg AlertWatch
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Prefetch < 1 {
		return nil, fmt.Errorf("ALERT_PREFETCH must be >= 1")
	}
	return &cfg, nil
}
