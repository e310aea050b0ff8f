// Package config loads service settings from the environment, optionally
// layered over a YAML file named by CONFIG_FILE.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	AWSRegion           string
	AWSEndpointOverride string

	OrdersTable               string
	PaymentRefsTable          string
	SlugsTable                string
	CardsTable                string
	NotificationAttemptsTable string

	ArtifactBucket string
	NotifyQueueURL string
	EmailFrom      string
	PublicBaseURL  string

	WebhookSecret    string
	WebhookTolerance time.Duration

	GatewayAPIURL   string
	GatewayAPIKey   string
	GatewayMockMode bool

	RedisAddr      string
	RedisPassword  string
	StatusCacheTTL time.Duration

	MetricsNamespace string
	LogLevel         string

	LeaseTTL          time.Duration
	UpstreamTimeout   time.Duration
	NotifyMaxAttempts int

	RunLocal bool
	HTTPAddr string
}

func defaults(v *viper.Viper) {
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("AWS_ENDPOINT_OVERRIDE", "")
	v.SetDefault("ORDERS_TABLE", "giftlink-orders")
	v.SetDefault("PAYMENT_REFS_TABLE", "giftlink-payment-refs")
	v.SetDefault("SLUGS_TABLE", "giftlink-slugs")
	v.SetDefault("CARDS_TABLE", "giftlink-cards")
	v.SetDefault("NOTIFICATION_ATTEMPTS_TABLE", "giftlink-notification-attempts")
	v.SetDefault("ARTIFACT_BUCKET", "giftlink-artifacts")
	v.SetDefault("NOTIFY_QUEUE_URL", "")
	v.SetDefault("EMAIL_FROM", "")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("WEBHOOK_SECRET", "")
	v.SetDefault("WEBHOOK_TOLERANCE", 5*time.Minute)
	v.SetDefault("GATEWAY_API_URL", "https://api.stripe.com")
	v.SetDefault("GATEWAY_API_KEY", "")
	v.SetDefault("GATEWAY_MOCK_MODE", false)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("STATUS_CACHE_TTL", 10*time.Minute)
	v.SetDefault("METRICS_NAMESPACE", "GiftLink/Fulfillment")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LEASE_TTL", 2*time.Minute)
	v.SetDefault("UPSTREAM_TIMEOUT", 10*time.Second)
	v.SetDefault("NOTIFY_MAX_ATTEMPTS", 3)
	v.SetDefault("RUN_LOCAL", false)
	v.SetDefault("HTTP_ADDR", ":8080")
}

// Load reads the configuration. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		AWSRegion:                 v.GetString("AWS_REGION"),
		AWSEndpointOverride:       v.GetString("AWS_ENDPOINT_OVERRIDE"),
		OrdersTable:               v.GetString("ORDERS_TABLE"),
		PaymentRefsTable:          v.GetString("PAYMENT_REFS_TABLE"),
		SlugsTable:                v.GetString("SLUGS_TABLE"),
		CardsTable:                v.GetString("CARDS_TABLE"),
		NotificationAttemptsTable: v.GetString("NOTIFICATION_ATTEMPTS_TABLE"),
		ArtifactBucket:            v.GetString("ARTIFACT_BUCKET"),
		NotifyQueueURL:            v.GetString("NOTIFY_QUEUE_URL"),
		EmailFrom:                 v.GetString("EMAIL_FROM"),
		PublicBaseURL:             strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		WebhookSecret:             v.GetString("WEBHOOK_SECRET"),
		WebhookTolerance:          v.GetDuration("WEBHOOK_TOLERANCE"),
		GatewayAPIURL:             strings.TrimRight(v.GetString("GATEWAY_API_URL"), "/"),
		GatewayAPIKey:             v.GetString("GATEWAY_API_KEY"),
		GatewayMockMode:           v.GetBool("GATEWAY_MOCK_MODE"),
		RedisAddr:                 v.GetString("REDIS_ADDR"),
		RedisPassword:             v.GetString("REDIS_PASSWORD"),
		StatusCacheTTL:            v.GetDuration("STATUS_CACHE_TTL"),
		MetricsNamespace:          v.GetString("METRICS_NAMESPACE"),
		LogLevel:                  v.GetString("LOG_LEVEL"),
		LeaseTTL:                  v.GetDuration("LEASE_TTL"),
		UpstreamTimeout:           v.GetDuration("UPSTREAM_TIMEOUT"),
		NotifyMaxAttempts:         v.GetInt("NOTIFY_MAX_ATTEMPTS"),
		RunLocal:                  v.GetBool("RUN_LOCAL"),
		HTTPAddr:                  v.GetString("HTTP_ADDR"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LeaseTTL <= c.UpstreamTimeout*2 {
		return fmt.Errorf("LEASE_TTL (%s) must exceed twice UPSTREAM_TIMEOUT (%s)", c.LeaseTTL, c.UpstreamTimeout)
	}
	if c.NotifyMaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be at least 1, got %d", c.NotifyMaxAttempts)
	}
	return nil
}
