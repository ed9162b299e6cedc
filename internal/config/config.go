package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string   `mapstructure:"DB_SCHEMA"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	PaymentAPIURL           string        `mapstructure:"PAYMENT_API_URL"`
	PaymentAPIKey           string        `mapstructure:"PAYMENT_API_KEY"`
	PaymentWebhookSecret    string        `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	PaymentWebhookTolerance time.Duration `mapstructure:"PAYMENT_WEBHOOK_TOLERANCE"`
	PaymentCurrency         string        `mapstructure:"PAYMENT_CURRENCY"`
	CheckoutSuccessURL      string        `mapstructure:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL       string        `mapstructure:"CHECKOUT_CANCEL_URL"`

	KafkaBrokers     []string      `mapstructure:"KAFKA_BROKERS"`
	OrderEventsTopic string        `mapstructure:"ORDER_EVENTS_TOPIC"`
	RelayInterval    time.Duration `mapstructure:"RELAY_INTERVAL"`
	RelayBatchSize   int           `mapstructure:"RELAY_BATCH_SIZE"`
}

var boundKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"REQUEST_TIMEOUT", "BODY_LIMIT",
	"PAYMENT_API_URL", "PAYMENT_API_KEY", "PAYMENT_WEBHOOK_SECRET", "PAYMENT_WEBHOOK_TOLERANCE",
	"PAYMENT_CURRENCY", "CHECKOUT_SUCCESS_URL", "CHECKOUT_CANCEL_URL",
	"KAFKA_BROKERS", "ORDER_EVENTS_TOPIC", "RELAY_INTERVAL", "RELAY_BATCH_SIZE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("PAYMENT_API_URL", "https://api.stripe.com")
	v.SetDefault("PAYMENT_WEBHOOK_TOLERANCE", "5m")
	v.SetDefault("PAYMENT_CURRENCY", "usd")
	v.SetDefault("CHECKOUT_SUCCESS_URL", "http://localhost:3000/checkout/success")
	v.SetDefault("CHECKOUT_CANCEL_URL", "http://localhost:3000/checkout/cancel")
	v.SetDefault("ORDER_EVENTS_TOPIC", "pharmacy.order-events")
	v.SetDefault("RELAY_INTERVAL", "2s")
	v.SetDefault("RELAY_BATCH_SIZE", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitCSV(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitCSV(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a bearer token act as an admin user.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitCSV normalizes list settings that arrive from the environment as a
// single comma separated value.
func splitCSV(current []string, raw string) []string {
	if len(current) > 1 {
		return current
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RedisEnabled reports whether checkout idempotency keys are backed by Redis.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// KafkaEnabled reports whether the outbox relay has brokers to publish to.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate checks that the configuration is safe to run. Outside development
// a token verifier (issuer/JWKS or a signing key) and the payment webhook
// secret are mandatory, since without them anyone could settle an order.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf(
				"AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
		}
		if c.PaymentWebhookSecret == "" {
			return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required when ENV=%q", c.Env)
		}
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.PaymentCurrency == "" || len(c.PaymentCurrency) != 3 {
		return fmt.Errorf("PAYMENT_CURRENCY must be a 3-letter ISO code, got %q", c.PaymentCurrency)
	}
	if c.PaymentWebhookTolerance < 0 {
		return fmt.Errorf("PAYMENT_WEBHOOK_TOLERANCE must not be negative")
	}
	if c.RelayBatchSize <= 0 {
		return fmt.Errorf("RELAY_BATCH_SIZE must be positive, got %d", c.RelayBatchSize)
	}
	return nil
}
