package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

const (
	// StorageDriverPostgres persists ledger state in PostgreSQL.
	StorageDriverPostgres = "postgres"
	// StorageDriverMemory keeps ledger state in process memory (development only).
	StorageDriverMemory = "memory"

	ObjectStoreGCS    = "gcs"
	ObjectStoreMemory = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	JWTClockSkew       time.Duration
	CORSAllowedOrigins []string

	StorageDriver      string
	MigrateOnStart     bool
	DBMaxConns         int
	ObjectStore        string
	GCSBucket          string
	GCSPrefix          string
	GCSCredentialsFile string
	GCSEndpoint        string

	PricingPublicPriceMultiplier decimal.Decimal
	PricingBufferRate            decimal.Decimal
	PricingMinMargin             decimal.Decimal
	PlatformCommissionRate       decimal.Decimal
	DefaultTaxRate               decimal.Decimal

	InvoiceMaxBytes                  int64
	SettlementAllowPayWithoutInvoice bool
	RequestNumberPrefix              string

	IdempotencyTTL    time.Duration
	AggregateCacheTTL time.Duration
	LockTTL           time.Duration
	LockRetryBackoff  time.Duration
	UploadRateLimit   string

	OrderEventsTokenHash string
	QueueConcurrency     int
	QueueMaxRetry        int
	QueueName            string

	RetryBase          time.Duration
	RetryJitterPercent float64

	AuditEnabled      bool
	EventsWebhookURL  string
	EventsWebhookKey  string
	NotifyEmailFrom   string
	NotifyEmailEnable bool
	Currency          string

	WebhookTimeout      time.Duration
	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          valueOrDefault(k.String("JWT_ISSUER"), "affiliate-portal"),
		JWTAudience:        valueOrDefault(k.String("JWT_AUDIENCE"), "commission-engine"),
		JWTClockSkew:       parseDuration(k.String("JWT_CLOCK_SKEW"), "30s"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		StorageDriver:      strings.ToLower(valueOrDefault(k.String("STORAGE_DRIVER"), StorageDriverPostgres)),
		MigrateOnStart:     parseBool(k.String("MIGRATE_ON_START")),
		DBMaxConns:         parseInt(k.String("DB_MAX_CONNS"), 0),
		ObjectStore:        strings.ToLower(valueOrDefault(k.String("OBJECT_STORE"), ObjectStoreMemory)),
		GCSBucket:          strings.TrimSpace(k.String("GCS_BUCKET")),
		GCSPrefix:          valueOrDefault(k.String("GCS_PREFIX"), "payment-requests"),
		GCSCredentialsFile: strings.TrimSpace(k.String("GCS_CREDENTIALS_FILE")),
		GCSEndpoint:        strings.TrimSpace(k.String("GCS_ENDPOINT")),

		PricingPublicPriceMultiplier: parseDecimal(k.String("PRICING_PUBLIC_PRICE_MULTIPLIER"), "1.5"),
		PricingBufferRate:            parseDecimal(k.String("PRICING_BUFFER_RATE"), "5"),
		PricingMinMargin:             parseDecimal(k.String("PRICING_MIN_MARGIN"), "1"),
		PlatformCommissionRate:       parseDecimal(k.String("PLATFORM_COMMISSION_RATE"), "5"),
		DefaultTaxRate:               parseDecimal(k.String("DEFAULT_TAX_RATE"), "0.20"),

		InvoiceMaxBytes:                  int64(parseInt(k.String("INVOICE_MAX_BYTES"), 5*1024*1024)),
		SettlementAllowPayWithoutInvoice: parseBool(k.String("SETTLEMENT_ALLOW_PAY_WITHOUT_INVOICE")),
		RequestNumberPrefix:              valueOrDefault(k.String("REQUEST_NUMBER_PREFIX"), "PR"),

		IdempotencyTTL:    parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		AggregateCacheTTL: parseDuration(k.String("AGGREGATE_CACHE_TTL"), "60s"),
		LockTTL:           parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff:  parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		UploadRateLimit:   valueOrDefault(k.String("UPLOAD_RATE_LIMIT"), "20-M"),

		OrderEventsTokenHash: strings.TrimSpace(k.String("ORDER_EVENTS_TOKEN_HASH")),
		QueueConcurrency:     parseInt(k.String("QUEUE_CONCURRENCY"), 10),
		QueueMaxRetry:        parseInt(k.String("QUEUE_MAX_RETRY"), 10),
		QueueName:            valueOrDefault(k.String("QUEUE_NAME"), "commissions"),

		RetryBase:          parseDuration(k.String("RETRY_BASE"), "2s"),
		RetryJitterPercent: parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),

		AuditEnabled:      parseBoolDefault(k.String("AUDIT_ENABLED"), true),
		EventsWebhookURL:  strings.TrimSpace(k.String("EVENTS_WEBHOOK_URL")),
		EventsWebhookKey:  strings.TrimSpace(k.String("EVENTS_WEBHOOK_SECRET")),
		NotifyEmailFrom:   valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "payouts@example.com"),
		NotifyEmailEnable: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		Currency:          strings.ToUpper(valueOrDefault(k.String("CURRENCY"), "EUR")),

		WebhookTimeout:      parseDuration(k.String("EVENTS_WEBHOOK_TIMEOUT"), "5s"),
		CircuitMinRequests:  parseInt(k.String("CIRCUIT_WEBHOOK_MIN_REQUESTS"), 5),
		CircuitFailureRatio: parseFloat(k.String("CIRCUIT_WEBHOOK_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_WEBHOOK_OPEN_FOR"), "30s"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
	case StorageDriverMemory:
		if c.AppEnv == "production" {
			return errors.New("STORAGE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.ObjectStore {
	case ObjectStoreGCS:
		if c.GCSBucket == "" {
			return errors.New("GCS_BUCKET is required when OBJECT_STORE=gcs")
		}
	case ObjectStoreMemory:
	default:
		return fmt.Errorf("unsupported OBJECT_STORE %q", c.ObjectStore)
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.InvoiceMaxBytes <= 0 {
		return errors.New("INVOICE_MAX_BYTES must be positive")
	}
	if c.CircuitFailureRatio <= 0 || c.CircuitFailureRatio > 1 {
		return errors.New("CIRCUIT_WEBHOOK_FAILURE_RATIO must be in (0, 1]")
	}
	if c.PricingPublicPriceMultiplier.LessThanOrEqual(decimal.NewFromInt(1)) {
		return errors.New("PRICING_PUBLIC_PRICE_MULTIPLIER must be greater than 1")
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDecimal(value, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
