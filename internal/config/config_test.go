package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":   "postgres://localhost/commissions",
		"REDIS_URL":      "redis://localhost:6379/0",
		"JWT_SECRET":     "secret",
		"STORAGE_DRIVER": "",
		"OBJECT_STORE":   "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)
	require.Equal(t, StorageDriverPostgres, cfg.StorageDriver)
	require.Equal(t, ObjectStoreMemory, cfg.ObjectStore)
	require.Equal(t, int64(5*1024*1024), cfg.InvoiceMaxBytes)
	require.Equal(t, "1.5", cfg.PricingPublicPriceMultiplier.String())
	require.Equal(t, "5", cfg.PricingBufferRate.String())
	require.Equal(t, "1", cfg.PricingMinMargin.String())
	require.Equal(t, "0.2", cfg.DefaultTaxRate.String())
	require.False(t, cfg.SettlementAllowPayWithoutInvoice)
	require.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "EUR", cfg.Currency)
	require.Equal(t, 0.5, cfg.CircuitFailureRatio)
	require.Equal(t, 5*time.Second, cfg.WebhookTimeout)
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PRICING_PUBLIC_PRICE_MULTIPLIER"] = "1.8"
	env["SETTLEMENT_ALLOW_PAY_WITHOUT_INVOICE"] = "true"
	env["INVOICE_MAX_BYTES"] = "1048576"
	env["PORT"] = ":9090"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "1.8", cfg.PricingPublicPriceMultiplier.String())
	require.True(t, cfg.SettlementAllowPayWithoutInvoice)
	require.Equal(t, int64(1048576), cfg.InvoiceMaxBytes)
	require.Equal(t, ":9090", cfg.HTTPAddr())
}

func TestLoadRejectsInvalidCombinations(t *testing.T) {
	env := baseEnv()
	env["OBJECT_STORE"] = "gcs"
	env["GCS_BUCKET"] = ""
	_, err := LoadForTests(env)
	require.Error(t, err)

	env = baseEnv()
	env["PRICING_PUBLIC_PRICE_MULTIPLIER"] = "0.9"
	_, err = LoadForTests(env)
	require.Error(t, err)

	env = baseEnv()
	env["CIRCUIT_WEBHOOK_FAILURE_RATIO"] = "1.5"
	_, err = LoadForTests(env)
	require.Error(t, err)

	env = baseEnv()
	env["STORAGE_DRIVER"] = "memory"
	env["APP_ENV"] = "production"
	env["DATABASE_URL"] = ""
	_, err = LoadForTests(env)
	require.Error(t, err)
}
