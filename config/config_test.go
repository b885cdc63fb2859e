package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/calculator"
	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credit"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credit.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValidOnceKeyIsSet(t *testing.T) {
	cfg := config.Default()
	assert.Error(t, cfg.Validate(), "no signing key")

	cfg.Signing.Key = testKey
	require.NoError(t, cfg.Validate())

	rates, err := cfg.CalculatorRates()
	require.NoError(t, err)
	assert.True(t, rates.CreationGrant.Equal(calculator.DefaultRates().CreationGrant))
	assert.True(t, rates.PriorityMultipliers[calculator.PriorityNormal].Equal(decimal.RequireFromString("1.5")))
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	// GIVEN: A TOML file and an environment override of one of its values
	// WHEN: The configuration is loaded
	// THEN: File values replace defaults and the environment wins over both

	path := writeFile(t, `
[journal]
path = "/var/lib/credit/journal.ndjson"
sync_timeout = "500ms"

[signing]
key = "`+testKey+`"

[ledger]
approval_threshold = "500"

[rates]
creation_grant = "3"
hourly_tax = "5"

[rates.unit_costs]
CC = "0.25"

[lifecycle]
max_failed_tax_cycles = 2
max_suspension = "24h"

[http]
addr = ":9000"
`)
	t.Setenv("CREDIT_HTTP_ADDR", ":9100")
	t.Setenv("CREDIT_LEDGER_MAX_ATTEMPTS", "9")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/credit/journal.ndjson", cfg.Journal.Path)
	assert.Equal(t, 500*time.Millisecond, cfg.Journal.SyncTimeout.Duration)
	assert.True(t, cfg.Ledger.ApprovalThreshold.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 9, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 2, cfg.Lifecycle.MaxFailedTaxCycles)
	assert.Equal(t, 24*time.Hour, cfg.Lifecycle.MaxSuspension.Duration)
	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.Equal(t, "./data/credit.db", cfg.Database.Path, "untouched defaults survive")

	rates, err := cfg.CalculatorRates()
	require.NoError(t, err)
	assert.True(t, rates.CreationGrant.Equal(decimal.NewFromInt(3)))
	assert.True(t, rates.UnitCosts[credit.CreditCompute].Equal(decimal.RequireFromString("0.25")))
}

func TestLoad_KeyFromEnvironmentOnly(t *testing.T) {
	t.Setenv("CREDIT_SIGNING_KEY", testKey)

	cfg, err := config.Load("")
	require.NoError(t, err)

	key, err := cfg.SigningKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoad_KeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "signing.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(testKey+"\n"), 0o600))
	t.Setenv("CREDIT_SIGNING_KEY_FILE", keyPath)

	cfg, err := config.Load("")
	require.NoError(t, err)
	key, err := cfg.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, byte(0x1f), key[31])
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[journal]\npaht = \"x\"\n[signing]\nkey = \"" + testKey + "\"", "unknown keys"},
		{"key not hex", "[signing]\nkey = \"not-hex-at-all\"", "hex"},
		{"key too short", "[signing]\nkey = \"0102\"", "at least"},
		{"bad credit type", "[signing]\nkey = \"" + testKey + "\"\n[rates]\ncreation_credit_type = \"XX\"", "creation_credit_type"},
		{"negative threshold", "[signing]\nkey = \"" + testKey + "\"\n[ledger]\napproval_threshold = \"-1\"", "approval_threshold"},
		{"unknown hook", "[signing]\nkey = \"" + testKey + "\"\n[publish]\nhook = \"kafka\"", "kafka"},
		{"bad duration", "[signing]\nkey = \"" + testKey + "\"\n[journal]\nsync_timeout = \"soon\"", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLogConfig_Logger(t *testing.T) {
	logger := config.LogConfig{Level: "debug", Format: "json"}.Logger(os.Stderr)
	require.NotNil(t, logger)
	assert.True(t, logger.Handler().Enabled(t.Context(), slog.LevelDebug))
}
