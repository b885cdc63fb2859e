/*
Package config loads the engine configuration.

SOURCES (later wins):
  1. Default()
  2. TOML file, when a path is given
  3. Environment variables prefixed with CREDIT_, e.g.
     CREDIT_SIGNING_KEY, CREDIT_HTTP_ADDR, CREDIT_LEDGER_APPROVAL_THRESHOLD

The signing key is never defaulted. Provide it hex-encoded through
signing.key, signing.key_file or CREDIT_SIGNING_KEY.

Decimal values are written as strings in TOML ("1.5") so they keep their
exact value.
*/
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/calculator"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/journal"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CREDIT_"

type Config struct {
	Journal   JournalConfig   `toml:"journal" envPrefix:"JOURNAL_"`
	Database  DatabaseConfig  `toml:"database" envPrefix:"DATABASE_"`
	Signing   SigningConfig   `toml:"signing" envPrefix:"SIGNING_"`
	Ledger    LedgerConfig    `toml:"ledger" envPrefix:"LEDGER_"`
	Rates     RatesConfig     `toml:"rates" envPrefix:"RATES_"`
	Lifecycle LifecycleConfig `toml:"lifecycle" envPrefix:"LIFECYCLE_"`
	Scheduler SchedulerConfig `toml:"scheduler" envPrefix:"SCHEDULER_"`
	Bus       BusConfig       `toml:"bus" envPrefix:"BUS_"`
	HTTP      HTTPConfig      `toml:"http" envPrefix:"HTTP_"`
	Publish   PublishConfig   `toml:"publish" envPrefix:"PUBLISH_"`
	Log       LogConfig       `toml:"log" envPrefix:"LOG_"`
}

type JournalConfig struct {
	Path        string   `toml:"path" env:"PATH"`
	SyncTimeout Duration `toml:"sync_timeout" env:"SYNC_TIMEOUT"`
}

type DatabaseConfig struct {
	Path string `toml:"path" env:"PATH"`
}

type SigningConfig struct {
	Key     string `toml:"key" env:"KEY"`
	KeyFile string `toml:"key_file" env:"KEY_FILE"`
}

type LedgerConfig struct {
	// ApprovalThreshold gates agent/operator debits above it. Zero disables.
	ApprovalThreshold decimal.Decimal `toml:"approval_threshold" env:"APPROVAL_THRESHOLD"`
	MaxAttempts       int             `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff    Duration        `toml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff        Duration        `toml:"max_backoff" env:"MAX_BACKOFF"`
	WaitTimeout       Duration        `toml:"wait_timeout" env:"WAIT_TIMEOUT"`
}

type RatesConfig struct {
	CreationGrant       decimal.Decimal            `toml:"creation_grant" env:"CREATION_GRANT"`
	CreationCreditType  string                     `toml:"creation_credit_type" env:"CREATION_CREDIT_TYPE"`
	HourlyTax           decimal.Decimal            `toml:"hourly_tax" env:"HOURLY_TAX"`
	UnitCosts           map[string]decimal.Decimal `toml:"unit_costs"`
	PriorityMultipliers map[string]decimal.Decimal `toml:"priority_multipliers"`
}

type LifecycleConfig struct {
	SuspensionThreshold decimal.Decimal `toml:"suspension_threshold" env:"SUSPENSION_THRESHOLD"`
	MaxFailedTaxCycles  int             `toml:"max_failed_tax_cycles" env:"MAX_FAILED_TAX_CYCLES"`
	MaxSuspension       Duration        `toml:"max_suspension" env:"MAX_SUSPENSION"`
	TaxCreditType       string          `toml:"tax_credit_type" env:"TAX_CREDIT_TYPE"`
	BillingPeriod       Duration        `toml:"billing_period" env:"BILLING_PERIOD"`
}

type SchedulerConfig struct {
	Enabled        bool     `toml:"enabled" env:"ENABLED"`
	TaxInterval    Duration `toml:"tax_interval" env:"TAX_INTERVAL"`
	VerifyInterval Duration `toml:"verify_interval" env:"VERIFY_INTERVAL"`
}

type BusConfig struct {
	MailboxSize   int `toml:"mailbox_size" env:"MAILBOX_SIZE"`
	BackfillBatch int `toml:"backfill_batch" env:"BACKFILL_BATCH"`
}

type HTTPConfig struct {
	Addr            string   `toml:"addr" env:"ADDR"`
	AllowedOrigins  []string `toml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type PublishConfig struct {
	// Hook selects the outbound hook: "none", "log" or "redis".
	Hook        string   `toml:"hook" env:"HOOK"`
	RedisAddr   string   `toml:"redis_addr" env:"REDIS_ADDR"`
	RedisPass   string   `toml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB     int      `toml:"redis_db" env:"REDIS_DB"`
	Channel     string   `toml:"channel" env:"CHANNEL"`
	MaxAttempts int      `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	MaxBackoff  Duration `toml:"max_backoff" env:"MAX_BACKOFF"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// Default returns a configuration that runs locally once a key is set.
func Default() Config {
	rates := calculator.DefaultRates()
	costs := make(map[string]decimal.Decimal, len(rates.UnitCosts))
	for ct, v := range rates.UnitCosts {
		costs[string(ct)] = v
	}
	multipliers := make(map[string]decimal.Decimal, len(rates.PriorityMultipliers))
	for p, v := range rates.PriorityMultipliers {
		multipliers[string(p)] = v
	}

	return Config{
		Journal: JournalConfig{
			Path:        "./data/journal.ndjson",
			SyncTimeout: Duration{journal.DefaultSyncTimeout},
		},
		Database: DatabaseConfig{Path: "./data/credit.db"},
		Ledger: LedgerConfig{
			ApprovalThreshold: decimal.Zero,
			MaxAttempts:       5,
			InitialBackoff:    Duration{5 * time.Millisecond},
			MaxBackoff:        Duration{200 * time.Millisecond},
			WaitTimeout:       Duration{2 * time.Second},
		},
		Rates: RatesConfig{
			CreationGrant:       rates.CreationGrant,
			CreationCreditType:  string(rates.CreationCreditType),
			HourlyTax:           rates.HourlyTax,
			UnitCosts:           costs,
			PriorityMultipliers: multipliers,
		},
		Lifecycle: LifecycleConfig{
			SuspensionThreshold: decimal.Zero,
			MaxFailedTaxCycles:  3,
			MaxSuspension:       Duration{72 * time.Hour},
			TaxCreditType:       string(credit.CreditCompute),
			BillingPeriod:       Duration{time.Hour},
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			TaxInterval:    Duration{time.Hour},
			VerifyInterval: Duration{6 * time.Hour},
		},
		Bus: BusConfig{MailboxSize: 256, BackfillBatch: 512},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Publish: PublishConfig{
			Hook:        "none",
			RedisAddr:   "localhost:6379",
			Channel:     "credit-events",
			MaxAttempts: 5,
			MaxBackoff:  Duration{5 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the whole configuration, including the signing key.
func (c Config) Validate() error {
	var errs []error
	if c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := c.SigningKey(); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.ApprovalThreshold.IsNegative() {
		errs = append(errs, errors.New("ledger.approval_threshold must not be negative"))
	}
	if _, err := c.CalculatorRates(); err != nil {
		errs = append(errs, err)
	}
	if _, err := credit.ParseCreditType(c.Lifecycle.TaxCreditType); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle.tax_credit_type: %w", err))
	}
	if c.Lifecycle.BillingPeriod.Duration <= 0 {
		errs = append(errs, errors.New("lifecycle.billing_period must be positive"))
	}
	switch c.Publish.Hook {
	case "", "none", "log":
	case "redis":
		if c.Publish.RedisAddr == "" {
			errs = append(errs, errors.New("publish.redis_addr is required for the redis hook"))
		}
	default:
		errs = append(errs, fmt.Errorf("publish.hook: unknown hook %q", c.Publish.Hook))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SigningKey returns the decoded journal signing key.
func (c Config) SigningKey() ([]byte, error) {
	raw := c.Signing.Key
	if raw == "" && c.Signing.KeyFile != "" {
		b, err := os.ReadFile(c.Signing.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read signing key file: %w", err)
		}
		raw = string(b)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("signing key is required (signing.key, signing.key_file or " + EnvPrefix + "SIGNING_KEY)")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("signing key must be hex: %w", err)
	}
	if len(key) < journal.MinKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", journal.MinKeyLength, len(key))
	}
	return key, nil
}

// CalculatorRates converts the rates section and validates it.
func (c Config) CalculatorRates() (calculator.Rates, error) {
	ct, err := credit.ParseCreditType(c.Rates.CreationCreditType)
	if err != nil {
		return calculator.Rates{}, fmt.Errorf("rates.creation_credit_type: %w", err)
	}
	r := calculator.Rates{
		CreationGrant:       c.Rates.CreationGrant,
		CreationCreditType:  ct,
		HourlyTax:           c.Rates.HourlyTax,
		UnitCosts:           make(map[credit.CreditType]decimal.Decimal, len(c.Rates.UnitCosts)),
		PriorityMultipliers: make(map[calculator.Priority]decimal.Decimal, len(c.Rates.PriorityMultipliers)),
	}
	for k, v := range c.Rates.UnitCosts {
		unit, err := credit.ParseCreditType(k)
		if err != nil {
			return calculator.Rates{}, fmt.Errorf("rates.unit_costs: %w", err)
		}
		r.UnitCosts[unit] = v
	}
	for k, v := range c.Rates.PriorityMultipliers {
		r.PriorityMultipliers[calculator.Priority(k)] = v
	}
	if err := r.Validate(); err != nil {
		return calculator.Rates{}, fmt.Errorf("rates: %w", err)
	}
	return r, nil
}

// Logger builds the process logger.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Duration reads "90s" style values from TOML and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
