// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage. DATABASE_URL selects the PostgreSQL blob backend,
	// DATA_DIR the filesystem backend; neither set means in-memory.
	DatabaseURL string
	DataDir     string

	// Business calendar
	BusinessTimezone string // IANA name, decides "today" for service dates
	OffsetIssueHour  int    // local hour at which offset receipts become due

	// Invoice identifiers
	InvoicePrefix string
	AllocLockTTL  time.Duration
	AllocLockWait time.Duration

	// Workers and leases
	LeaseTTL         time.Duration
	ScheduleInterval time.Duration
	RepairInterval   time.Duration

	// Ledger safety net
	ShrinkGuardRatio    float64
	ShrinkGuardAbs      int
	ShrinkGuardOverride bool
	WALRetention        time.Duration
	LedgerBackups       int

	// Fiscal receipt gateway
	FiscalURL       string
	FiscalLogin     string
	FiscalPassword  string
	FiscalGroup     string
	URLPollAttempts int
	URLPollDelay    time.Duration

	// Payment gateway. PAYGATE_URL selects the HTTP gateway,
	// STRIPE_KEY the Stripe-backed one.
	PaygateURL   string
	PaygateToken string
	StripeKey    string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultBusinessTimezone = "Europe/Moscow"
	DefaultInvoicePrefix    = "kf"
	DefaultOffsetIssueHour  = 9
	DefaultShrinkRatio      = 0.75
	DefaultShrinkAbs        = 3
	DefaultLedgerBackups    = 5
	DefaultURLPollAttempts  = 5
)

// Load reads configuration from the environment and validates it.
// Invalid tunables fail loudly here instead of silently reverting to
// defaults at the point of use.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DataDir:             os.Getenv("DATA_DIR"),
		BusinessTimezone:    getEnv("TZ_BUSINESS", DefaultBusinessTimezone),
		OffsetIssueHour:     env.Int("OFFSET_ISSUE_HOUR", DefaultOffsetIssueHour),
		InvoicePrefix:       getEnv("INVOICE_PREFIX", DefaultInvoicePrefix),
		AllocLockTTL:        env.Duration("ALLOC_LOCK_TTL", 10*time.Second),
		AllocLockWait:       env.Duration("ALLOC_LOCK_WAIT", 5*time.Second),
		LeaseTTL:            env.Duration("LEASE_TTL", 30*time.Second),
		ScheduleInterval:    env.Duration("SCHEDULE_INTERVAL", time.Minute),
		RepairInterval:      env.Duration("REPAIR_INTERVAL", 2*time.Minute),
		ShrinkGuardRatio:    env.Float("SHRINK_GUARD_RATIO", DefaultShrinkRatio),
		ShrinkGuardAbs:      env.Int("SHRINK_GUARD_ABS", DefaultShrinkAbs),
		ShrinkGuardOverride: env.Bool("SHRINK_GUARD_OVERRIDE", false),
		WALRetention:        env.Duration("WAL_RETENTION", 72*time.Hour),
		LedgerBackups:       env.Int("LEDGER_BACKUPS", DefaultLedgerBackups),
		FiscalURL:           os.Getenv("FISCAL_URL"),
		FiscalLogin:         os.Getenv("FISCAL_LOGIN"),
		FiscalPassword:      os.Getenv("FISCAL_PASSWORD"),
		FiscalGroup:         os.Getenv("FISCAL_GROUP"),
		URLPollAttempts:     env.Int("URL_POLL_ATTEMPTS", DefaultURLPollAttempts),
		URLPollDelay:        env.Duration("URL_POLL_DELAY", 2*time.Second),
		PaygateURL:          os.Getenv("PAYGATE_URL"),
		PaygateToken:        os.Getenv("PAYGATE_TOKEN"),
		StripeKey:           os.Getenv("STRIPE_KEY"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all tunables are in range
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.BusinessTimezone); err != nil {
		return fmt.Errorf("TZ_BUSINESS %q is not a valid timezone: %w", c.BusinessTimezone, err)
	}
	if c.OffsetIssueHour < 0 || c.OffsetIssueHour > 23 {
		return fmt.Errorf("OFFSET_ISSUE_HOUR must be in [0,23], got %d", c.OffsetIssueHour)
	}
	if c.InvoicePrefix == "" {
		return fmt.Errorf("INVOICE_PREFIX must not be empty")
	}
	if c.ShrinkGuardRatio <= 0 || c.ShrinkGuardRatio > 1 {
		return fmt.Errorf("SHRINK_GUARD_RATIO must be in (0,1], got %v", c.ShrinkGuardRatio)
	}
	if c.ShrinkGuardAbs < 0 {
		return fmt.Errorf("SHRINK_GUARD_ABS must be >= 0, got %d", c.ShrinkGuardAbs)
	}
	if c.LedgerBackups < 1 {
		return fmt.Errorf("LEDGER_BACKUPS must be >= 1, got %d", c.LedgerBackups)
	}
	if c.URLPollAttempts < 1 {
		return fmt.Errorf("URL_POLL_ATTEMPTS must be >= 1, got %d", c.URLPollAttempts)
	}
	for name, d := range map[string]time.Duration{
		"ALLOC_LOCK_TTL":    c.AllocLockTTL,
		"ALLOC_LOCK_WAIT":   c.AllocLockWait,
		"LEASE_TTL":         c.LeaseTTL,
		"SCHEDULE_INTERVAL": c.ScheduleInterval,
		"REPAIR_INTERVAL":   c.RepairInterval,
		"WAL_RETENTION":     c.WALRetention,
		"URL_POLL_DELAY":    c.URLPollDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.DatabaseURL != "" && c.DataDir != "" {
		return fmt.Errorf("DATABASE_URL and DATA_DIR are mutually exclusive")
	}
	return nil
}

// BusinessLocation returns the parsed business timezone.
// Validate has already checked that it loads.
func (c *Config) BusinessLocation() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed environment values. A value that is present
// but unparseable records an error and fails Load; misconfiguration
// must not silently revert to defaults.
type envReader struct {
	err error
}

func (r *envReader) record(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s=%q is not a valid value: %w", key, value, err)
	}
}

func (r *envReader) Int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		r.record(key, value, err)
		return defaultValue
	}
	return i
}

func (r *envReader) Float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.record(key, value, err)
		return defaultValue
	}
	return f
}

func (r *envReader) Bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.record(key, value, err)
		return defaultValue
	}
	return b
}

func (r *envReader) Duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.record(key, value, err)
		return defaultValue
	}
	return d
}
