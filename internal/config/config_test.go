package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:             "8080",
		Env:              "development",
		LogLevel:         "info",
		BusinessTimezone: "Europe/Moscow",
		OffsetIssueHour:  9,
		InvoicePrefix:    "kf",
		AllocLockTTL:     10 * time.Second,
		AllocLockWait:    5 * time.Second,
		LeaseTTL:         30 * time.Second,
		ScheduleInterval: time.Minute,
		RepairInterval:   2 * time.Minute,
		ShrinkGuardRatio: 0.75,
		ShrinkGuardAbs:   3,
		WALRetention:     72 * time.Hour,
		LedgerBackups:    5,
		URLPollAttempts:  5,
		URLPollDelay:     2 * time.Second,
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_BadTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.BusinessTimezone = "Mars/Olympus"
	require.Error(t, cfg.Validate())
}

func TestValidate_BadShrinkRatio(t *testing.T) {
	for _, ratio := range []float64{0, -0.1, 1.5} {
		cfg := validConfig()
		cfg.ShrinkGuardRatio = ratio
		require.Error(t, cfg.Validate(), "ratio %v should be rejected", ratio)
	}
}

func TestValidate_BadOffsetHour(t *testing.T) {
	cfg := validConfig()
	cfg.OffsetIssueHour = 24
	require.Error(t, cfg.Validate())
}

func TestValidate_NonPositiveDurations(t *testing.T) {
	cfg := validConfig()
	cfg.RepairInterval = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_ExclusiveBackends(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = "postgres://localhost/kassaflow"
	cfg.DataDir = "/var/lib/kassaflow"
	require.Error(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultBusinessTimezone, cfg.BusinessTimezone)
	require.Equal(t, DefaultShrinkRatio, cfg.ShrinkGuardRatio)
	require.Equal(t, 30*time.Second, cfg.LeaseTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LEASE_TTL", "45s")
	t.Setenv("SHRINK_GUARD_RATIO", "0.5")
	t.Setenv("INVOICE_PREFIX", "rcpt")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.LeaseTTL)
	require.Equal(t, 0.5, cfg.ShrinkGuardRatio)
	require.Equal(t, "rcpt", cfg.InvoicePrefix)
}

func TestLoad_InvalidTunableFailsStartup(t *testing.T) {
	t.Setenv("SHRINK_GUARD_RATIO", "2.0")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_UnparseableValueFailsStartup(t *testing.T) {
	cases := map[string]string{
		"SHRINK_GUARD_RATIO":    "abc",
		"LEASE_TTL":             "banana",
		"OFFSET_ISSUE_HOUR":     "nine",
		"SHRINK_GUARD_OVERRIDE": "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), key)
		})
	}
}

func TestBusinessLocation(t *testing.T) {
	cfg := validConfig()
	loc := cfg.BusinessLocation()
	require.Equal(t, "Europe/Moscow", loc.String())
}
