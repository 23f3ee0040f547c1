package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/generic"
)

var billingEnv = []string{
	"BILLING_CONFIG", "BILLING_DB", "BILLING_PORT", "BILLING_TIMEZONE", "BILLING_LOCALE",
	"BILLING_CURRENCY", "BILLING_LOG_LEVEL", "BILLING_LOG_FORMAT", "BILLING_POLICY_FILE",
	"BILLING_SIBLING_POLICY", "BILLING_SIBLING_PERCENT", "BILLING_MAX_PAYMENT",
	"BILLING_MAX_RETRIES", "BILLING_CORS_ORIGINS",
}

// clearEnv blanks every BILLING_* variable; empty counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range billingEnv {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "./data/billing.db", cfg.DBPath)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, generic.DefaultTimezone, cfg.Timezone)
	assert.Equal(t, "VND", cfg.Currency)
	assert.Equal(t, "earliest_enrollment", cfg.Billing.SiblingPolicy)
	assert.Equal(t, 5, cfg.Billing.MaxRetries)

	pct, err := cfg.SiblingPercent()
	require.NoError(t, err)
	assert.True(t, pct.Equal(decimal.NewFromInt(20)))

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A YAML file setting port, policy and percent
	// WHEN: BILLING_PORT is also set
	// THEN: The environment wins; the rest comes from the file

	clearEnv(t)
	dir := t.TempDir()
	chdir(t, dir)
	path := writeFile(t, dir, "billing.yaml", `
db: /var/lib/billing.db
port: 9000
timezone: UTC
log_level: debug
cors_origins: [https://office.example]
billing:
  sibling_policy: incumbent
  sibling_percent: "15.5"
  max_retries: 3
`)
	t.Setenv("BILLING_PORT", "9100")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/billing.db", cfg.DBPath)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "incumbent", cfg.Billing.SiblingPolicy)
	assert.Equal(t, 3, cfg.Billing.MaxRetries)
	assert.Equal(t, []string{"https://office.example"}, cfg.CORSOrigins)

	pct, err := cfg.SiblingPercent()
	require.NoError(t, err)
	assert.True(t, pct.Equal(decimal.RequireFromString("15.5")))

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("BILLING_CONFIG", writeFile(t, dir, "b.yaml", "currency: USD\n"))
	t.Setenv("BILLING_CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	chdir(t, dir)
	// godotenv leaves variables that already exist, blank or not, alone.
	require.NoError(t, os.Unsetenv("BILLING_MAX_RETRIES"))
	t.Cleanup(func() { os.Unsetenv("BILLING_MAX_RETRIES") })
	writeFile(t, dir, ".env", "BILLING_MAX_RETRIES=7\n")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Billing.MaxRetries)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port not a number", map[string]string{"BILLING_PORT": "http"}},
		{"port out of range", map[string]string{"BILLING_PORT": "70000"}},
		{"unknown timezone", map[string]string{"BILLING_TIMEZONE": "Mars/Olympus"}},
		{"bad currency", map[string]string{"BILLING_CURRENCY": "DOLLARS"}},
		{"bad locale", map[string]string{"BILLING_LOCALE": "not a locale!"}},
		{"percent over 100", map[string]string{"BILLING_SIBLING_PERCENT": "120"}},
		{"percent not a number", map[string]string{"BILLING_SIBLING_PERCENT": "a lot"}},
		{"zero max payment", map[string]string{"BILLING_MAX_PAYMENT": "0"}},
		{"bad log level", map[string]string{"BILLING_LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"BILLING_LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			chdir(t, t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())

	_, err := config.Load("does-not-exist.yaml")
	assert.Error(t, err)
}

// chdir changes the working directory for the test and restores it on
// cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
