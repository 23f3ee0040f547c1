// Package config provides process configuration for the billing engine.
// It layers defaults, an optional YAML file, a .env file and BILLING_*
// environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/tuition"
)

// Config represents the application configuration.
type Config struct {
	DBPath      string        `yaml:"db"`
	Port        int           `yaml:"port"`
	Timezone    string        `yaml:"timezone"`
	Locale      string        `yaml:"locale"`
	Currency    string        `yaml:"currency"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	CORSOrigins []string      `yaml:"cors_origins"`
	PolicyFile  string        `yaml:"policy_file"`
	Billing     BillingConfig `yaml:"billing"`
}

// BillingConfig holds engine knobs. PolicyFile, when set, is loaded by
// the factory package and takes precedence over these.
type BillingConfig struct {
	SiblingPolicy  string `yaml:"sibling_policy"`
	SiblingPercent string `yaml:"sibling_percent"`
	MaxPayment     int64  `yaml:"max_payment"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DBPath:      "./data/billing.db",
		Port:        8080,
		Timezone:    generic.DefaultTimezone,
		Locale:      "vi-VN",
		Currency:    "VND",
		LogLevel:    "info",
		LogFormat:   "text",
		CORSOrigins: []string{"*"},
		Billing: BillingConfig{
			SiblingPolicy:  "earliest_enrollment",
			SiblingPercent: tuition.DefaultSiblingPercent.String(),
			MaxPayment:     int64(tuition.DefaultMaxPayment),
			MaxRetries:     tuition.DefaultMaxRetries,
		},
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// BILLING_CONFIG is consulted after the .env file has been read. A missing
// .env is not an error; a missing YAML file that was asked for is.
func Load(path string) (*Config, error) {
	// Try to load .env from current directory (ignore error if not found)
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("BILLING_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DBPath = getEnvOrDefault("BILLING_DB", c.DBPath)
	c.Timezone = getEnvOrDefault("BILLING_TIMEZONE", c.Timezone)
	c.Locale = getEnvOrDefault("BILLING_LOCALE", c.Locale)
	c.Currency = getEnvOrDefault("BILLING_CURRENCY", c.Currency)
	c.LogLevel = getEnvOrDefault("BILLING_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault("BILLING_LOG_FORMAT", c.LogFormat)
	c.PolicyFile = getEnvOrDefault("BILLING_POLICY_FILE", c.PolicyFile)
	c.Billing.SiblingPolicy = getEnvOrDefault("BILLING_SIBLING_POLICY", c.Billing.SiblingPolicy)
	c.Billing.SiblingPercent = getEnvOrDefault("BILLING_SIBLING_PERCENT", c.Billing.SiblingPercent)

	if v := os.Getenv("BILLING_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}

	port, err := parseInt64Env("BILLING_PORT", int64(c.Port))
	if err != nil {
		return err
	}
	c.Port = int(port)

	if c.Billing.MaxPayment, err = parseInt64Env("BILLING_MAX_PAYMENT", c.Billing.MaxPayment); err != nil {
		return err
	}

	retries, err := parseInt64Env("BILLING_MAX_RETRIES", int64(c.Billing.MaxRetries))
	if err != nil {
		return err
	}
	c.Billing.MaxRetries = int(retries)
	return nil
}

// Validate checks every field that can be checked without opening the
// database.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db: required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port: %d out of range", c.Port))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := language.Parse(c.Locale); err != nil {
		errs = append(errs, fmt.Errorf("locale: %w", err))
	}
	if _, err := currency.ParseISO(c.Currency); err != nil {
		errs = append(errs, fmt.Errorf("currency: %w", err))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: %q is not text or json", c.LogFormat))
	}
	if pct, err := c.SiblingPercent(); err != nil {
		errs = append(errs, fmt.Errorf("sibling_percent: %w", err))
	} else if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("sibling_percent: %s outside 0..100", pct))
	}
	if c.Billing.MaxPayment <= 0 {
		errs = append(errs, fmt.Errorf("max_payment: must be positive"))
	}
	if c.Billing.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("max_retries: must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Location is the reference timezone every month boundary is cut in.
func (c *Config) Location() (*time.Location, error) {
	return generic.LoadLocation(c.Timezone)
}

func (c *Config) SiblingPercent() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Billing.SiblingPercent)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseInt64Env parses an int64 from an environment variable.
// Returns defaultValue if the environment variable is not set.
func parseInt64Env(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value for %s: %s", key, value)
	}

	return parsed, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
