// Package config handles application configuration from an optional YAML
// file and environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Scoring upstream
	ScoringAPIURL      string
	MinRequestInterval time.Duration
	MaxAttempts        int
	BaseBackoff        time.Duration
	HTTPTimeout        time.Duration
	BreakerThreshold   int
	BreakerCooldown    time.Duration

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply pending migrations at startup

	// Security
	RateLimitRPM int
	CORSOrigins  []string // "*" allows any origin

	// Tracing
	OTelEndpoint    string  // empty disables export
	OTelSampleRatio float64 // fraction of root traces kept

	// Mock scorer
	MockScorerPort string
	MockScorerRPM  int
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultScoringAPIURL      = "http://localhost:8000"
	DefaultMinRequestInterval = 2 * time.Second
	DefaultMaxAttempts        = 3
	DefaultBaseBackoff        = time.Second
	DefaultHTTPTimeout        = 30 * time.Second
	DefaultBreakerThreshold   = 5
	DefaultBreakerCooldown    = 30 * time.Second
	DefaultRateLimit          = 120
	DefaultMockScorerPort     = "8000"
	DefaultMockScorerRPM      = 20
)

// FileEnvVar names the environment variable pointing at a YAML config file.
const FileEnvVar = "FRAUDLENS_CONFIG"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:               DefaultPort,
		Env:                DefaultEnv,
		LogLevel:           DefaultLogLevel,
		LogFormat:          DefaultLogFormat,
		ScoringAPIURL:      DefaultScoringAPIURL,
		MinRequestInterval: DefaultMinRequestInterval,
		MaxAttempts:        DefaultMaxAttempts,
		BaseBackoff:        DefaultBaseBackoff,
		HTTPTimeout:        DefaultHTTPTimeout,
		BreakerThreshold:   DefaultBreakerThreshold,
		BreakerCooldown:    DefaultBreakerCooldown,
		RateLimitRPM:       DefaultRateLimit,
		CORSOrigins:        []string{"*"},
		OTelSampleRatio:    1,
		MockScorerPort:     DefaultMockScorerPort,
		MockScorerRPM:      DefaultMockScorerRPM,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// FRAUDLENS_CONFIG, then environment variables.
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv(FileEnvVar); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig mirrors Config for YAML. Durations are Go duration strings.
type fileConfig struct {
	Server struct {
		Port      string `yaml:"port"`
		Env       string `yaml:"env"`
		LogLevel  string `yaml:"log_level"`
		LogFormat string `yaml:"log_format"`
		RateLimit int      `yaml:"rate_limit_rpm"`
		CORS      []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Scoring struct {
		URL                string `yaml:"url"`
		MinRequestInterval string `yaml:"min_request_interval"`
		MaxAttempts        int    `yaml:"max_attempts"`
		BaseBackoff        string `yaml:"base_backoff"`
		HTTPTimeout        string `yaml:"http_timeout"`
		BreakerThreshold   int    `yaml:"breaker_threshold"`
		BreakerCooldown    string `yaml:"breaker_cooldown"`
	} `yaml:"scoring"`
	Database struct {
		URL         string `yaml:"url"`
		AutoMigrate *bool  `yaml:"auto_migrate"`
	} `yaml:"database"`
	Tracing struct {
		Endpoint    string   `yaml:"otlp_endpoint"`
		SampleRatio *float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`
	MockScorer struct {
		Port string `yaml:"port"`
		RPM  int    `yaml:"rpm"`
	} `yaml:"mock_scorer"`
}

// LoadFile overlays the YAML file at path. Absent keys leave values alone.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF.
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.Port, fc.Server.Port)
	setString(&c.Env, fc.Server.Env)
	setString(&c.LogLevel, fc.Server.LogLevel)
	setString(&c.LogFormat, fc.Server.LogFormat)
	setInt(&c.RateLimitRPM, fc.Server.RateLimit)
	if len(fc.Server.CORS) > 0 {
		c.CORSOrigins = fc.Server.CORS
	}
	setString(&c.ScoringAPIURL, fc.Scoring.URL)
	setInt(&c.MaxAttempts, fc.Scoring.MaxAttempts)
	setInt(&c.BreakerThreshold, fc.Scoring.BreakerThreshold)
	setString(&c.DatabaseURL, fc.Database.URL)
	if fc.Database.AutoMigrate != nil {
		c.AutoMigrate = *fc.Database.AutoMigrate
	}
	setString(&c.OTelEndpoint, fc.Tracing.Endpoint)
	if fc.Tracing.SampleRatio != nil {
		c.OTelSampleRatio = *fc.Tracing.SampleRatio
	}
	setString(&c.MockScorerPort, fc.MockScorer.Port)
	setInt(&c.MockScorerRPM, fc.MockScorer.RPM)

	var errs []error
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"scoring.min_request_interval", fc.Scoring.MinRequestInterval, &c.MinRequestInterval},
		{"scoring.base_backoff", fc.Scoring.BaseBackoff, &c.BaseBackoff},
		{"scoring.http_timeout", fc.Scoring.HTTPTimeout, &c.HTTPTimeout},
		{"scoring.breaker_cooldown", fc.Scoring.BreakerCooldown, &c.BreakerCooldown},
	} {
		if d.raw == "" {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
			continue
		}
		*d.dst = v
	}
	return errors.Join(errs...)
}

// ApplyEnv overrides values from environment variables. Malformed numbers and
// durations are reported rather than ignored.
func (c *Config) ApplyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.ScoringAPIURL = getEnv("SCORING_API_URL", c.ScoringAPIURL)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.OTelEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTelEndpoint)
	c.MockScorerPort = getEnv("MOCK_SCORER_PORT", c.MockScorerPort)
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(getEnvDuration("MIN_REQUEST_INTERVAL", &c.MinRequestInterval))
	collect(getEnvDuration("BASE_BACKOFF", &c.BaseBackoff))
	collect(getEnvDuration("HTTP_TIMEOUT", &c.HTTPTimeout))
	collect(getEnvDuration("BREAKER_COOLDOWN", &c.BreakerCooldown))
	collect(getEnvInt("MAX_ATTEMPTS", &c.MaxAttempts))
	collect(getEnvInt("BREAKER_THRESHOLD", &c.BreakerThreshold))
	collect(getEnvInt("RATE_LIMIT_RPM", &c.RateLimitRPM))
	collect(getEnvInt("MOCK_SCORER_RPM", &c.MockScorerRPM))
	collect(getEnvBool("AUTO_MIGRATE", &c.AutoMigrate))
	collect(getEnvFloat("OTEL_TRACES_SAMPLER_ARG", &c.OTelSampleRatio))
	return errors.Join(errs...)
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.ScoringAPIURL == "" {
		return fmt.Errorf("SCORING_API_URL is required")
	}
	u, err := url.Parse(c.ScoringAPIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("SCORING_API_URL must be an absolute http(s) URL, got %q", c.ScoringAPIURL)
	}
	if c.MinRequestInterval < 0 {
		return fmt.Errorf("MIN_REQUEST_INTERVAL must not be negative")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.BaseBackoff < 0 {
		return fmt.Errorf("BASE_BACKOFF must not be negative")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1")
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be positive")
	}
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1")
	}
	if c.MockScorerRPM < 1 {
		return fmt.Errorf("MOCK_SCORER_RPM must be at least 1")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
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

func getEnvInt(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, value)
	}
	*dst = i
	return nil
}

func getEnvBool(key string, dst *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %q is not a boolean", key, value)
	}
	*dst = b
	return nil
}

func getEnvFloat(key string, dst *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s: %q is not a number", key, value)
	}
	*dst = f
	return nil
}

func getEnvDuration(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := parseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// parseDuration accepts Go duration strings and bare integers as
// milliseconds.
func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a duration", s)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
