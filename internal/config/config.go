// Package config provides configuration loading and validation for the ETL
// engine. It uses koanf to merge environment variables with optional file
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the ETL engine.
type Config struct {
	// Server settings (used by `etl serve`)
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Timezone is the reference timezone used to resolve the default
	// "yesterday" window, e.g. "UTC" or "Asia/Manila".
	Timezone string `koanf:"timezone"`

	// Tenants whose marts are materialized. Empty means the built-in set.
	Tenants []string `koanf:"tenants"`

	// MartWorkers bounds concurrent per-tenant mart materialization.
	MartWorkers int `koanf:"mart_workers"`

	// Tracing settings for OTLP span export.
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL       = errors.New("DATABASE_URL is required")
	ErrInvalidPort              = errors.New("PORT must be a valid integer")
	ErrInvalidTimezone          = errors.New("TIMEZONE must be a valid IANA zone name")
	ErrInvalidMartWorkers       = errors.New("MART_WORKERS must be a positive integer")
	ErrInvalidTracingEnabled    = errors.New("TRACING_ENABLED must be a boolean")
	ErrInvalidTracingInsecure   = errors.New("TRACING_INSECURE must be a boolean")
	ErrInvalidTracingSampleRate = errors.New("TRACING_SAMPLE_RATE must be a number between 0 and 1")
)

// Default values for non-secret configuration.
const (
	DefaultPort              = 8080
	DefaultEnv               = "development"
	DefaultTimezone          = "UTC"
	DefaultMartWorkers       = 4
	DefaultTracingExporter   = "otlp-http"
	DefaultTracingSampleRate = 0.1
)

// Load reads configuration from environment variables and an optional config
// file. Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is
// returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, portErr := getEnvIntOrDefault("PORT", k.Int("port"), DefaultPort, ErrInvalidPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	workers, workersErr := getEnvIntOrDefault("MART_WORKERS", k.Int("mart_workers"), DefaultMartWorkers, ErrInvalidMartWorkers)
	if workersErr != nil {
		loadErrs = append(loadErrs, workersErr)
	}

	tracingEnabled, tracingErr := getEnvBoolOrKoanf("TRACING_ENABLED", k.Bool("tracing_enabled"), ErrInvalidTracingEnabled)
	if tracingErr != nil {
		loadErrs = append(loadErrs, tracingErr)
	}

	tracingInsecure, insecureErr := getEnvBoolOrKoanf("TRACING_INSECURE", k.Bool("tracing_insecure"), ErrInvalidTracingInsecure)
	if insecureErr != nil {
		loadErrs = append(loadErrs, insecureErr)
	}

	sampleRate, rateErr := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate, ErrInvalidTracingSampleRate)
	if rateErr != nil {
		loadErrs = append(loadErrs, rateErr)
	}

	cfg := &Config{
		Port:        port,
		Env:         getEnvOrDefaultMulti([]string{"INTEGREAT_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL: getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		Timezone:    getEnvOrDefault("TIMEZONE", k.String("timezone"), DefaultTimezone),
		Tenants:     getEnvListOrKoanf("TENANTS", k, "tenants"),
		MartWorkers: workers,

		TracingEnabled:    tracingEnabled,
		TracingExporter:   getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:      getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSampleRate: sampleRate,
		TracingInsecure:   tracingInsecure,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvListOrKoanf returns a comma-separated environment variable as a list
// if set, otherwise the koanf string slice.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	if val := os.Getenv(envKey); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return k.Strings(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// A parse failure wraps the caller's sentinel, so each setting keeps its own error identity.
// Note: A value of 0 from a YAML file will fall back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int, sentinel error) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%w: got %q", sentinel, val)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBoolOrKoanf returns the environment variable as bool if set,
// otherwise the koanf value. A parse failure wraps the caller's sentinel.
func getEnvBoolOrKoanf(envKey string, koanfVal bool, sentinel error) (bool, error) {
	if val := os.Getenv(envKey); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false, fmt.Errorf("%w: got %q", sentinel, val)
		}
		return b, nil
	}
	return koanfVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set,
// otherwise the koanf value, or default. A parse failure wraps the caller's
// sentinel. Note: a value of 0 from a YAML file will fall back to the default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64, sentinel error) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: got %q", sentinel, val)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidTimezone, c.Timezone))
	}
	if c.MartWorkers <= 0 {
		errs = append(errs, ErrInvalidMartWorkers)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("%w: got %g", ErrInvalidTracingSampleRate, c.TracingSampleRate))
	}

	return errs
}

// Location returns the reference timezone. Falls back to UTC if the
// configured zone does not load; Validate reports that case as an error.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LogSummary returns a summary of the configuration suitable for logging.
// The database URL is masked to prevent accidental credential exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":         fmt.Sprintf("%d", c.Port),
		"env":          c.Env,
		"database_url": maskDatabaseURL(c.DatabaseURL),
		"timezone":     c.Timezone,
		"tenants":      strings.Join(c.Tenants, ","),
		"mart_workers": fmt.Sprintf("%d", c.MartWorkers),

		"tracing_enabled":     strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":    c.TracingExporter,
		"otlp_endpoint":       c.OTLPEndpoint,
		"tracing_sample_rate": fmt.Sprintf("%g", c.TracingSampleRate),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a database URL.
// Supports both postgres:// and postgresql:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
