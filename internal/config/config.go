// Package config provides configuration loading, validation and live snapshot
// management for the forwarder.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// MaxBatchSize is the hard per-request entity limit of the ingestion API
	MaxBatchSize = 500

	// DefaultEntityAPIURL is the Google SecOps entity batch ingestion endpoint
	DefaultEntityAPIURL = "https://malachiteingestion-pa.googleapis.com/v2/entities:batchCreate"
)

// Configuration keys, as they appear in the configuration file
const (
	KeyFetchInterval         = "fetch_interval"
	KeyFetchPageSize         = "fetch_page_size"
	KeyForwarderBatchSize    = "forwarder_batch_size"
	KeyIOCExpirationDays     = "ioc_expiration_days"
	KeyHistoricalPollingDays = "historical_polling_days"
	KeyLogLevel              = "log_level"
	KeyTestMode              = "test_mode"
	KeyMaxTestEvents         = "max_test_events"
	KeyMISPURL               = "misp_url"
	KeyMISPAPIKey            = "misp_api_key"
	KeyMISPVerifySSL         = "misp_verify_ssl"
	KeyGoogleSACredentials   = "google_sa_credentials"
	KeyGoogleCustomerID      = "google_customer_id"
	KeySecOpsEntityAPIURL    = "secops_entity_api_url"
)

// ErrInvalid is returned when a configuration fails validation
var ErrInvalid = errors.New("invalid configuration")

// envBindings maps connection settings to the environment variables that may supply them.
// Tunables are intentionally absent so that file edits are never shadowed by the environment.
var envBindings = map[string]string{
	KeyMISPURL:             "MISP_URL",
	KeyMISPAPIKey:          "MISP_API_KEY",
	KeyMISPVerifySSL:       "MISP_VERIFY_SSL",
	KeyGoogleSACredentials: "GOOGLE_SA_CREDENTIALS",
	KeyGoogleCustomerID:    "GOOGLE_CUSTOMER_ID",
	KeySecOpsEntityAPIURL:  "SECOPS_ENTITY_API_URL",
}

// defaults holds the value used for every key absent from the file and environment
var defaults = map[string]any{
	KeyFetchInterval:         3600,
	KeyFetchPageSize:         100,
	KeyForwarderBatchSize:    100,
	KeyIOCExpirationDays:     30,
	KeyHistoricalPollingDays: "0",
	KeyLogLevel:              "INFO",
	KeyTestMode:              false,
	KeyMaxTestEvents:         3,
	KeyMISPVerifySSL:         true,
	KeySecOpsEntityAPIURL:    DefaultEntityAPIURL,
}

// Config is an immutable run configuration snapshot.
// A snapshot is never modified once it has been handed to the Manager.
type Config struct {
	// FetchInterval is the polling period in seconds
	FetchInterval int `mapstructure:"fetch_interval" json:"fetch_interval"`

	// FetchPageSize is the number of attributes requested per MISP page
	FetchPageSize int `mapstructure:"fetch_page_size" json:"fetch_page_size"`

	// ForwarderBatchSize is the number of entities per ingestion request (at most 500)
	ForwarderBatchSize int `mapstructure:"forwarder_batch_size" json:"forwarder_batch_size"`

	// IOCExpirationDays is the entity time to live
	IOCExpirationDays int `mapstructure:"ioc_expiration_days" json:"ioc_expiration_days"`

	// HistoricalPollingDays is either a number of days or an absolute YYYY-MM-DD date.
	// "0" and "0000-00-00" disable historical polling.
	HistoricalPollingDays string `mapstructure:"historical_polling_days" json:"historical_polling_days"`

	LogLevel      string `mapstructure:"log_level" json:"log_level"`
	TestMode      bool   `mapstructure:"test_mode" json:"test_mode"`
	MaxTestEvents int    `mapstructure:"max_test_events" json:"max_test_events"`

	MISPURL            string `mapstructure:"misp_url" json:"misp_url"`
	MISPAPIKey         string `mapstructure:"misp_api_key" json:"misp_api_key"`
	MISPVerifySSL      bool   `mapstructure:"misp_verify_ssl" json:"misp_verify_ssl"`
	GoogleSACredential string `mapstructure:"google_sa_credentials" json:"google_sa_credentials"`
	GoogleCustomerID   string `mapstructure:"google_customer_id" json:"google_customer_id"`
	EntityAPIURL       string `mapstructure:"secops_entity_api_url" json:"secops_entity_api_url"`

	// Version is assigned by the Manager when the snapshot becomes current
	Version uint64 `mapstructure:"-" json:"-"`

	// Hash is the SHA-256 of the snapshot content, excluding Version
	Hash string `mapstructure:"-" json:"-"`
}

// Option configures how a configuration is loaded
type Option func(*loaderConfig) error

type loaderConfig struct {
	path      string
	overrides map[string]any
	now       func() time.Time
}

// WithConfigPath loads configuration from a YAML or JSON file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// WithOverrides applies values that take precedence over the file, typically from command line flags.
// Overrides are re-applied on every reload.
func WithOverrides(overrides map[string]any) Option {
	return func(cfg *loaderConfig) error {
		for k := range overrides {
			if _, ok := defaults[k]; !ok && envBindings[k] == "" {
				return fmt.Errorf("unknown configuration key %q", k)
			}
		}
		cfg.overrides = overrides
		return nil
	}
}

// WithClock sets the clock used to validate absolute historical dates
func WithClock(now func() time.Time) Option {
	return func(cfg *loaderConfig) error {
		cfg.now = now
		return nil
	}
}

// LoadConfig reads, decodes and validates a configuration snapshot.
// Validation failures wrap ErrInvalid.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{now: time.Now}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	v := newViper(loaderCfg.overrides)
	v.SetConfigFile(loaderCfg.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return decode(v, loaderCfg.now)
}

// loadFromMap decodes and validates a configuration from raw file content
func loadFromMap(raw map[string]any, now func() time.Time) (*Config, error) {
	v := newViper(nil)
	if err := v.MergeConfigMap(raw); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}
	return decode(v, now)
}

func newViper(overrides map[string]any) *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for k, env := range envBindings {
		// BindEnv only errors on an empty key
		_ = v.BindEnv(k, env)
	}
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v
}

func decode(v *viper.Viper, now func() time.Time) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(cfg.LogLevel))
	cfg.HistoricalPollingDays = strings.TrimSpace(cfg.HistoricalPollingDays)
	cfg.MISPURL = strings.TrimRight(cfg.MISPURL, "/")

	if err := cfg.validateAt(now()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	hash, err := cfg.computeHash()
	if err != nil {
		return nil, err
	}
	cfg.Hash = hash

	return &cfg, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if err := c.validateAt(time.Now()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (c *Config) validateAt(now time.Time) error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.FetchInterval < 1 {
		return fmt.Errorf("%s must be a positive number of seconds, got %d", KeyFetchInterval, c.FetchInterval)
	}
	if c.FetchPageSize < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyFetchPageSize, c.FetchPageSize)
	}
	if c.ForwarderBatchSize < 1 || c.ForwarderBatchSize > MaxBatchSize {
		return fmt.Errorf("%s must be between 1 and %d, got %d", KeyForwarderBatchSize, MaxBatchSize, c.ForwarderBatchSize)
	}
	if c.IOCExpirationDays < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyIOCExpirationDays, c.IOCExpirationDays)
	}
	if _, err := ParseLookback(c.HistoricalPollingDays, now); err != nil {
		return fmt.Errorf("%s: %w", KeyHistoricalPollingDays, err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	if c.TestMode && c.MaxTestEvents < 1 {
		return fmt.Errorf("%s must be at least 1 when test mode is enabled", KeyMaxTestEvents)
	}

	if err := validateURL(KeyMISPURL, c.MISPURL); err != nil {
		return err
	}
	if c.MISPAPIKey == "" {
		return fmt.Errorf("%s is required", KeyMISPAPIKey)
	}
	if c.GoogleSACredential == "" {
		return fmt.Errorf("%s is required", KeyGoogleSACredentials)
	}
	if c.GoogleCustomerID == "" {
		return fmt.Errorf("%s is required", KeyGoogleCustomerID)
	}
	return validateURL(KeySecOpsEntityAPIURL, c.EntityAPIURL)
}

func validateURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}

func (c *Config) computeHash() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal configuration: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Interval returns the polling interval as a duration
func (c *Config) Interval() time.Duration {
	return time.Duration(c.FetchInterval) * time.Second
}

// TTL returns the entity time to live
func (c *Config) TTL() time.Duration {
	return time.Duration(c.IOCExpirationDays) * 24 * time.Hour
}

// Lookback returns the parsed historical polling setting.
// The snapshot was validated on load, so parsing cannot fail for the current clock.
func (c *Config) Lookback(now time.Time) Lookback {
	lb, err := ParseLookback(c.HistoricalPollingDays, now)
	if err != nil {
		return Lookback{}
	}
	return lb
}

// EffectiveBatchSize returns the batch size clamped to the ingestion API limit
func (c *Config) EffectiveBatchSize() int {
	return min(c.ForwarderBatchSize, MaxBatchSize)
}
