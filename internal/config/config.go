// Package config holds the runtime configuration for the control plane.
//
// Configuration is read from the environment (DWCTL_* variables) with an
// optional YAML overlay file for settings that are awkward as env vars.
// Precedence: explicitly-set environment variables win over the overlay,
// and the overlay wins over struct-tag defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultProxyHeader is the SSO proxy header carrying the caller's email.
const DefaultProxyHeader = "X-Doubleword-User"

// Config is the full runtime configuration.
type Config struct {
	// ListenAddr is the data-plane bind address.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":3001" yaml:"listen_addr"`
	// Host and Port identify this instance in analytics rows.
	Host string `envconfig:"HOST" default:"localhost" yaml:"host"`
	Port int    `envconfig:"PORT" default:"3001" yaml:"port"`

	// LogLevel is one of debug/info/warn/error; LogFormat is json or text.
	LogLevel  string `envconfig:"LOG_LEVEL" yaml:"log_level"`
	LogFormat string `envconfig:"LOG_FORMAT" yaml:"log_format"`

	// DatabaseURL is the write handle DSN. Postgres URLs (postgres://...)
	// select the Postgres dialect; anything else is treated as a SQLite path.
	DatabaseURL string `envconfig:"DATABASE_URL" yaml:"database_url"`
	// DatabaseReadURL is the read-replica DSN; defaults to DatabaseURL.
	DatabaseReadURL string `envconfig:"DATABASE_READ_URL" yaml:"database_read_url"`

	// AdminEmail identifies the bootstrap admin account.
	AdminEmail string `envconfig:"ADMIN_EMAIL" yaml:"admin_email"`
	// SecretKey authenticates admin-plane requests.
	SecretKey string `envconfig:"SECRET_KEY" yaml:"secret_key"`

	// ProxyHeaderName is the SSO header whose value is the caller's email.
	ProxyHeaderName string `envconfig:"PROXY_HEADER_NAME" yaml:"proxy_header_name"`

	// EscalationModels lists aliases that batch-purpose keys implicitly access.
	EscalationModels []string `envconfig:"ESCALATION_MODELS" yaml:"escalation_models"`

	// StrictMode rejects requests outside the known OpenAI-compatible schema.
	StrictMode bool `envconfig:"STRICT_MODE" yaml:"strict_mode"`

	// Feature flags.
	EnableMetrics        bool `envconfig:"ENABLE_METRICS" default:"true" yaml:"enable_metrics"`
	EnableRequestLogging bool `envconfig:"ENABLE_REQUEST_LOGGING" default:"true" yaml:"enable_request_logging"`
	EnableAnalytics      bool `envconfig:"ENABLE_ANALYTICS" default:"true" yaml:"enable_analytics"`

	// SyncDebounce is the minimum interval between target reloads.
	SyncDebounce time.Duration `envconfig:"SYNC_DEBOUNCE" default:"100ms" yaml:"sync_debounce"`
	// SyncFallbackInterval is the periodic full-resync interval; 0 disables.
	SyncFallbackInterval time.Duration `envconfig:"SYNC_FALLBACK_INTERVAL" default:"10s" yaml:"sync_fallback_interval"`

	// CompactionInterval drives periodic balance-checkpoint compaction;
	// 0 disables.
	CompactionInterval time.Duration `envconfig:"COMPACTION_INTERVAL" default:"1h" yaml:"compaction_interval"`
}

// Load reads configuration from DWCTL_* environment variables, merging the
// YAML overlay at path when path is non-empty. envconfig applies struct-tag
// defaults for every unset env var, so the overlay is merged afterwards and
// only fields whose env var is genuinely present keep the env value.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("dwctl", &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if path != "" {
		if err := applyOverlay(&cfg, path); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overlayFile mirrors Config with pointer fields so a key's presence in the
// YAML file is distinguishable from its zero value. Durations are strings
// ("10s") since yaml.v3 has no native time.Duration support.
type overlayFile struct {
	ListenAddr           *string  `yaml:"listen_addr"`
	Host                 *string  `yaml:"host"`
	Port                 *int     `yaml:"port"`
	LogLevel             *string  `yaml:"log_level"`
	LogFormat            *string  `yaml:"log_format"`
	DatabaseURL          *string  `yaml:"database_url"`
	DatabaseReadURL      *string  `yaml:"database_read_url"`
	AdminEmail           *string  `yaml:"admin_email"`
	SecretKey            *string  `yaml:"secret_key"`
	ProxyHeaderName      *string  `yaml:"proxy_header_name"`
	EscalationModels     []string `yaml:"escalation_models"`
	StrictMode           *bool    `yaml:"strict_mode"`
	EnableMetrics        *bool    `yaml:"enable_metrics"`
	EnableRequestLogging *bool    `yaml:"enable_request_logging"`
	EnableAnalytics      *bool    `yaml:"enable_analytics"`
	SyncDebounce         *string  `yaml:"sync_debounce"`
	SyncFallbackInterval *string  `yaml:"sync_fallback_interval"`
	CompactionInterval   *string  `yaml:"compaction_interval"`
}

// applyOverlay merges the YAML file into cfg. A field is taken from the
// overlay iff its key appears in the file and its DWCTL_* env var is unset:
// this stops envconfig's tag-default application (which runs for every absent
// env var) from clobbering overlay values.
func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var o overlayFile
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parsing YAML config: %w", err)
	}

	envSet := func(key string) bool {
		_, ok := os.LookupEnv("DWCTL_" + key)
		return ok
	}
	setString := func(dst *string, v *string, envKey string) {
		if v != nil && !envSet(envKey) {
			*dst = *v
		}
	}
	setInt := func(dst *int, v *int, envKey string) {
		if v != nil && !envSet(envKey) {
			*dst = *v
		}
	}
	setBool := func(dst *bool, v *bool, envKey string) {
		if v != nil && !envSet(envKey) {
			*dst = *v
		}
	}
	setDuration := func(dst *time.Duration, v *string, yamlKey, envKey string) error {
		if v == nil || envSet(envKey) {
			return nil
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", yamlKey, err)
		}
		*dst = d
		return nil
	}

	setString(&cfg.ListenAddr, o.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Host, o.Host, "HOST")
	setInt(&cfg.Port, o.Port, "PORT")
	setString(&cfg.LogLevel, o.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, o.LogFormat, "LOG_FORMAT")
	setString(&cfg.DatabaseURL, o.DatabaseURL, "DATABASE_URL")
	setString(&cfg.DatabaseReadURL, o.DatabaseReadURL, "DATABASE_READ_URL")
	setString(&cfg.AdminEmail, o.AdminEmail, "ADMIN_EMAIL")
	setString(&cfg.SecretKey, o.SecretKey, "SECRET_KEY")
	setString(&cfg.ProxyHeaderName, o.ProxyHeaderName, "PROXY_HEADER_NAME")
	if o.EscalationModels != nil && !envSet("ESCALATION_MODELS") {
		cfg.EscalationModels = o.EscalationModels
	}
	setBool(&cfg.StrictMode, o.StrictMode, "STRICT_MODE")
	setBool(&cfg.EnableMetrics, o.EnableMetrics, "ENABLE_METRICS")
	setBool(&cfg.EnableRequestLogging, o.EnableRequestLogging, "ENABLE_REQUEST_LOGGING")
	setBool(&cfg.EnableAnalytics, o.EnableAnalytics, "ENABLE_ANALYTICS")
	if err := setDuration(&cfg.SyncDebounce, o.SyncDebounce, "sync_debounce", "SYNC_DEBOUNCE"); err != nil {
		return err
	}
	if err := setDuration(&cfg.SyncFallbackInterval, o.SyncFallbackInterval, "sync_fallback_interval", "SYNC_FALLBACK_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&cfg.CompactionInterval, o.CompactionInterval, "compaction_interval", "COMPACTION_INTERVAL"); err != nil {
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ProxyHeaderName == "" {
		cfg.ProxyHeaderName = DefaultProxyHeader
	}
	if cfg.DatabaseReadURL == "" {
		cfg.DatabaseReadURL = cfg.DatabaseURL
	}
	for i, alias := range cfg.EscalationModels {
		cfg.EscalationModels[i] = strings.TrimSpace(alias)
	}
}

// Validate checks a Config for correctness.
func Validate(cfg Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database URL is required")
	}
	if cfg.SyncDebounce < 0 {
		return fmt.Errorf("sync debounce must not be negative")
	}
	if cfg.SyncFallbackInterval < 0 {
		return fmt.Errorf("sync fallback interval must not be negative")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	return nil
}
