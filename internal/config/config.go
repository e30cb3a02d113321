package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration loaded from files and environment variables.
type Config struct {
	AppName        string `mapstructure:"app_name"`
	Env            string `mapstructure:"app_env"`
	LogLevel       string `mapstructure:"log_level"`
	PageURL        string `mapstructure:"page_url"`
	AdaptersFile   string `mapstructure:"adapters_file"`
	PublishersFile string `mapstructure:"publishers_file"`

	ArchiveURL            string        `mapstructure:"archive_url"`
	ArchiveTimeoutSeconds int64         `mapstructure:"archive_timeout_seconds"`
	ArchiveTimeout        time.Duration `mapstructure:"-"`
	CredentialKey         string        `mapstructure:"credential_key"`
	AccessToken           string        `mapstructure:"access_token" json:"-"`

	StorageType                string        `mapstructure:"storage_type"`
	BBoltPath                  string        `mapstructure:"bbolt_path"`
	OutboxEnabled              bool          `mapstructure:"outbox_enabled"`
	OutboxMaxAttempts          int           `mapstructure:"outbox_max_attempts"`
	OutboxRetryIntervalSeconds int64         `mapstructure:"outbox_retry_interval_seconds"`
	OutboxTTLSeconds           int64         `mapstructure:"outbox_ttl_seconds"`
	OutboxRatePerSecond        float64       `mapstructure:"outbox_rate_per_second"`
	OutboxRetryInterval        time.Duration `mapstructure:"-"`
	OutboxTTL                  time.Duration `mapstructure:"-"`

	DebounceMs         int64         `mapstructure:"debounce_ms"`
	DebounceMaxWaitMs  int64         `mapstructure:"debounce_max_wait_ms"`
	AttachIntervalMs   int64         `mapstructure:"attach_interval_ms"`
	SettleMs           int64         `mapstructure:"settle_ms"`
	LivenessIntervalMs int64         `mapstructure:"liveness_interval_ms"`
	Debounce           time.Duration `mapstructure:"-"`
	DebounceMaxWait    time.Duration `mapstructure:"-"`
	AttachInterval     time.Duration `mapstructure:"-"`
	Settle             time.Duration `mapstructure:"-"`
	LivenessInterval   time.Duration `mapstructure:"-"`

	BrowserRemoteURL   string        `mapstructure:"browser_remote_url"`
	BrowserHeadless    bool          `mapstructure:"browser_headless"`
	BrowserOpTimeoutMs int64         `mapstructure:"browser_op_timeout_ms"`
	BrowserOpTimeout   time.Duration `mapstructure:"-"`

	HandoffAddr          string `mapstructure:"handoff_addr"`
	HandoffAllowedOrigin string `mapstructure:"handoff_allowed_origin"`
}

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	_ = godotenv.Load("configs/.env")

	v := viper.New()

	v.SetDefault("app_name", "samvad-conversation-capturer")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("page_url", "https://chatgpt.com/")
	v.SetDefault("adapters_file", "")
	v.SetDefault("publishers_file", "./configs/publishers.yaml")

	v.SetDefault("archive_url", "http://localhost:8000")
	v.SetDefault("archive_timeout_seconds", 15)
	v.SetDefault("credential_key", "access_token")
	v.SetDefault("access_token", "")

	v.SetDefault("storage_type", "bbolt")
	v.SetDefault("bbolt_path", "./data/capturer.db")
	v.SetDefault("outbox_enabled", true)
	v.SetDefault("outbox_max_attempts", 5)
	v.SetDefault("outbox_retry_interval_seconds", 60)
	v.SetDefault("outbox_ttl_seconds", int64((3*24*time.Hour)/time.Second))
	v.SetDefault("outbox_rate_per_second", 2.0)

	v.SetDefault("debounce_ms", 400)
	v.SetDefault("debounce_max_wait_ms", 0) // disabled
	v.SetDefault("attach_interval_ms", 2000)
	v.SetDefault("settle_ms", 1500)
	v.SetDefault("liveness_interval_ms", 5000)

	v.SetDefault("browser_remote_url", "")
	v.SetDefault("browser_headless", false)
	v.SetDefault("browser_op_timeout_ms", 5000)

	v.SetDefault("handoff_addr", "127.0.0.1:8765")
	v.SetDefault("handoff_allowed_origin", "")

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) normalize() error {
	cfg.ArchiveURL = strings.TrimRight(strings.TrimSpace(cfg.ArchiveURL), "/")
	if _, err := url.ParseRequestURI(cfg.ArchiveURL); err != nil {
		return fmt.Errorf("invalid archive_url %q: %w", cfg.ArchiveURL, err)
	}
	cfg.PageURL = strings.TrimSpace(cfg.PageURL)
	if cfg.PageURL != "" {
		if _, err := url.ParseRequestURI(cfg.PageURL); err != nil {
			return fmt.Errorf("invalid page_url %q: %w", cfg.PageURL, err)
		}
	}
	if strings.TrimSpace(cfg.CredentialKey) == "" {
		return fmt.Errorf("credential_key must not be empty")
	}

	if cfg.ArchiveTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid archive_timeout_seconds (must be positive seconds)")
	}
	cfg.ArchiveTimeout = time.Duration(cfg.ArchiveTimeoutSeconds) * time.Second

	if cfg.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("invalid outbox_max_attempts (must be positive)")
	}
	if cfg.OutboxRetryIntervalSeconds <= 0 {
		return fmt.Errorf("invalid outbox_retry_interval_seconds (must be positive seconds)")
	}
	if cfg.OutboxTTLSeconds <= 0 {
		return fmt.Errorf("invalid outbox_ttl_seconds (must be positive seconds)")
	}
	if cfg.OutboxRatePerSecond <= 0 {
		return fmt.Errorf("invalid outbox_rate_per_second (must be positive)")
	}
	cfg.OutboxRetryInterval = time.Duration(cfg.OutboxRetryIntervalSeconds) * time.Second
	cfg.OutboxTTL = time.Duration(cfg.OutboxTTLSeconds) * time.Second

	if cfg.DebounceMs <= 0 {
		return fmt.Errorf("invalid debounce_ms (must be positive milliseconds)")
	}
	if cfg.DebounceMaxWaitMs < 0 {
		return fmt.Errorf("invalid debounce_max_wait_ms (must not be negative)")
	}
	if cfg.DebounceMaxWaitMs > 0 && cfg.DebounceMaxWaitMs < cfg.DebounceMs {
		return fmt.Errorf("invalid debounce_max_wait_ms (must be at least debounce_ms)")
	}
	if cfg.AttachIntervalMs <= 0 {
		return fmt.Errorf("invalid attach_interval_ms (must be positive milliseconds)")
	}
	if cfg.SettleMs < 0 || cfg.LivenessIntervalMs < 0 {
		return fmt.Errorf("settle_ms and liveness_interval_ms must not be negative")
	}
	if cfg.BrowserOpTimeoutMs <= 0 {
		return fmt.Errorf("invalid browser_op_timeout_ms (must be positive milliseconds)")
	}
	cfg.Debounce = time.Duration(cfg.DebounceMs) * time.Millisecond
	cfg.DebounceMaxWait = time.Duration(cfg.DebounceMaxWaitMs) * time.Millisecond
	cfg.AttachInterval = time.Duration(cfg.AttachIntervalMs) * time.Millisecond
	cfg.Settle = time.Duration(cfg.SettleMs) * time.Millisecond
	cfg.LivenessInterval = time.Duration(cfg.LivenessIntervalMs) * time.Millisecond
	cfg.BrowserOpTimeout = time.Duration(cfg.BrowserOpTimeoutMs) * time.Millisecond

	return nil
}
