package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig         `yaml:"log"`
	Overpass        OverpassConfig    `yaml:"overpass"`
	History         HistoryConfig     `yaml:"history"`
	Rules           string            `yaml:"rules"` // Optional Lua script extending the classification rules
	Run             RunConfig         `yaml:"run"`
	Delivery        DeliveryConfig    `yaml:"delivery"`
	Watch           WatchConfig       `yaml:"watch"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	Monitors        []MonitorConfig   `yaml:"monitors"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"` // Emit JSON lines instead of console output
}

// OverpassConfig contains Overpass API client settings
type OverpassConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Timeout   Duration `yaml:"timeout"`    // HTTP timeout, also sent as the query [timeout:]
	Delay     Duration `yaml:"delay"`      // Pause after each element fetch (default: 1s)
	UserAgent string   `yaml:"user_agent"` // Sent with every request
	MaxBytes  int64    `yaml:"max_bytes"`  // Response size cap (default: 32 MiB)

	RequestsPerMinute int `yaml:"requests_per_minute"` // Cap over all monitors (0: none)
}

// HistoryConfig contains history store settings
type HistoryConfig struct {
	Dir      string `yaml:"dir"`
	LockFile string `yaml:"lock_file"` // Default: <dir>/.osmwatch/lock
	Database string `yaml:"database"`  // Default: <dir>/.osmwatch/history.sqlite
	DiffMax  int    `yaml:"diff_max"`  // Largest input a diff is computed for (default: 1 MiB)
}

// RunConfig contains per-run settings
type RunConfig struct {
	TempDir  string `yaml:"temp_dir"`  // Parent of per-run temp dirs (default: os.TempDir())
	KeepTemp bool   `yaml:"keep_temp"` // Leave the run's temp dir behind for inspection
}

// DeliveryConfig contains report delivery settings
type DeliveryConfig struct {
	SkipEmpty bool          `yaml:"skip_empty"` // Do not deliver reports with zero changes
	Stdout    bool          `yaml:"stdout"`
	SMTP      SMTPConfig    `yaml:"smtp"`
	Webhook   WebhookConfig `yaml:"webhook"`
}

// SMTPConfig contains mail delivery settings
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Enabled reports whether SMTP delivery is configured
func (c *SMTPConfig) Enabled() bool {
	return c.Host != ""
}

// WebhookConfig contains webhook delivery settings
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout Duration          `yaml:"timeout"`
}

// WatchConfig contains watch mode settings
type WatchConfig struct {
	Interval Duration `yaml:"interval"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MonitorConfig describes one monitoring definition
type MonitorConfig struct {
	Definition string   `yaml:"definition"`
	Kind       string   `yaml:"kind"`
	Method     string   `yaml:"method"`
	Recipients []string `yaml:"recipients"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with every default applied, used when no
// config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses the configuration file. A .env file in the same
// directory as the config is loaded first so its variables can be referenced
// as ${VAR} in the YAML.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Overpass defaults
	if cfg.Overpass.Endpoint == "" {
		cfg.Overpass.Endpoint = "https://overpass-api.de/api/interpreter"
	}
	if cfg.Overpass.Timeout == 0 {
		cfg.Overpass.Timeout = Duration(3 * time.Minute)
	}
	if cfg.Overpass.Delay == 0 {
		cfg.Overpass.Delay = Duration(1 * time.Second)
	}
	if cfg.Overpass.UserAgent == "" {
		cfg.Overpass.UserAgent = "osmwatch/1.0"
	}
	if cfg.Overpass.MaxBytes == 0 {
		cfg.Overpass.MaxBytes = 32 << 20
	}

	// History defaults
	if cfg.History.Dir == "" {
		cfg.History.Dir = "./history"
	}
	if cfg.History.LockFile == "" {
		cfg.History.LockFile = filepath.Join(cfg.History.Dir, ".osmwatch", "lock")
	}
	if cfg.History.Database == "" {
		cfg.History.Database = filepath.Join(cfg.History.Dir, ".osmwatch", "history.sqlite")
	}
	if cfg.History.DiffMax == 0 {
		cfg.History.DiffMax = 1 << 20
	}

	// Delivery defaults
	if cfg.Delivery.SMTP.Port == 0 {
		cfg.Delivery.SMTP.Port = 25
	}
	if cfg.Delivery.Webhook.Timeout == 0 {
		cfg.Delivery.Webhook.Timeout = Duration(10 * time.Second)
	}

	// Watch defaults
	if cfg.Watch.Interval == 0 {
		cfg.Watch.Interval = Duration(1 * time.Hour)
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 90
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// Monitor defaults
	for i := range cfg.Monitors {
		if cfg.Monitors[i].Method == "" {
			cfg.Monitors[i].Method = "ids"
		}
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks settings that have no sensible default
func (c *Config) Validate() error {
	for i, m := range c.Monitors {
		if m.Definition == "" {
			return fmt.Errorf("monitors[%d]: definition is required", i)
		}
		if m.Kind == "" {
			return fmt.Errorf("monitors[%d]: kind is required", i)
		}
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive")
	}
	if c.Ledger.CleanupInterval <= 0 {
		return fmt.Errorf("ledger.cleanup_interval must be positive")
	}
	if c.Overpass.Delay < 0 {
		return fmt.Errorf("overpass.delay must not be negative")
	}
	if c.Delivery.SMTP.Enabled() && c.Delivery.SMTP.From == "" {
		return fmt.Errorf("delivery.smtp.from is required when smtp is enabled")
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

