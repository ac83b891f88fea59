// Package config provides configuration loading and management for Atelier.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverKV     = "kv"
)

// Config represents the complete Atelier configuration
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	NATS     NATSConfig     `yaml:"nats"`
	Model    ModelConfig    `yaml:"model"`
	Redis    RedisConfig    `yaml:"redis"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig selects the storage backend
type StoreConfig struct {
	// Driver is "sqlite" or "kv" (NATS JetStream key-value buckets)
	Driver string `yaml:"driver"`
	// Path is the sqlite database file
	Path string `yaml:"path"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream directory of the embedded server
	StoreDir string `yaml:"store_dir"`
}

// ModelConfig configures model calls
type ModelConfig struct {
	// Registry is the JSON model registry file (empty = built-in defaults)
	Registry string `yaml:"registry"`
	// Watch reloads the registry file when it changes
	Watch bool `yaml:"watch"`
	// Timeout bounds each model call
	Timeout time.Duration `yaml:"timeout"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// MaxTokens limits completion length (0 = provider default)
	MaxTokens int `yaml:"max_tokens"`
}

// RedisConfig configures the distributed run lock. Empty Addr keeps the
// in-process lock.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// WorkflowConfig configures runs
type WorkflowConfig struct {
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	LockWait          time.Duration `yaml:"lock_wait"`
}

// TriggerConfig configures the JetStream trigger consumer and event subjects
type TriggerConfig struct {
	Stream       string        `yaml:"stream"`
	Subject      string        `yaml:"subject"`
	Consumer     string        `yaml:"consumer"`
	EventsPrefix string        `yaml:"events_prefix"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
}

// MetricsConfig configures the Prometheus exporter (empty Addr = disabled)
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "atelier.db",
		},
		NATS: NATSConfig{
			Embedded: true,
		},
		Model: ModelConfig{
			Timeout:     60 * time.Second,
			Temperature: 0.2,
		},
		Redis: RedisConfig{
			LockTTL: 2 * time.Minute,
		},
		Workflow: WorkflowConfig{
			MaxConcurrentRuns: 4,
			LockWait:          30 * time.Second,
		},
		Trigger: TriggerConfig{
			Stream:       "ATELIER",
			Subject:      "atelier.trigger.request",
			Consumer:     "atelier-runner",
			EventsPrefix: "atelier.events",
			RunTimeout:   5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case DriverKV:
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverKV, c.Store.Driver)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Model.Timeout < 0 {
		return fmt.Errorf("model.timeout must not be negative")
	}
	if c.Model.MaxTokens < 0 {
		return fmt.Errorf("model.max_tokens must not be negative")
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		return fmt.Errorf("redis.lock_ttl must be positive")
	}
	if c.Workflow.MaxConcurrentRuns < 1 {
		return fmt.Errorf("workflow.max_concurrent_runs must be at least 1")
	}
	if c.Trigger.Subject == "" {
		return fmt.Errorf("trigger.subject is required")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ParseLevel converts a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	file, err := readFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	config.Merge(file)
	return config, nil
}

// readFile parses a YAML file without applying defaults, so absent keys
// stay zero and do not override earlier layers.
func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Store
	setString(&c.Store.Driver, other.Store.Driver)
	setString(&c.Store.Path, other.Store.Path)

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.Embedded {
		c.NATS.Embedded = true
	}
	setString(&c.NATS.StoreDir, other.NATS.StoreDir)

	// Model
	setString(&c.Model.Registry, other.Model.Registry)
	if other.Model.Watch {
		c.Model.Watch = true
	}
	setDuration(&c.Model.Timeout, other.Model.Timeout)
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	setInt(&c.Model.MaxTokens, other.Model.MaxTokens)

	// Redis
	setString(&c.Redis.Addr, other.Redis.Addr)
	setString(&c.Redis.Password, other.Redis.Password)
	setInt(&c.Redis.DB, other.Redis.DB)
	setDuration(&c.Redis.LockTTL, other.Redis.LockTTL)

	// Workflow
	setInt(&c.Workflow.MaxConcurrentRuns, other.Workflow.MaxConcurrentRuns)
	setDuration(&c.Workflow.LockWait, other.Workflow.LockWait)

	// Trigger
	setString(&c.Trigger.Stream, other.Trigger.Stream)
	setString(&c.Trigger.Subject, other.Trigger.Subject)
	setString(&c.Trigger.Consumer, other.Trigger.Consumer)
	setString(&c.Trigger.EventsPrefix, other.Trigger.EventsPrefix)
	setDuration(&c.Trigger.RunTimeout, other.Trigger.RunTimeout)

	// Metrics and logging
	setString(&c.Metrics.Addr, other.Metrics.Addr)
	setString(&c.Log.Level, other.Log.Level)
	setString(&c.Log.Format, other.Log.Format)
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

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
