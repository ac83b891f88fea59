package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "atelier.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/atelier"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes environment overrides
	EnvPrefix = "ATELIER_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger

	// Replaceable in tests.
	lookupEnv func(string) (string, bool)
	workDir   func() (string, error)
	homeDir   func() (string, error)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:    logger,
		lookupEnv: os.LookupEnv,
		workDir:   os.Getwd,
		homeDir:   os.UserHomeDir,
	}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/atelier/config.yaml)
// 3. Project config (atelier.yaml in current or parent directories), or
// the explicit path when one is given
// 4. ATELIER_* environment variables
func (l *Loader) Load(explicitPath string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if userConfig, err := readFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config; an explicit path must exist
	if explicitPath != "" {
		projectConfig, err := readFile(explicitPath)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", explicitPath))
		config.Merge(projectConfig)
	} else if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectConfig, err := readFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("cannot determine home directory")
	}

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// applyEnv overrides config values from ATELIER_* variables.
func (l *Loader) applyEnv(c *Config) error {
	strs := map[string]*string{
		"STORE_DRIVER":          &c.Store.Driver,
		"STORE_PATH":            &c.Store.Path,
		"NATS_URL":              &c.NATS.URL,
		"MODEL_REGISTRY":        &c.Model.Registry,
		"REDIS_ADDR":            &c.Redis.Addr,
		"REDIS_PASSWORD":        &c.Redis.Password,
		"TRIGGER_SUBJECT":       &c.Trigger.Subject,
		"TRIGGER_EVENTS_PREFIX": &c.Trigger.EventsPrefix,
		"METRICS_ADDR":          &c.Metrics.Addr,
		"LOG_LEVEL":             &c.Log.Level,
		"LOG_FORMAT":            &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := l.lookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	if v, ok := l.lookupEnv(EnvPrefix + "NATS_URL"); ok && v != "" {
		c.NATS.Embedded = false
	}

	durations := map[string]*time.Duration{
		"MODEL_TIMEOUT":      &c.Model.Timeout,
		"WORKFLOW_LOCK_WAIT": &c.Workflow.LockWait,
		"REDIS_LOCK_TTL":     &c.Redis.LockTTL,
	}
	for key, dst := range durations {
		v, ok := l.lookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	if v, ok := l.lookupEnv(EnvPrefix + "WORKFLOW_MAX_CONCURRENT_RUNS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWORKFLOW_MAX_CONCURRENT_RUNS: %w", EnvPrefix, err)
		}
		c.Workflow.MaxConcurrentRuns = n
	}
	if v, ok := l.lookupEnv(EnvPrefix + "MODEL_WATCH"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMODEL_WATCH: %w", EnvPrefix, err)
		}
		c.Model.Watch = b
	}
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.homeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for atelier.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.workDir()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
