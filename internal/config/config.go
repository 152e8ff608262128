package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/livinlefevreloca/tideline/internal/adapter"
	"github.com/livinlefevreloca/tideline/internal/adapter/httpjson"
	"github.com/livinlefevreloca/tideline/internal/coordinator"
	"github.com/livinlefevreloca/tideline/internal/credentials"
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/eventlog"
	"github.com/livinlefevreloca/tideline/internal/planner"
	"github.com/livinlefevreloca/tideline/internal/scheduler"
)

// Config represents the application configuration
type Config struct {
	Database    db.Config            `toml:"database"`
	Engine      EngineConfig         `toml:"engine"`
	Scheduler   scheduler.Config     `toml:"scheduler"`
	Families    []FamilyConfig       `toml:"families"`
	Credentials credentials.Config   `toml:"credentials"`
	Kafka       eventlog.KafkaConfig `toml:"kafka"`
	HTTP        HTTPConfig           `toml:"http"`
	Metrics     MetricsConfig        `toml:"metrics"`
	Logging     LoggingConfig        `toml:"logging"`
}

// EngineConfig holds run execution settings
type EngineConfig struct {
	MaxConcurrentRuns    int           `toml:"max_concurrent_runs"`
	ProgressEveryPages   int           `toml:"progress_every_pages"`
	ProgressEvery        time.Duration `toml:"progress_every"`
	PageTimeout          time.Duration `toml:"page_timeout"`
	MaxAttempts          int           `toml:"max_attempts"`
	RetryInitialInterval time.Duration `toml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `toml:"retry_max_interval"`
	MaxRetryAfter        time.Duration `toml:"max_retry_after"`
	// Default cap on the delay after consecutive failed runs; families may override.
	MaxFailureBackoff time.Duration `toml:"max_failure_backoff"`
	// How often event subscribers poll for events written by other processes
	EventPollInterval time.Duration `toml:"event_poll_interval"`
}

// FamilyConfig registers one data family
type FamilyConfig struct {
	Name              string          `toml:"name"`
	Adapter           string          `toml:"adapter"`
	CursorType        string          `toml:"cursor_type"`
	Interval          time.Duration   `toml:"interval"`
	Overlap           time.Duration   `toml:"overlap"`
	Backfill          time.Duration   `toml:"backfill"`
	MaxWindow         time.Duration   `toml:"max_window"`
	MaxFailureBackoff time.Duration   `toml:"max_failure_backoff"`
	PageSize          int             `toml:"page_size"`
	KeyPaths          []string        `toml:"key_paths"`
	HTTP              httpjson.Config `toml:"http"`
}

// HTTPConfig holds HTTP API server settings
type HTTPConfig struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	JWTSecret string `toml:"jwt_secret"`
	JWTIssuer string `toml:"jwt_issuer"`
}

// MetricsConfig holds metrics/monitoring settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          db.DriverSQLite,
			DSN:             "tideline.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			SkipMigrations:  false,
		},
		Engine: EngineConfig{
			MaxConcurrentRuns:    4,
			ProgressEveryPages:   10,
			ProgressEvery:        30 * time.Second,
			PageTimeout:          60 * time.Second,
			MaxAttempts:          5,
			RetryInitialInterval: 500 * time.Millisecond,
			RetryMaxInterval:     30 * time.Second,
			MaxRetryAfter:        5 * time.Minute,
			MaxFailureBackoff:    6 * time.Hour,
			EventPollInterval:    time.Second,
		},
		Scheduler: scheduler.DefaultConfig(),
		Kafka: eventlog.KafkaConfig{
			Topic:        "tideline.run-events",
			BatchTimeout: 100 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != db.DriverSQLite && c.Database.Driver != db.DriverPostgres {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	// Engine validation
	if c.Engine.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("engine max_concurrent_runs must be positive")
	}
	if c.Engine.ProgressEveryPages < 0 || c.Engine.ProgressEvery < 0 {
		return fmt.Errorf("engine progress cadence must not be negative")
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine max_attempts must be positive")
	}
	if c.Engine.PageTimeout < 0 {
		return fmt.Errorf("engine page_timeout must not be negative")
	}
	if c.Engine.EventPollInterval <= 0 {
		return fmt.Errorf("engine event_poll_interval must be positive")
	}

	// Scheduler validation
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick_interval must be positive")
	}
	if c.Scheduler.MaintenanceInterval <= 0 {
		return fmt.Errorf("scheduler maintenance_interval must be positive")
	}
	if c.Scheduler.StaleThreshold <= 0 {
		return fmt.Errorf("scheduler stale_threshold must be positive")
	}
	if silence := c.Engine.Coordinator().Retry.MaxSilence(); silence > 0 && c.Scheduler.StaleThreshold <= silence {
		return fmt.Errorf("scheduler stale_threshold %s must exceed page_timeout plus the longest retry wait (%s)",
			c.Scheduler.StaleThreshold, silence)
	}
	if c.Scheduler.RunAllConcurrency <= 0 {
		return fmt.Errorf("scheduler run_all_concurrency must be positive")
	}

	// Family validation
	seen := make(map[string]bool)
	for i, f := range c.Families {
		if f.Name == "" {
			return fmt.Errorf("families[%d]: name must be specified", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("family %s is declared twice", f.Name)
		}
		seen[f.Name] = true

		if f.Adapter != "" && f.Adapter != "httpjson" {
			return fmt.Errorf("family %s: unsupported adapter %q (must be httpjson)", f.Name, f.Adapter)
		}
		if f.HTTP.URL == "" {
			return fmt.Errorf("family %s: http.url must be specified", f.Name)
		}
		switch db.CursorType(f.CursorType) {
		case "", db.CursorTimestamp, db.CursorOpaqueToken:
		default:
			return fmt.Errorf("family %s: invalid cursor_type %q", f.Name, f.CursorType)
		}
		if f.Interval <= 0 {
			return fmt.Errorf("family %s: interval must be positive", f.Name)
		}
		if f.Overlap < 0 || f.Backfill < 0 || f.MaxWindow < 0 {
			return fmt.Errorf("family %s: overlap, backfill and max_window must not be negative", f.Name)
		}
		if len(f.KeyPaths) == 0 {
			return fmt.Errorf("family %s: key_paths must name at least one field", f.Name)
		}
	}

	// Credentials validation
	switch c.Credentials.Type {
	case "", "none", "static":
	case "oauth2":
		if c.Credentials.OAuth2.TokenURL == "" {
			return fmt.Errorf("credentials oauth2 token_url must be specified")
		}
	case "secrets_manager":
	default:
		return fmt.Errorf("unsupported credentials type: %s", c.Credentials.Type)
	}

	// Kafka validation
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers must be specified when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic must be specified when kafka is enabled")
		}
	}

	// HTTP validation
	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("HTTP port must be between 1 and 65535")
		}
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// Coordinator returns the run coordinator settings
func (e EngineConfig) Coordinator() coordinator.Config {
	return coordinator.Config{
		MaxConcurrentRuns:  e.MaxConcurrentRuns,
		ProgressEveryPages: e.ProgressEveryPages,
		ProgressEvery:      e.ProgressEvery,
		Retry: adapter.RetryPolicy{
			MaxAttempts:     e.MaxAttempts,
			InitialInterval: e.RetryInitialInterval,
			MaxInterval:     e.RetryMaxInterval,
			PageTimeout:     e.PageTimeout,
			MaxRetryAfter:   e.MaxRetryAfter,
		},
	}
}

// Policy returns the family's scheduling policy
func (f FamilyConfig) Policy(defaultMaxFailureBackoff time.Duration) planner.Policy {
	backoff := f.MaxFailureBackoff
	if backoff == 0 {
		backoff = defaultMaxFailureBackoff
	}
	return planner.Policy{
		Interval:          f.Interval,
		Overlap:           f.Overlap,
		Backfill:          f.Backfill,
		MaxWindow:         f.MaxWindow,
		MaxFailureBackoff: backoff,
	}
}

// BuildFamilies registers every configured family with an httpjson adapter.
// A nil client uses http.DefaultClient.
func (c *Config) BuildFamilies(client *http.Client) (*adapter.Registry, error) {
	families := adapter.NewRegistry()
	for _, f := range c.Families {
		a, err := httpjson.New(f.HTTP, client)
		if err != nil {
			return nil, fmt.Errorf("family %s: %w", f.Name, err)
		}
		err = families.Register(adapter.Family{
			Name:       f.Name,
			Adapter:    a,
			Keys:       adapter.FieldKeyResolver{Paths: f.KeyPaths},
			CursorType: db.CursorType(f.CursorType),
			Policy:     f.Policy(c.Engine.MaxFailureBackoff),
			PageSize:   f.PageSize,
		})
		if err != nil {
			return nil, err
		}
	}
	return families, nil
}
