package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BackendSQL   = "sql"
	BackendRedis = "redis"

	// DefaultTimeZone is the zone entitlement timestamps are compared in.
	DefaultTimeZone = "Africa/Nairobi"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Queue       QueueConfig       `yaml:"queue"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	Events      EventsConfig      `yaml:"events"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnablePprof     bool          `yaml:"enable_pprof"`
}

// DatabaseConfig selects the SQL driver. Path is used by sqlite, DSN by postgres.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type QueueConfig struct {
	Backend           string        `yaml:"backend"`
	RedisURL          string        `yaml:"redis_url"`
	KeyPrefix         string        `yaml:"key_prefix"`
	Workers           int           `yaml:"workers"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

// EntitlementConfig carries the verification policy. Zero durations are
// filled from Debug: one minute each in debug, 30 days / one hour otherwise.
type EntitlementConfig struct {
	DeadlineSeconds     int64  `yaml:"deadline_seconds"`
	TickIntervalSeconds int64  `yaml:"tick_interval_seconds"`
	TimeZone            string `yaml:"time_zone"`
	Debug               bool   `yaml:"debug"`
}

type EventsConfig struct {
	AMQP           AMQPConfig    `yaml:"amqp"`
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

type AMQPConfig struct {
	URL               string        `yaml:"url"`
	Exchange          string        `yaml:"exchange"`
	ExchangeType      string        `yaml:"exchange_type"`
	RoutingKeyPrefix  string        `yaml:"routing_key_prefix"`
	PublishRetries    int           `yaml:"publish_retries"`
	PublishRetryDelay time.Duration `yaml:"publish_retry_delay"`
}

// MaintenanceConfig holds the cron expression of the bookkeeping sweep. Empty disables it.
type MaintenanceConfig struct {
	Schedule string `yaml:"schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadDotEnv loads the given env files (".env" when none given). Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "paywatch.db"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = BackendSQL
	}
	if c.Queue.KeyPrefix == "" {
		c.Queue.KeyPrefix = "paywatch:"
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 8
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 250 * time.Millisecond
	}
	if c.Queue.JobTimeout == 0 {
		c.Queue.JobTimeout = 30 * time.Second
	}
	if c.Queue.VisibilityTimeout == 0 {
		c.Queue.VisibilityTimeout = time.Minute
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}

	if c.Entitlement.DeadlineSeconds == 0 {
		if c.Entitlement.Debug {
			c.Entitlement.DeadlineSeconds = 60
		} else {
			c.Entitlement.DeadlineSeconds = 30 * 24 * 60 * 60
		}
	}
	if c.Entitlement.TickIntervalSeconds == 0 {
		if c.Entitlement.Debug {
			c.Entitlement.TickIntervalSeconds = 60
		} else {
			c.Entitlement.TickIntervalSeconds = 60 * 60
		}
	}
	if c.Entitlement.TimeZone == "" {
		c.Entitlement.TimeZone = DefaultTimeZone
	}

	if c.Events.WebhookTimeout == 0 {
		c.Events.WebhookTimeout = 10 * time.Second
	}
	if c.Events.AMQP.Exchange == "" {
		c.Events.AMQP.Exchange = "paywatch.events"
	}
	if c.Events.AMQP.ExchangeType == "" {
		c.Events.AMQP.ExchangeType = "topic"
	}
	if c.Events.AMQP.PublishRetries == 0 {
		c.Events.AMQP.PublishRetries = 3
	}
	if c.Events.AMQP.PublishRetryDelay == 0 {
		c.Events.AMQP.PublishRetryDelay = 500 * time.Millisecond
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	switch c.Queue.Backend {
	case BackendSQL:
	case BackendRedis:
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported queue backend: %q", c.Queue.Backend)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue poll_interval must be positive")
	}
	if c.Queue.VisibilityTimeout < time.Second {
		return fmt.Errorf("queue visibility_timeout must be at least 1s")
	}

	if c.Entitlement.DeadlineSeconds < 0 {
		return fmt.Errorf("entitlement deadline_seconds must not be negative")
	}
	if c.Entitlement.TickIntervalSeconds < 1 {
		return fmt.Errorf("entitlement tick_interval_seconds must be positive")
	}
	if _, err := time.LoadLocation(c.Entitlement.TimeZone); err != nil {
		return fmt.Errorf("invalid entitlement time_zone %q: %w", c.Entitlement.TimeZone, err)
	}

	if c.Maintenance.Schedule != "" {
		if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
			return fmt.Errorf("invalid maintenance schedule %q: %w", c.Maintenance.Schedule, err)
		}
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported logging format: %q", c.Logging.Format)
	}
	return nil
}

func (e EntitlementConfig) Deadline() time.Duration {
	return time.Duration(e.DeadlineSeconds) * time.Second
}

func (e EntitlementConfig) TickInterval() time.Duration {
	return time.Duration(e.TickIntervalSeconds) * time.Second
}

// Location resolves TimeZone, falling back to UTC when it cannot be loaded.
func (e EntitlementConfig) Location() *time.Location {
	loc, err := time.LoadLocation(e.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
