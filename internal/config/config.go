package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvConfigPath  = "TELEMETRYHUB_CONFIG"
	EnvDatabaseDSN = "TELEMETRYHUB_DATABASE_DSN"
	EnvJWTSecret   = "TELEMETRYHUB_JWT_SECRET"

	defaultConfigFile = "config.yaml"
)

// Driver names.
const (
	IngestionDriverNative = "native"

	HotStateDriverNone   = "none"
	HotStateDriverMemory = "memory"
	HotStateDriverNATS   = "nats"
	HotStateDriverRedis  = "redis"

	QueueDriverLocal = "local"
	QueueDriverAsynq = "asynq"
)

// AppConfig carries command-line level options.
type AppConfig struct {
	ConfigPath string
}

// Config is the full service configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	HTTP       HTTPConfig       `yaml:"http"`
	JWT        JWTConfig        `yaml:"jwt"`
	Ingestion  PipelineConfig   `yaml:"ingestion"`
	Automation AutomationConfig `yaml:"automation"`
	NATS       NATSConfig       `yaml:"nats"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Redis      RedisConfig      `yaml:"redis"`
	HotState   HotStateConfig   `yaml:"hot_state"`
	Queue      QueueConfig      `yaml:"queue"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Retention  RetentionConfig  `yaml:"retention"`
	Presence   PresenceConfig   `yaml:"presence"`
}

// DatabaseConfig selects the database connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// LoggingConfig controls logrus output and file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// JWTConfig holds token signing settings.
type JWTConfig struct {
	Secret            string        `yaml:"secret"`
	DeviceTokenExpiry time.Duration `yaml:"device_token_expiry"`
	AdminTokenExpiry  time.Duration `yaml:"admin_token_expiry"`
}

// PipelineConfig holds the ingestion flags and subject layout.
type PipelineConfig struct {
	Enabled               bool          `yaml:"enabled"`
	Driver                string        `yaml:"driver"`
	PublishAnalytics      bool          `yaml:"publish_analytics"`
	PublishInvalidEvents  bool          `yaml:"publish_invalid_events"`
	CaptureStageSnapshots bool          `yaml:"capture_stage_snapshots"`
	RegistryTTL           time.Duration `yaml:"registry_ttl"`
	Queue                 string        `yaml:"queue"`
	Subject               SubjectConfig `yaml:"subject"`
}

// SubjectConfig describes the NATS subjects used for ingestion traffic.
type SubjectConfig struct {
	Environment     string `yaml:"environment"`
	Inbound         string `yaml:"inbound"`
	AnalyticsPrefix string `yaml:"analytics_prefix"`
	InvalidPrefix   string `yaml:"invalid_prefix"`
}

// AutomationConfig holds the workflow engine flags.
type AutomationConfig struct {
	Enabled               bool          `yaml:"enabled"`
	FailRunOnCommandError bool          `yaml:"fail_run_on_command_error"`
	SchedulePollInterval  time.Duration `yaml:"schedule_poll_interval"`
	Queue                 string        `yaml:"queue"`
}

// NATSConfig holds the NATS connection settings.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Subscribe      bool          `yaml:"subscribe"`
	QueueGroup     string        `yaml:"queue_group"`
}

// MQTTConfig holds the MQTT broker settings.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	Subscribe      bool          `yaml:"subscribe"`
	Topics         []string      `yaml:"topics"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// RedisConfig holds the Redis connection used by hot state and the job queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HotStateConfig selects the latest-value store.
type HotStateConfig struct {
	Driver    string        `yaml:"driver"`
	Bucket    string        `yaml:"bucket"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// QueueConfig selects the background job backend.
type QueueConfig struct {
	Driver      string        `yaml:"driver"`
	Concurrency int           `yaml:"concurrency"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RetentionConfig bounds how long audit rows are kept. Zero disables cleanup.
type RetentionConfig struct {
	StageLogDays int           `yaml:"stage_log_days"`
	Interval     time.Duration `yaml:"interval"`
}

// PresenceConfig controls the offline sweep. A zero heartbeat timeout disables it.
type PresenceConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// Default returns a configuration usable for local development.
func Default() Config {
	return Config{
		Database: DatabaseConfig{DSN: "file:data/telemetryhub.db", MaxOpenConns: 25},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		HTTP: HTTPConfig{Listen: ":8080", ShutdownTimeout: 10 * time.Second},
		JWT: JWTConfig{
			DeviceTokenExpiry: 365 * 24 * time.Hour,
			AdminTokenExpiry:  24 * time.Hour,
		},
		Ingestion: PipelineConfig{
			Enabled:               true,
			Driver:                IngestionDriverNative,
			PublishAnalytics:      true,
			PublishInvalidEvents:  true,
			CaptureStageSnapshots: true,
			RegistryTTL:           30 * time.Second,
			Queue:                 "ingestion",
			Subject: SubjectConfig{
				Environment:     "local",
				Inbound:         "iot.v1.telemetry.>",
				AnalyticsPrefix: "iot.v1.analytics",
				InvalidPrefix:   "iot.v1.invalid",
			},
		},
		Automation: AutomationConfig{
			Enabled:              true,
			SchedulePollInterval: 30 * time.Second,
			Queue:                "automation",
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Name:           "telemetryhub",
			ConnectTimeout: 5 * time.Second,
			QueueGroup:     "telemetryhub-ingestion",
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://127.0.0.1:1883",
			ClientID:       "telemetryhub",
			QoS:            1,
			Topics:         []string{"device/#"},
			ConnectTimeout: 10 * time.Second,
			PublishTimeout: 5 * time.Second,
		},
		Redis:    RedisConfig{Addr: "127.0.0.1:6379"},
		HotState: HotStateConfig{Driver: HotStateDriverNone, Bucket: "device-hot-state", KeyPrefix: "hotstate"},
		Queue: QueueConfig{
			Driver:      QueueDriverLocal,
			Concurrency: 8,
			MaxRetries:  3,
			RetryDelay:  2 * time.Second,
		},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		Retention: RetentionConfig{StageLogDays: 30, Interval: 6 * time.Hour},
		Presence:  PresenceConfig{HeartbeatTimeout: 5 * time.Minute, SweepInterval: time.Minute},
	}
}

// ResolveConfigPath picks the config file from the flag, the environment, or the working directory.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	wd, errWd := os.Getwd()
	if errWd != nil {
		return defaultConfigFile
	}
	return filepath.Join(wd, defaultConfigFile)
}

// ConfigExists reports whether a config file is present at path.
func ConfigExists(path string) bool {
	info, errStat := os.Stat(path)
	return errStat == nil && !info.IsDir()
}

// Load reads the YAML file at path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
	}
	cfg.applyEnv()
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

// LoadJWTConfig returns the token settings.
func LoadJWTConfig(path string) (JWTConfig, error) {
	cfg, errLoad := Load(path)
	if errLoad != nil {
		return JWTConfig{}, errLoad
	}
	return cfg.JWT, nil
}

func (c *Config) applyEnv() {
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		c.JWT.Secret = secret
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database.dsn is required")
	}
	switch c.HotState.Driver {
	case "", HotStateDriverNone, HotStateDriverMemory, HotStateDriverNATS, HotStateDriverRedis:
	default:
		return fmt.Errorf("config: unsupported hot_state.driver %q", c.HotState.Driver)
	}
	switch c.Queue.Driver {
	case "", QueueDriverLocal, QueueDriverAsynq:
	default:
		return fmt.Errorf("config: unsupported queue.driver %q", c.Queue.Driver)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}
