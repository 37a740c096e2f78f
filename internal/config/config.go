// Package config provides configuration management for vodarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/jmylchreest/vodarr/pkg/duration"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "VODARR"

// Default configuration values.
const (
	defaultServerPort       = 8080
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 10
	defaultConnMaxIdleTime  = 30 * time.Minute
	defaultWorkers          = 1
	defaultIdleBackoff      = 5 * time.Second
	defaultErrorBackoff     = 10 * time.Second
	defaultShutdownGrace    = 30 * time.Second
	defaultStaleAfter       = 12 * time.Hour
	defaultPersistAttempts  = 3
	defaultPersistBackoff   = 500 * time.Millisecond
	defaultMaxHeight        = 1080
	defaultSegmentSeconds   = 10
	defaultProbeTimeout     = 2 * time.Minute
	defaultAcquireTimeout   = 2 * time.Hour
	defaultTranscodeTimeout = 4 * time.Hour
	defaultFailedRetention  = 7 * 24 * time.Hour
	defaultMaintenanceCron  = "*/10 * * * *"
	defaultNotifyChannel    = "vodarr:jobs"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	Tools       ToolsConfig       `mapstructure:"tools" yaml:"tools"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
	Notify      NotifyConfig      `mapstructure:"notify" yaml:"notify"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
}

// StorageConfig holds on-disk layout configuration.
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	JobsDir string `mapstructure:"jobs_dir" yaml:"jobs_dir"`
	// FailedRetention is how long the working directory of a failed job is
	// kept for diagnostics. Zero keeps it until the job is deleted.
	FailedRetention time.Duration `mapstructure:"failed_retention" yaml:"failed_retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// PipelineConfig holds job scheduling configuration.
type PipelineConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers"`
	// InstanceID prefixes worker IDs so a restarted process can find the
	// jobs it owned. Empty means the hostname.
	InstanceID      string        `mapstructure:"instance_id" yaml:"instance_id"`
	IdleBackoff     time.Duration `mapstructure:"idle_backoff" yaml:"idle_backoff"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff" yaml:"error_backoff"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	StaleAfter      time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	PersistAttempts int           `mapstructure:"persist_attempts" yaml:"persist_attempts"`
	PersistBackoff  time.Duration `mapstructure:"persist_backoff" yaml:"persist_backoff"`
}

// ToolsConfig holds external tool configuration.
type ToolsConfig struct {
	YtDlpPath        string        `mapstructure:"ytdlp_path" yaml:"ytdlp_path"`   // empty = auto-detect
	FFmpegPath       string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"` // empty = auto-detect
	MaxHeight        int           `mapstructure:"max_height" yaml:"max_height"`
	SegmentSeconds   int           `mapstructure:"segment_seconds" yaml:"segment_seconds"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	AcquireTimeout   time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	TranscodeTimeout time.Duration `mapstructure:"transcode_timeout" yaml:"transcode_timeout"`
	VerifySegments   bool          `mapstructure:"verify_segments" yaml:"verify_segments"`
}

// MaintenanceConfig holds the periodic housekeeping schedule.
type MaintenanceConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Cron    string `mapstructure:"cron" yaml:"cron"` // 5-field cron expression
}

// NotifyConfig selects how new jobs wake idle workers.
type NotifyConfig struct {
	Driver   string `mapstructure:"driver" yaml:"driver"` // local, redis
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with VODARR_ using underscores for nesting, for example
// VODARR_PIPELINE_WORKERS=4. A .env file in the working directory is loaded
// first when present.
func Load(configPath string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/vodarr")
		v.AddConfigPath("$HOME/.vodarr")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Pipeline.InstanceID == "" {
		cfg.Pipeline.InstanceID = defaultInstanceID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadDotEnv loads variables from path into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "vodarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.jobs_dir", "jobs")
	v.SetDefault("storage.failed_retention", defaultFailedRetention)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Pipeline defaults
	v.SetDefault("pipeline.workers", defaultWorkers)
	v.SetDefault("pipeline.instance_id", "")
	v.SetDefault("pipeline.idle_backoff", defaultIdleBackoff)
	v.SetDefault("pipeline.error_backoff", defaultErrorBackoff)
	v.SetDefault("pipeline.shutdown_grace", defaultShutdownGrace)
	v.SetDefault("pipeline.stale_after", defaultStaleAfter)
	v.SetDefault("pipeline.persist_attempts", defaultPersistAttempts)
	v.SetDefault("pipeline.persist_backoff", defaultPersistBackoff)

	// Tool defaults
	v.SetDefault("tools.ytdlp_path", "")
	v.SetDefault("tools.ffmpeg_path", "")
	v.SetDefault("tools.max_height", defaultMaxHeight)
	v.SetDefault("tools.segment_seconds", defaultSegmentSeconds)
	v.SetDefault("tools.probe_timeout", defaultProbeTimeout)
	v.SetDefault("tools.acquire_timeout", defaultAcquireTimeout)
	v.SetDefault("tools.transcode_timeout", defaultTranscodeTimeout)
	v.SetDefault("tools.verify_segments", true)

	// Maintenance defaults
	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.cron", defaultMaintenanceCron)

	// Notify defaults
	v.SetDefault("notify.driver", "local")
	v.SetDefault("notify.redis_url", "")
	v.SetDefault("notify.channel", defaultNotifyChannel)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.JobsDir == "" || filepath.IsAbs(c.Storage.JobsDir) || strings.Contains(c.Storage.JobsDir, "..") {
		return fmt.Errorf("storage.jobs_dir must be a relative directory name")
	}
	if c.Storage.FailedRetention < 0 {
		return fmt.Errorf("storage.failed_retention must not be negative")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	if c.Pipeline.IdleBackoff <= 0 || c.Pipeline.ErrorBackoff <= 0 {
		return fmt.Errorf("pipeline.idle_backoff and pipeline.error_backoff must be positive")
	}
	if c.Pipeline.ShutdownGrace < 0 {
		return fmt.Errorf("pipeline.shutdown_grace must not be negative")
	}
	if c.Pipeline.PersistAttempts < 1 {
		return fmt.Errorf("pipeline.persist_attempts must be at least 1")
	}
	if c.Pipeline.StaleAfter <= 0 {
		return fmt.Errorf("pipeline.stale_after must be positive")
	}

	if c.Tools.MaxHeight < 144 {
		return fmt.Errorf("tools.max_height must be at least 144")
	}
	if c.Tools.SegmentSeconds < 1 {
		return fmt.Errorf("tools.segment_seconds must be at least 1")
	}
	if c.Tools.ProbeTimeout <= 0 || c.Tools.AcquireTimeout <= 0 || c.Tools.TranscodeTimeout <= 0 {
		return fmt.Errorf("tools timeouts must be positive")
	}
	// Maintenance cannot see jobs held by other processes, so a claim must
	// outlive the longest run a healthy job can have.
	if longest := c.MaxJobDuration(); c.Pipeline.StaleAfter <= longest {
		return fmt.Errorf("pipeline.stale_after (%s) must exceed the longest job run of %s (tool timeouts plus shutdown grace)",
			c.Pipeline.StaleAfter, longest)
	}

	if c.Maintenance.Enabled {
		if err := ValidateCron(c.Maintenance.Cron); err != nil {
			return fmt.Errorf("maintenance.cron: %w", err)
		}
	}

	switch c.Notify.Driver {
	case "local":
	case "redis":
		if c.Notify.RedisURL == "" {
			return fmt.Errorf("notify.redis_url is required when notify.driver is redis")
		}
	default:
		return fmt.Errorf("notify.driver must be one of: local, redis")
	}

	return nil
}

// MaxJobDuration is the longest a job can legitimately stay claimed: every
// tool running to its timeout, then the shutdown grace.
func (c *Config) MaxJobDuration() time.Duration {
	grace := c.Pipeline.ShutdownGrace
	if grace == 0 {
		grace = defaultShutdownGrace
	}
	return c.Tools.ProbeTimeout + c.Tools.AcquireTimeout + c.Tools.TranscodeTimeout + grace
}

// ValidateCron checks a 5-field cron expression.
func ValidateCron(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JobsPath returns the root directory holding one working directory per job.
func (c *StorageConfig) JobsPath() string {
	return filepath.Join(c.BaseDir, c.JobsDir)
}

// durationHook decodes string settings with pkg/duration, which adds day and
// week units to the standard syntax.
func durationHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	return duration.Parse(data.(string))
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "vodarr"
	}
	return host
}
