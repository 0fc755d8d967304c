// Package config provides configuration management for fetcharr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8484
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultMaxActiveExecutions  = 8
	defaultMaxAttempts          = 3
	defaultRetryBackoffBase     = 30 * time.Second
	defaultTVContinuationDelay  = 2 * time.Second
	defaultSearchRetryDelay     = 15 * time.Minute
	defaultCollaboratorTimeout  = 30 * time.Second
	defaultSkipUnairedFor       = 3 * 24 * time.Hour
	defaultMaxReleaseSize       = ByteSize(40 << 30) // 40 GiB
	defaultSizeBandPercent      = 30
	defaultHeartbeatCheckEvery  = 30 * time.Second
	defaultHeartbeatTimeout     = 90 * time.Second
	defaultJobStallTimeout      = 120 * time.Second
	defaultProgressWriteEvery   = 5 * time.Second
	defaultProgressFlushEvery   = 2 * time.Second
	defaultReconnectDelay       = 5 * time.Second
	defaultAssignmentAttempts   = 3
	defaultBreakerFailures      = 3
	defaultBreakerHalfOpenAfter = 5 * time.Minute
	defaultBreakerSuccesses     = 2
	defaultRecoveryInterval     = time.Minute
	defaultStuckAge             = 5 * time.Minute
	defaultDownloadPoll         = 15 * time.Second
	defaultDeliveryTimeout      = 30 * time.Minute
)

// Config holds all configuration for the control plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Search    SearchConfig    `mapstructure:"search"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Torrent   TorrentConfig   `mapstructure:"torrent"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Backup    BackupConfig    `mapstructure:"backup"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds control-plane file storage configuration.
type StorageConfig struct {
	// BaseDir is the data directory (database, backups, template seeds).
	BaseDir string `mapstructure:"base_dir"`

	// EncodeOutputDir is where encoded files land before delivery.
	EncodeOutputDir string `mapstructure:"encode_output_dir"`

	// TemplateDir holds optional pipeline template YAML seed files.
	TemplateDir string `mapstructure:"template_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// PipelineConfig holds execution engine configuration.
type PipelineConfig struct {
	// MaxActiveExecutions bounds concurrently running step tasks.
	MaxActiveExecutions int `mapstructure:"max_active_executions"`

	// MaxAttempts is the default per-item retry budget.
	MaxAttempts int `mapstructure:"max_attempts"`

	// RetryBackoffBase seeds the exponential retry backoff.
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`

	// TVContinuationDelay is the pause before a fresh execution is scheduled
	// for the remaining episodes of a partially delivered season.
	TVContinuationDelay time.Duration `mapstructure:"tv_continuation_delay"`
}

// SearchConfig tunes release discovery.
type SearchConfig struct {
	// RetryDelay is how long a no-results search waits before rescheduling.
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// SkipUnairedFor defers episodes that have not aired yet.
	// Supports extended units ("3d", "2w").
	SkipUnairedFor Duration `mapstructure:"skip_unaired_for"`

	// MaxReleaseSize rejects releases above this size ("40GB").
	MaxReleaseSize ByteSize `mapstructure:"max_release_size"`

	// SizeBandPercent is the band within which a smaller release wins a tie.
	SizeBandPercent int `mapstructure:"size_band_percent"`
}

// IndexerConfig points at the release indexer HTTP API. An empty URL leaves
// search running against a disabled stub that always reports the collaborator
// unavailable.
type IndexerConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key" masq:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TorrentConfig points at the torrent client HTTP API.
type TorrentConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key" masq:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PathMapping translates one controller path prefix into a worker prefix.
type PathMapping struct {
	ServerPrefix string `mapstructure:"server_prefix"`
	RemotePrefix string `mapstructure:"remote_prefix"`
}

// DispatchConfig holds encoder dispatch configuration.
type DispatchConfig struct {
	HeartbeatCheckInterval time.Duration `mapstructure:"heartbeat_check_interval"`
	HeartbeatTimeout       time.Duration `mapstructure:"heartbeat_timeout"`

	// JobStallTimeout declares a job stalled after this long without
	// progress; jobs that never reported progress get twice this budget.
	JobStallTimeout time.Duration `mapstructure:"job_stall_timeout"`

	// ProgressWriteInterval caps DB progress writes per job.
	ProgressWriteInterval time.Duration `mapstructure:"progress_write_interval"`

	// ProgressFlushInterval is the dirty-cache flush task cadence.
	ProgressFlushInterval time.Duration `mapstructure:"progress_flush_interval"`

	// ReconnectDelay is handed to workers in server:shutdown.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`

	// MaxAttempts is the default assignment retry budget.
	MaxAttempts int `mapstructure:"max_attempts"`

	// PathMappings translate controller paths into worker paths. Applied
	// longest-prefix-first regardless of declaration order.
	PathMappings []PathMapping `mapstructure:"path_mappings"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	HalfOpenAfter    time.Duration `mapstructure:"half_open_after"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// RecoveryConfig holds reconciler cadence and age thresholds.
type RecoveryConfig struct {
	Interval time.Duration `mapstructure:"interval"`

	// StuckAge is how long a row may sit inconsistent before repair.
	StuckAge time.Duration `mapstructure:"stuck_age"`

	// DownloadPollInterval is how often active downloads are polled for
	// progress and completion.
	DownloadPollInterval time.Duration `mapstructure:"download_poll_interval"`
}

// StorageServerConfig describes one delivery target.
type StorageServerConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`

	// MoviesRoot and TVRoot are absolute destination roots on the server.
	MoviesRoot string `mapstructure:"movies_root"`
	TVRoot     string `mapstructure:"tv_root"`

	// MinResolution is the lowest acceptable rendition ("1080p").
	MinResolution string `mapstructure:"min_resolution"`

	// PreferredCodec breaks search ties ("hevc").
	PreferredCodec string `mapstructure:"preferred_codec"`

	// ScanURL, when set, is POSTed after delivery to trigger a library scan.
	ScanURL string `mapstructure:"scan_url"`
}

// DeliveryConfig holds file placement configuration.
type DeliveryConfig struct {
	// RequireAllServersSuccess makes partial delivery a step failure.
	RequireAllServersSuccess bool `mapstructure:"require_all_servers_success"`

	// Timeout bounds one file transfer.
	Timeout time.Duration `mapstructure:"timeout"`

	Servers []StorageServerConfig `mapstructure:"servers"`
}

// NotifyConfig holds webhook notification configuration.
type NotifyConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	AuthToken  string        `mapstructure:"auth_token" masq:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// BackupConfig holds scheduled database backup configuration.
type BackupConfig struct {
	// Directory is the backup location (empty = {storage.base_dir}/backups).
	Directory string               `mapstructure:"directory"`
	Schedule  BackupScheduleConfig `mapstructure:"schedule"`
}

// BackupScheduleConfig holds scheduled backup configuration.
type BackupScheduleConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Cron      string `mapstructure:"cron"` // standard 5-field cron expression
	Retention int    `mapstructure:"retention"`

	// MaxAge additionally prunes backups older than this ("30d"; 0 = off).
	MaxAge Duration `mapstructure:"max_age"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with FETCHARR_ and use underscores for
// nesting. Example: FETCHARR_SERVER_PORT=8484.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fetcharr")
		v.AddConfigPath("$HOME/.fetcharr")
	}

	v.SetEnvPrefix("FETCHARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// Called before reading the config file so every key has a value.
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
	v.SetDefault("database.dsn", "fetcharr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.encode_output_dir", "./data/encoded")
	v.SetDefault("storage.template_dir", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Pipeline defaults
	v.SetDefault("pipeline.max_active_executions", defaultMaxActiveExecutions)
	v.SetDefault("pipeline.max_attempts", defaultMaxAttempts)
	v.SetDefault("pipeline.retry_backoff_base", defaultRetryBackoffBase)
	v.SetDefault("pipeline.tv_continuation_delay", defaultTVContinuationDelay)

	// Search defaults
	v.SetDefault("search.retry_delay", defaultSearchRetryDelay)
	v.SetDefault("search.skip_unaired_for", Duration(defaultSkipUnairedFor).String())
	v.SetDefault("search.max_release_size", int64(defaultMaxReleaseSize))
	v.SetDefault("search.size_band_percent", defaultSizeBandPercent)

	// External collaborator defaults
	v.SetDefault("indexer.url", "")
	v.SetDefault("indexer.timeout", defaultCollaboratorTimeout)
	v.SetDefault("torrent.url", "")
	v.SetDefault("torrent.timeout", defaultCollaboratorTimeout)

	// Dispatch defaults
	v.SetDefault("dispatch.heartbeat_check_interval", defaultHeartbeatCheckEvery)
	v.SetDefault("dispatch.heartbeat_timeout", defaultHeartbeatTimeout)
	v.SetDefault("dispatch.job_stall_timeout", defaultJobStallTimeout)
	v.SetDefault("dispatch.progress_write_interval", defaultProgressWriteEvery)
	v.SetDefault("dispatch.progress_flush_interval", defaultProgressFlushEvery)
	v.SetDefault("dispatch.reconnect_delay", defaultReconnectDelay)
	v.SetDefault("dispatch.max_attempts", defaultAssignmentAttempts)

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", defaultBreakerFailures)
	v.SetDefault("breaker.half_open_after", defaultBreakerHalfOpenAfter)
	v.SetDefault("breaker.success_threshold", defaultBreakerSuccesses)

	// Recovery defaults
	v.SetDefault("recovery.interval", defaultRecoveryInterval)
	v.SetDefault("recovery.stuck_age", defaultStuckAge)
	v.SetDefault("recovery.download_poll_interval", defaultDownloadPoll)

	// Delivery defaults
	v.SetDefault("delivery.require_all_servers_success", true)
	v.SetDefault("delivery.timeout", defaultDeliveryTimeout)

	// Notify defaults
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.timeout", 10*time.Second)

	// Backup defaults
	v.SetDefault("backup.directory", "")
	v.SetDefault("backup.schedule.enabled", true)
	v.SetDefault("backup.schedule.cron", "0 3 * * *")
	v.SetDefault("backup.schedule.retention", 7)
	v.SetDefault("backup.schedule.max_age", "0s")
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

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Pipeline.MaxActiveExecutions < 1 {
		return fmt.Errorf("pipeline.max_active_executions must be at least 1")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1")
	}

	if c.Indexer.URL != "" && c.Indexer.Timeout <= 0 {
		return fmt.Errorf("indexer.timeout must be positive")
	}
	if c.Torrent.URL != "" && c.Torrent.Timeout <= 0 {
		return fmt.Errorf("torrent.timeout must be positive")
	}

	if c.Dispatch.HeartbeatTimeout <= c.Dispatch.HeartbeatCheckInterval {
		return fmt.Errorf("dispatch.heartbeat_timeout must exceed dispatch.heartbeat_check_interval")
	}
	if c.Dispatch.ProgressWriteInterval < c.Dispatch.ProgressFlushInterval {
		return fmt.Errorf("dispatch.progress_write_interval must be at least dispatch.progress_flush_interval")
	}
	for i, m := range c.Dispatch.PathMappings {
		if m.ServerPrefix == "" || m.RemotePrefix == "" {
			return fmt.Errorf("dispatch.path_mappings[%d]: both server_prefix and remote_prefix are required", i)
		}
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be at least 1")
	}

	seen := make(map[string]bool, len(c.Delivery.Servers))
	for i, s := range c.Delivery.Servers {
		if s.ID == "" {
			return fmt.Errorf("delivery.servers[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("delivery.servers[%d]: duplicate server id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.MoviesRoot == "" && s.TVRoot == "" {
			return fmt.Errorf("delivery.servers[%d]: at least one of movies_root or tv_root is required", i)
		}
	}

	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify.webhook_url is required when notify.enabled is true")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BackupPath returns the backup directory path.
// If Directory is set, returns it directly; otherwise {BaseDir}/backups.
func (c *BackupConfig) BackupPath(storageBaseDir string) string {
	if c.Directory != "" {
		return c.Directory
	}
	return filepath.Join(storageBaseDir, "backups")
}

// Server returns the storage server with the given id, or nil.
func (c *DeliveryConfig) Server(id string) *StorageServerConfig {
	for i := range c.Servers {
		if c.Servers[i].ID == id {
			return &c.Servers[i]
		}
	}
	return nil
}
