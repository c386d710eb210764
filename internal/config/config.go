// Package config provides configuration management for castd using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/castdio/castd/internal/models"
)

// Default configuration values.
const (
	defaultServerPort      = 8337
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultMaxBodySize     = 10 * 1024 * 1024 // 10MB

	defaultVideoWorkers    = 1
	defaultAudioWorkers    = 2
	defaultImageWorkers    = 4
	defaultDocumentWorkers = 2
	defaultCustomWorkers   = 1

	defaultProgressCoalesce   = 250 * time.Millisecond
	defaultRetentionCompleted = 24 * time.Hour
	defaultRetentionFailed    = 72 * time.Hour
	defaultSweepInterval      = 10 * time.Minute
	defaultProcessTimeout     = 2 * time.Hour
	defaultMaxRetries         = 2

	defaultProbeInterval    = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second

	defaultChunkSize      = 8192
	defaultChunkInterval  = 100 * time.Millisecond
	defaultCrossfade      = 3 * time.Second
	defaultLoudnessTarget = -16.0

	defaultSegmentSeconds  = 6
	defaultPlaylistWindow  = 6
	defaultListenerBuffer  = 64
	defaultNotifyAttempts  = 4
	defaultNotifyBackoff   = 2 * time.Second
	defaultPermTimeout     = 5 * time.Second
	defaultNotifyQueueSize = 256
)

// Config holds all configuration for the daemon.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	Radio     RadioConfig     `mapstructure:"radio"`
	TV        TVConfig        `mapstructure:"tv"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Encoder   EncoderConfig   `mapstructure:"encoder"`
	DBAL      DBALConfig      `mapstructure:"dbal"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// MaxBodySize caps request bodies; larger payloads are rejected with
	// payload_too_large. Supports human-readable values like "10MB".
	MaxBodySize ByteSize `mapstructure:"max_body_size"`
}

// DatabaseConfig holds the best-effort write-through store configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN      string `mapstructure:"dsn" masq:"secret"`
	LogLevel string `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// WorkersConfig sizes the per-type worker pools. Video is the most
// expensive work, so it defaults to the smallest pool.
type WorkersConfig struct {
	VideoTranscode  int `mapstructure:"video_transcode"`
	AudioTranscode  int `mapstructure:"audio_transcode"`
	ImageProcess    int `mapstructure:"image_process"`
	DocumentConvert int `mapstructure:"document_convert"`
	Custom          int `mapstructure:"custom"`
}

// For returns the pool size for a job type.
func (w WorkersConfig) For(t models.JobType) int {
	switch t {
	case models.JobTypeVideoTranscode:
		return w.VideoTranscode
	case models.JobTypeAudioTranscode:
		return w.AudioTranscode
	case models.JobTypeImageProcess:
		return w.ImageProcess
	case models.JobTypeDocumentConvert:
		return w.DocumentConvert
	case models.JobTypeCustom:
		return w.Custom
	default:
		return 0
	}
}

// Total sums all pool sizes.
func (w WorkersConfig) Total() int {
	return w.VideoTranscode + w.AudioTranscode + w.ImageProcess + w.DocumentConvert + w.Custom
}

// JobsConfig holds job queue configuration.
type JobsConfig struct {
	Workers            WorkersConfig `mapstructure:"workers"`
	ProgressCoalesce   time.Duration `mapstructure:"progress_coalesce"`
	RetentionCompleted time.Duration `mapstructure:"retention_completed"`
	RetentionFailed    time.Duration `mapstructure:"retention_failed"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	ProcessTimeout     time.Duration `mapstructure:"process_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// PluginsConfig holds plugin registry configuration.
type PluginsConfig struct {
	// Dir is scanned for dynamic plugin artifacts at startup. Empty
	// disables scanning; built-in plugins are always registered.
	Dir              string        `mapstructure:"dir"`
	ConfigDir        string        `mapstructure:"config_dir"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// RadioConfig holds radio engine configuration.
type RadioConfig struct {
	// ChunkSize and ChunkInterval bound the pacing of mount writes: one
	// chunk of decoded audio is produced per interval.
	ChunkSize        int           `mapstructure:"chunk_size"`
	ChunkInterval    time.Duration `mapstructure:"chunk_interval"`
	DefaultCrossfade time.Duration `mapstructure:"default_crossfade"`
	DefaultLoudness  float64       `mapstructure:"default_loudness_lufs"`
}

// TVConfig holds TV engine configuration.
type TVConfig struct {
	SegmentDir     string `mapstructure:"segment_dir"`
	SegmentSeconds int    `mapstructure:"segment_seconds"`
	// PlaylistWindow is the number of segments kept per variant playlist.
	PlaylistWindow int `mapstructure:"playlist_window"`
}

// BroadcastConfig holds broadcaster configuration.
type BroadcastConfig struct {
	// ListenerBuffer is the per-listener chunk buffer; a listener that
	// falls this far behind is pruned.
	ListenerBuffer int `mapstructure:"listener_buffer"`
}

// EncoderConfig holds external encoder tool configuration.
type EncoderConfig struct {
	BinaryPath    string `mapstructure:"binary_path"`    // Path to ffmpeg binary (empty = "ffmpeg" from PATH)
	ProbePath     string `mapstructure:"probe_path"`     // Path to ffprobe binary (empty = "ffprobe" from PATH)
	ConverterPath string `mapstructure:"converter_path"` // Path to the document converter binary
}

// DBALConfig holds the external notification/permission service endpoints.
type DBALConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key" masq:"secret"`
	NotifyAttempts    int           `mapstructure:"notify_attempts"`
	NotifyBackoff     time.Duration `mapstructure:"notify_backoff"`
	NotifyQueueSize   int           `mapstructure:"notify_queue_size"`
	PermissionTimeout time.Duration `mapstructure:"permission_timeout"`
	// RequirePermission gates mutating API calls on the permission check.
	RequirePermission bool `mapstructure:"require_permission"`
}

// Enabled reports whether an external service is configured at all.
func (c DBALConfig) Enabled() bool {
	return c.BaseURL != ""
}

// ChannelsConfig points at the optional declarative channel bootstrap file.
type ChannelsConfig struct {
	BootstrapFile string `mapstructure:"bootstrap_file"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with CASTD_ and use underscores for
// nesting. Example: CASTD_SERVER_PORT=8337.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("castd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/castd")
		v.AddConfigPath("$HOME/.castd")
	}

	v.SetEnvPrefix("CASTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so every key has a
// value even when absent from the file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_body_size", defaultMaxBodySize)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "castd.db")
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Job queue defaults
	v.SetDefault("jobs.workers.video_transcode", defaultVideoWorkers)
	v.SetDefault("jobs.workers.audio_transcode", defaultAudioWorkers)
	v.SetDefault("jobs.workers.image_process", defaultImageWorkers)
	v.SetDefault("jobs.workers.document_convert", defaultDocumentWorkers)
	v.SetDefault("jobs.workers.custom", defaultCustomWorkers)
	v.SetDefault("jobs.progress_coalesce", defaultProgressCoalesce)
	v.SetDefault("jobs.retention_completed", defaultRetentionCompleted)
	v.SetDefault("jobs.retention_failed", defaultRetentionFailed)
	v.SetDefault("jobs.sweep_interval", defaultSweepInterval)
	v.SetDefault("jobs.process_timeout", defaultProcessTimeout)
	v.SetDefault("jobs.max_retries", defaultMaxRetries)

	// Plugin defaults
	v.SetDefault("plugins.dir", "")
	v.SetDefault("plugins.config_dir", "")
	v.SetDefault("plugins.probe_interval", defaultProbeInterval)
	v.SetDefault("plugins.handshake_timeout", defaultHandshakeTimeout)

	// Radio defaults
	v.SetDefault("radio.chunk_size", defaultChunkSize)
	v.SetDefault("radio.chunk_interval", defaultChunkInterval)
	v.SetDefault("radio.default_crossfade", defaultCrossfade)
	v.SetDefault("radio.default_loudness_lufs", defaultLoudnessTarget)

	// TV defaults
	v.SetDefault("tv.segment_dir", "./data/segments")
	v.SetDefault("tv.segment_seconds", defaultSegmentSeconds)
	v.SetDefault("tv.playlist_window", defaultPlaylistWindow)

	// Broadcaster defaults
	v.SetDefault("broadcast.listener_buffer", defaultListenerBuffer)

	// Encoder defaults
	v.SetDefault("encoder.binary_path", "")
	v.SetDefault("encoder.probe_path", "")
	v.SetDefault("encoder.converter_path", "")

	// DBAL defaults
	v.SetDefault("dbal.base_url", "")
	v.SetDefault("dbal.api_key", "")
	v.SetDefault("dbal.notify_attempts", defaultNotifyAttempts)
	v.SetDefault("dbal.notify_backoff", defaultNotifyBackoff)
	v.SetDefault("dbal.notify_queue_size", defaultNotifyQueueSize)
	v.SetDefault("dbal.permission_timeout", defaultPermTimeout)
	v.SetDefault("dbal.require_permission", false)

	// Channel bootstrap defaults
	v.SetDefault("channels.bootstrap_file", "")
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

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	for _, t := range models.JobTypes {
		if c.Jobs.Workers.For(t) < 0 {
			return fmt.Errorf("jobs.workers.%s must not be negative", strings.ReplaceAll(string(t), "-", "_"))
		}
	}
	if c.Jobs.Workers.Total() == 0 {
		return fmt.Errorf("at least one job worker must be configured")
	}
	if c.Jobs.ProgressCoalesce < 0 {
		return fmt.Errorf("jobs.progress_coalesce must not be negative")
	}

	if c.Radio.ChunkSize < 1 {
		return fmt.Errorf("radio.chunk_size must be at least 1")
	}
	if c.Radio.ChunkInterval <= 0 {
		return fmt.Errorf("radio.chunk_interval must be positive")
	}
	if c.Radio.DefaultLoudness > 0 {
		return fmt.Errorf("radio.default_loudness_lufs must be negative or zero")
	}

	if c.TV.SegmentSeconds < 1 {
		return fmt.Errorf("tv.segment_seconds must be at least 1")
	}
	if c.TV.PlaylistWindow < 1 {
		return fmt.Errorf("tv.playlist_window must be at least 1")
	}
	if c.TV.SegmentDir == "" {
		return fmt.Errorf("tv.segment_dir is required")
	}

	if c.Broadcast.ListenerBuffer < 1 {
		return fmt.Errorf("broadcast.listener_buffer must be at least 1")
	}

	if c.DBAL.Enabled() {
		if c.DBAL.NotifyAttempts < 1 {
			return fmt.Errorf("dbal.notify_attempts must be at least 1")
		}
		if c.DBAL.NotifyBackoff <= 0 {
			return fmt.Errorf("dbal.notify_backoff must be positive")
		}
	}
	if c.DBAL.RequirePermission && !c.DBAL.Enabled() {
		return fmt.Errorf("dbal.require_permission needs dbal.base_url")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EncoderBinary returns the encoder binary, defaulting to ffmpeg on PATH.
func (c *EncoderConfig) EncoderBinary() string {
	if c.BinaryPath != "" {
		return c.BinaryPath
	}
	return "ffmpeg"
}

// ProbeBinary returns the probe binary, defaulting to ffprobe on PATH.
func (c *EncoderConfig) ProbeBinary() string {
	if c.ProbePath != "" {
		return c.ProbePath
	}
	return "ffprobe"
}
