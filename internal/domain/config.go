package domain

import "time"

// ServerConfig holds server-related settings
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`
}

// PostgresConfig holds PostgreSQL-specific settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"username"`
	Pass     string `mapstructure:"password"`
	SslMode  string `mapstructure:"ssl_mode"`
}

// DatabaseConfig holds general database settings and nested specific configs
type DatabaseConfig struct {
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Path           string `mapstructure:"path"`
	Level          string `mapstructure:"level"`
	MaxFileSize    int    `mapstructure:"max_file_size"`
	MaxBackupCount int    `mapstructure:"max_backup_count"`
}

// WorkerConfig controls caching, interception and the cache lifecycle.
type WorkerConfig struct {
	AppID string `mapstructure:"app_id"`
	// CacheVersion overrides the build version in cache names when set.
	CacheVersion      string        `mapstructure:"cache_version"`
	APIPrefixes       []string      `mapstructure:"api_prefixes"`
	NetworkTimeout    time.Duration `mapstructure:"network_timeout"`
	InstallTimeout    time.Duration `mapstructure:"install_timeout"`
	IgnoreQueryParams []string      `mapstructure:"ignore_query_params"`
	ManifestPath      string        `mapstructure:"manifest_path"`
	MaxListeners      int           `mapstructure:"max_listeners"`
}

// UpstreamConfig points at the application origin requests are forwarded to.
type UpstreamConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	HealthPath string `mapstructure:"health_path"`
}

// SyncConfig holds the background sync schedules.
type SyncConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckSchedule string        `mapstructure:"check_schedule"`
	DrainSchedule string        `mapstructure:"drain_schedule"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
}

// Config holds the application's configuration, mapped from config.toml
type Config struct {
	Version       string // set from build flags
	ConfigPath    string
	SessionSecret string `mapstructure:"session_secret"`

	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

// CacheVersion returns the version embedded in cache names.
func (c *Config) CacheVersion() string {
	if c.Worker.CacheVersion != "" {
		return c.Worker.CacheVersion
	}
	return c.Version
}

// ConfigUpdate holds the settings that can change at runtime. Nil fields are
// left as they are.
type ConfigUpdate struct {
	LogLevel       *string `json:"log_level,omitempty"`
	NetworkTimeout *string `json:"network_timeout,omitempty"`
	// DrainSchedule takes a cron spec or a duration, empty stops periodic drains.
	DrainSchedule  *string `json:"drain_schedule,omitempty"`
}
