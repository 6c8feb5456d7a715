package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var configTemplate = `# config.toml

# Session secret
# Signs the client identity cookie.
# It will be generated automatically on the first run if not set.
session_secret = "{{ .sessionSecret }}"

[server]
  # Hostname or IP address for the worker to listen on.
  # Default: "{{ .host }}"
  host = "{{ .host }}"

  # Port for the worker to listen on.
  # Default: 8383
  port = 8383

  # Base URL when served under a subdirectory (e.g., /kura/).
  # Optional.
  # Default: ""
  #base_url = ""

[database]
  # Durable store for caches and the offline queue.
  # Supported: "sqlite", "postgres"
  # Default: "sqlite"
  type = "sqlite"

  [database.postgres]
    host = "localhost"
    port = 5432
    database = "kura"
    username = "postgres"
    password = "postgres"
    # Options: "disable", "allow", "prefer", "require", "verify-ca", "verify-full"
    ssl_mode = "disable"

[logging]
  # Log file path. Empty writes to stdout.
  # Default: ""
  path = "log/"

  # Options: "ERROR", "WARN", "INFO", "DEBUG", "TRACE"
  # Default: "DEBUG"
  level = "DEBUG"

  # Maximum size of a log file in megabytes before it is rotated.
  # Default: 50
  max_file_size = 50

  # Maximum number of old log files to keep.
  # Default: 3
  max_backup_count = 3

[worker]
  # Prefix of every cache name.
  # Default: "kura"
  app_id = "kura"

  # Overrides the build version in cache names. Bumping it invalidates
  # every cache on the next start.
  # Optional.
  #cache_version = ""

  # Path prefixes served network-first.
  # Default: ["/api/"]
  api_prefixes = ["/api/"]

  # How long a network-first request waits for the upstream.
  # Default: "5s"
  network_timeout = "5s"

  # Upper bound for precaching on install.
  # Default: "30s"
  install_timeout = "30s"

  # Query parameters stripped from cache keys (cache busters).
  # Default: []
  ignore_query_params = []

  # YAML file listing static and api URLs to precache.
  # Optional. Built-in defaults are used when unset.
  #manifest_path = "precache.yaml"

  # Soft cap for page event listeners per event.
  # Default: 10
  max_listeners = 10

[upstream]
  # Origin requests are forwarded to.
  base_url = "http://127.0.0.1:8080"

  # Checked by the connectivity monitor.
  # Default: "/api/health"
  health_path = "/api/health"

[sync]
  # Enable the connectivity monitor and periodic drain.
  # Default: true
  enabled = true

  # Cron schedule for the connectivity check.
  # Default: "@every 15s"
  check_schedule = "@every 15s"

  # Cron schedule for the safety-net drain.
  # Default: "@every 5m"
  drain_schedule = "@every 5m"

  # Default: "3s"
  check_timeout = "3s"
`

var generateRandomString = func(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func writeConfig(configPath string, configFile string) error {
	cfgPath := filepath.Join(configPath, configFile)

	// check if configPath exists, if not create it
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(configPath, os.ModePerm); err != nil {
			log.Println(err)
			return err
		}
	}

	// check if config exists, if not create it
	if _, err := os.Stat(cfgPath); !errors.Is(err, os.ErrNotExist) {
		return nil
	}

	host := "127.0.0.1"
	if _, dockerErr := os.Stat("/.dockerenv"); dockerErr == nil {
		host = "0.0.0.0"
	} else if b, cgroupErr := os.ReadFile("/proc/1/cgroup"); cgroupErr == nil {
		if strings.Contains(string(b), "/docker") || strings.Contains(string(b), "/lxc") {
			host = "0.0.0.0"
		}
	}

	f, err := os.Create(cfgPath)
	if err != nil {
		log.Printf("error creating file: %q", err)
		return err
	}
	defer func(f *os.File) {
		if errClose := f.Close(); errClose != nil {
			log.Printf("error closing file: %q", errClose)
		}
	}(f)

	sessionSecret, err := generateRandomString(16)
	if err != nil {
		log.Printf("Failed to generate session secret: %v. Using a default placeholder.", err)
		sessionSecret = "fallback-please-replace-this-secret-immediately"
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return errors.Wrap(err, "could not create config template")
	}

	tmplVars := map[string]string{
		"host":          host,
		"sessionSecret": sessionSecret,
	}

	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, &tmplVars); err != nil {
		return errors.Wrap(err, "could not write config template output")
	}

	if _, err := f.WriteString(buffer.String()); err != nil {
		log.Printf("error writing contents to file: %v %q", configPath, err)
		return err
	}

	return f.Sync()
}

type Config interface {
	Current() *domain.Config
	DynamicReload(log logger.Logger, hooks ...func(*domain.Config))
}

type AppConfig struct {
	Config *domain.Config
	m      sync.RWMutex
}

func New(configPath string, version string) *AppConfig {
	c := &AppConfig{}
	c.defaults()
	c.Config.Version = version
	c.Config.ConfigPath = configPath

	c.load(configPath)

	return c
}

func Defaults() *domain.Config {
	return &domain.Config{
		Version:       "dev",
		SessionSecret: "secret-session-key",
		Server: domain.ServerConfig{
			Host: "127.0.0.1",
			Port: 8383,
		},
		Database: domain.DatabaseConfig{
			Type: "sqlite",
			Postgres: domain.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "kura",
				User:     "postgres",
				Pass:     "postgres",
				SslMode:  "disable",
			},
		},
		Logging: domain.LoggingConfig{
			Level:          "DEBUG",
			MaxFileSize:    50,
			MaxBackupCount: 3,
		},
		Worker: domain.WorkerConfig{
			AppID:          "kura",
			APIPrefixes:    []string{"/api/"},
			NetworkTimeout: 5 * time.Second,
			InstallTimeout: 30 * time.Second,
			MaxListeners:   10,
		},
		Upstream: domain.UpstreamConfig{
			BaseURL:    "http://127.0.0.1:8080",
			HealthPath: "/api/health",
		},
		Sync: domain.SyncConfig{
			Enabled:       true,
			CheckSchedule: "@every 15s",
			DrainSchedule: "@every 5m",
			CheckTimeout:  3 * time.Second,
		},
	}
}

func (c *AppConfig) defaults() {
	c.Config = Defaults()
}

func (c *AppConfig) load(configPath string) {
	viper.SetConfigType("toml")

	if configPath != "" {
		configPath = path.Clean(configPath)
		if err := writeConfig(configPath, "config.toml"); err != nil {
			log.Printf("writeConfig error during load: %q", err)
		}
		viper.SetConfigFile(path.Join(configPath, "config.toml"))
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/kura")
		viper.AddConfigPath("$HOME/.kura")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Config file not found, using defaults: %s", viper.ConfigFileUsed())
		} else {
			log.Printf("Config read error: %q. Using defaults.", err)
		}
	}

	if err := viper.Unmarshal(c.Config); err != nil {
		log.Fatalf("Could not unmarshal config file into struct: %v. Config file used: %s", err, viper.ConfigFileUsed())
	}
}

// Current returns the active configuration. A reload swaps the pointer, it
// never mutates a returned value.
func (c *AppConfig) Current() *domain.Config {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.Config
}

// Update applies fn to a copy of the active configuration and swaps the copy
// in, returning it.
func (c *AppConfig) Update(fn func(*domain.Config)) *domain.Config {
	c.m.Lock()
	defer c.m.Unlock()

	next := *c.Config
	fn(&next)
	c.Config = &next

	return c.Config
}

// DynamicReload watches the config file. Hooks run after every successful
// reload with the new configuration.
func (c *AppConfig) DynamicReload(log logger.Logger, hooks ...func(*domain.Config)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s. Reloading configuration.", e.Name)

		if err := viper.ReadInConfig(); err != nil {
			log.Error().Err(err).Msg("Error reading config file during dynamic reload")
			return
		}

		c.m.Lock()
		newConfig := Defaults()
		newConfig.Version = c.Config.Version
		newConfig.ConfigPath = c.Config.ConfigPath

		if err := viper.Unmarshal(newConfig); err != nil {
			c.m.Unlock()
			log.Error().Err(err).Msg("Error unmarshalling config during dynamic reload")
			return
		}
		c.Config = newConfig
		c.m.Unlock()

		log.SetLogLevel(newConfig.Logging.Level)
		for _, hook := range hooks {
			hook(newConfig)
		}

		log.Debug().Msg("Configuration reloaded successfully!")
	})
	viper.WatchConfig()
}
