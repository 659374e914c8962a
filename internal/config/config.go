// Package config loads relay and CLI settings from defaults, an optional
// config.yaml and DATAAGENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix, e.g. DATAAGENT_HTTP_PORT.
const EnvPrefix = "DATAAGENT"

// Config holds all configuration.
type Config struct {
	Service struct {
		Name    string `mapstructure:"name"`
		Version string `mapstructure:"version"`
	} `mapstructure:"service"`

	HTTP struct {
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	// Agent is the upstream agent server.
	Agent struct {
		BaseURL string `mapstructure:"base_url"`
		// DecodeErrorLimit fails a session after more than this many
		// consecutive malformed messages. Zero never fails.
		DecodeErrorLimit int `mapstructure:"decode_error_limit"`
	} `mapstructure:"agent"`

	Database struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"database"`

	Policy struct {
		// File replaces the built-in query policy when set.
		File string `mapstructure:"file"`
	} `mapstructure:"policy"`

	Log LogConfig `mapstructure:"log"`

	WS WSConfig `mapstructure:"ws"`

	Tracing struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"tracing"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	// File enables a size-rotated log file in addition to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// WSConfig configures the WebSocket endpoint.
type WSConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// Load reads the configuration. A missing config file is not an error.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "dataagent-relay")
	v.SetDefault("service.version", "v0.1.0")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("agent.base_url", "http://localhost:8065")
	v.SetDefault("agent.decode_error_limit", 0)

	v.SetDefault("database.url", "dataagent.db")
	v.SetDefault("policy.file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("ws.ping_interval", 30*time.Second)
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.read_timeout", 60*time.Second)
	v.SetDefault("ws.max_message_size", 64*1024)

	v.SetDefault("tracing.enabled", false)
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Agent.BaseURL == "" {
		return errors.New("agent.base_url is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Agent.DecodeErrorLimit < 0 {
		return fmt.Errorf("agent.decode_error_limit must not be negative")
	}
	if c.WS.PingInterval >= c.WS.ReadTimeout {
		return fmt.Errorf("ws.ping_interval (%s) must be shorter than ws.read_timeout (%s)", c.WS.PingInterval, c.WS.ReadTimeout)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}
