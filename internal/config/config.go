package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"todoline/internal/validate"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "todoline.yml"

// EnvPrefix prefixes environment overrides, e.g. TODOLINE_DATABASE_PATH.
const EnvPrefix = "TODOLINE"

// Config models todoline.yml.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Rollover  RolloverConfig  `mapstructure:"rollover" yaml:"rollover"`
	Sessions  SessionsConfig  `mapstructure:"sessions" yaml:"sessions"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

type DatabaseConfig struct {
	Path       string        `mapstructure:"path" yaml:"path"`
	RetryCount int           `mapstructure:"retry_count" yaml:"retry_count"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// RetentionConfig controls deletion of old tasks. Zero days keeps everything.
type RetentionConfig struct {
	Days int `mapstructure:"days" yaml:"days"`
}

type RolloverConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	HourUTC int  `mapstructure:"hour_utc" yaml:"hour_utc"`
}

// SessionsConfig bounds live task lists. TTL is both the default and the
// longest lifetime a client may ask for. Webhook sessions may only call back
// to CallbackHosts; an empty list disables them.
type SessionsConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	CallbackHosts []string      `mapstructure:"callback_hosts" yaml:"callback_hosts"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	BasePath  string `mapstructure:"base_path" yaml:"base_path"`
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	DevLogin  bool   `mapstructure:"dev_login" yaml:"dev_login"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:       "data/tasks.db",
			RetryCount: 3,
			RetryDelay: time.Second,
		},
		Rollover: RolloverConfig{Enabled: true},
		Sessions: SessionsConfig{TTL: 300 * time.Second},
		Server:   ServerConfig{Addr: ":8080", BasePath: "/v0"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.retry_count", cfg.Database.RetryCount)
	v.SetDefault("database.retry_delay", cfg.Database.RetryDelay)
	v.SetDefault("retention.days", cfg.Retention.Days)
	v.SetDefault("rollover.enabled", cfg.Rollover.Enabled)
	v.SetDefault("rollover.hour_utc", cfg.Rollover.HourUTC)
	v.SetDefault("sessions.ttl", cfg.Sessions.TTL)
	v.SetDefault("sessions.callback_hosts", cfg.Sessions.CallbackHosts)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.base_path", cfg.Server.BasePath)
	v.SetDefault("server.jwt_secret", cfg.Server.JWTSecret)
	v.SetDefault("server.dev_login", cfg.Server.DevLogin)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}

// NewViper returns a viper instance carrying defaults and environment
// bindings, ready for flag binding and Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, if any, over the defaults and applies
// environment overrides. An empty path falls back to DefaultFile when present.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures every value is within bounds.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if c.Database.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("database.retry_count cannot be negative"))
	}
	if c.Database.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("database.retry_delay cannot be negative"))
	}
	if _, err := validate.RetentionDays(c.Retention.Days); err != nil {
		errs = append(errs, err)
	}
	if _, err := validate.RolloverHour(c.Rollover.HourUTC); err != nil {
		errs = append(errs, err)
	}
	if c.Sessions.TTL <= 0 {
		errs = append(errs, fmt.Errorf("sessions.ttl must be positive"))
	}
	for _, host := range c.Sessions.CallbackHosts {
		if strings.TrimSpace(host) == "" || strings.ContainsAny(host, "/@") {
			errs = append(errs, fmt.Errorf("sessions.callback_hosts entry %q must be a bare host or host:port", host))
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with /"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// YAML renders cfg as a config file.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GenerateDefault returns the default config as YAML.
func GenerateDefault() string {
	out, err := Default().YAML()
	if err != nil {
		panic(err)
	}
	return out
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
