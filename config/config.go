// Package config loads service configuration from defaults, an optional
// config file, a .env file and DISPATCH_* environment variables.
//
// Precedence: environment > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DISPATCH_SERVER_PORT.
const EnvPrefix = "DISPATCH"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"db"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	// Path is the SQLite file, or ":memory:".
	Path string `mapstructure:"path"`
}

type DispatchConfig struct {
	CarpoolCapacity        int    `mapstructure:"carpool_capacity"`
	LookbackDays           int    `mapstructure:"lookback_days"`
	Timezone               string `mapstructure:"timezone"`
	DefaultReminderMinutes int    `mapstructure:"default_reminder_minutes"`
}

// Location resolves Timezone. Validate has already checked it.
func (c DispatchConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type OutboxConfig struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

type SchedulerConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	HorizonDays       int           `mapstructure:"horizon_days"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// Load reads configuration. path may name a config file; when empty,
// config.yaml is looked up in ./config and the working directory and is
// optional. A .env file in the working directory is loaded if present.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})

	v.SetDefault("db.path", "./data/dispatch.db")

	v.SetDefault("dispatch.carpool_capacity", 3)
	v.SetDefault("dispatch.lookback_days", 14)
	v.SetDefault("dispatch.timezone", "UTC")
	v.SetDefault("dispatch.default_reminder_minutes", 15)

	v.SetDefault("outbox.buffer_size", 256)
	v.SetDefault("outbox.delivery_timeout", "5s")

	v.SetDefault("scheduler.reconcile_interval", "15m")
	v.SetDefault("scheduler.horizon_days", 14)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// AutomaticEnv does not split comma lists for slice keys.
	if raw := os.Getenv(EnvPrefix + "_SERVER_CORS_ALLOWED_ORIGINS"); raw != "" {
		cfg.Server.CORS.AllowedOrigins = splitList(raw)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values the service cannot start without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("invalid config: db.path is required")
	}
	if c.Dispatch.CarpoolCapacity <= 0 {
		return fmt.Errorf("invalid config: dispatch.carpool_capacity must be positive, got %d", c.Dispatch.CarpoolCapacity)
	}
	if c.Dispatch.LookbackDays <= 0 {
		return fmt.Errorf("invalid config: dispatch.lookback_days must be positive, got %d", c.Dispatch.LookbackDays)
	}
	if c.Dispatch.DefaultReminderMinutes < 0 {
		return fmt.Errorf("invalid config: dispatch.default_reminder_minutes must not be negative, got %d", c.Dispatch.DefaultReminderMinutes)
	}
	if c.Scheduler.ReconcileInterval <= 0 {
		return fmt.Errorf("invalid config: scheduler.reconcile_interval must be positive, got %s", c.Scheduler.ReconcileInterval)
	}
	if _, err := time.LoadLocation(c.Dispatch.Timezone); err != nil {
		return fmt.Errorf("invalid config: dispatch.timezone %q: %w", c.Dispatch.Timezone, err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid config: log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// loadDotEnv loads path into the process environment if it exists.
// Variables already set are not overridden.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
