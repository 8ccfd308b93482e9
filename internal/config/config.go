// Package config resolves service settings from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Env         string         `yaml:"env"`
	ServiceName string         `yaml:"service_name"`
	HTTPAddr    string         `yaml:"http_addr"`
	LogLevel    string         `yaml:"log_level"`
	LogFormat   string         `yaml:"log_format"`
	Store       StoreConfig    `yaml:"store"`
	Schedule    ScheduleConfig `yaml:"schedule"`
	Liveness    LivenessConfig `yaml:"liveness"`
	SNMP        SNMPConfig     `yaml:"snmp"`
	Redis       RedisConfig    `yaml:"redis"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

type ScheduleConfig struct {
	SerializeByDevice bool `yaml:"serialize_by_device"`
}

type LivenessConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	Interval   time.Duration `yaml:"interval"`
}

type SNMPConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Community string        `yaml:"community"`
	Port      int           `yaml:"port"`
	Timeout   time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func Defaults() Config {
	return Config{
		Env:         "development",
		ServiceName: "capsched",
		HTTPAddr:    ":8081",
		LogLevel:    "info",
		LogFormat:   "json",
		Store: StoreConfig{
			Driver:     DriverMemory,
			SQLitePath: "capsched.db",
		},
		Schedule: ScheduleConfig{SerializeByDevice: true},
		Liveness: LivenessConfig{
			StaleAfter: 2 * time.Minute,
			Interval:   30 * time.Second,
		},
		SNMP: SNMPConfig{
			Community: "public",
			Port:      161,
			Timeout:   2 * time.Second,
		},
		Redis: RedisConfig{Stream: "recording_states"},
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// CONFIG_FILE is consulted, and without either only defaults and the
// environment apply. In development a .env file is loaded first if present.
func Load(path string) (Config, error) {
	if getEnv("APP_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	cfg := Defaults()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", cfg.LogFormat))
	cfg.Store.Driver = strings.ToLower(getEnv("STORE_DRIVER", cfg.Store.Driver))
	cfg.Store.DatabaseURL = getEnv("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.SQLitePath = getEnv("SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.SNMP.Community = getEnv("SNMP_COMMUNITY", cfg.SNMP.Community)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Stream = getEnv("REDIS_STREAM", cfg.Redis.Stream)

	var err error
	if cfg.Schedule.SerializeByDevice, err = getEnvBool("SERIALIZE_BY_DEVICE", cfg.Schedule.SerializeByDevice); err != nil {
		return err
	}
	if cfg.SNMP.Enabled, err = getEnvBool("SNMP_PROBE_ENABLED", cfg.SNMP.Enabled); err != nil {
		return err
	}
	if cfg.SNMP.Port, err = getEnvInt("SNMP_PORT", cfg.SNMP.Port); err != nil {
		return err
	}
	if cfg.Liveness.StaleAfter, err = getEnvDuration("AGENT_STALE_AFTER", cfg.Liveness.StaleAfter); err != nil {
		return err
	}
	if cfg.Liveness.Interval, err = getEnvDuration("LIVENESS_INTERVAL", cfg.Liveness.Interval); err != nil {
		return err
	}
	if cfg.SNMP.Timeout, err = getEnvDuration("SNMP_TIMEOUT", cfg.SNMP.Timeout); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		errs = append(errs, errors.New("SERVICE_NAME must not be empty"))
	}
	if c.Store.Driver == DriverSQLite && c.Store.SQLitePath == "" {
		errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
	}
	if c.Liveness.StaleAfter <= 0 {
		errs = append(errs, errors.New("AGENT_STALE_AFTER must be positive"))
	}
	if c.Liveness.Interval <= 0 {
		errs = append(errs, errors.New("LIVENESS_INTERVAL must be positive"))
	}
	if c.SNMP.Port <= 0 || c.SNMP.Port > 65535 {
		errs = append(errs, fmt.Errorf("SNMP_PORT %d out of range", c.SNMP.Port))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
