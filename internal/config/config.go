// Package config loads the service configuration from YAML, .env files and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither a flag nor METERING_CONFIG is set.
const DefaultConfigPath = "config.yaml"

// AppConfig holds command line inputs.
type AppConfig struct {
	ConfigPath string // Path to the YAML configuration file.
	EnvFile    string // Optional .env file loaded before the YAML.
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metering MeteringConfig `yaml:"metering"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
	GinMode         string        `yaml:"gin-mode"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max-open-conns"`
	MaxIdleConns    int           `yaml:"max-idle-conns"`
	ConnMaxLifetime time.Duration `yaml:"conn-max-lifetime"`
	AutoMigrate     bool          `yaml:"auto-migrate"`
}

// RedisConfig configures the optional shared price cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// LoggingConfig configures logrus and the optional rotating file sink.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

// MeteringConfig holds file defaults for the metering core. Values stored in the
// settings table override the runtime-tunable ones.
type MeteringConfig struct {
	AuthorizationTTL        time.Duration `yaml:"authorization-ttl"`
	ReconcileInterval       time.Duration `yaml:"reconcile-interval"`
	ReconcileBatchSize      int           `yaml:"reconcile-batch-size"`
	PriceCacheTTL           time.Duration `yaml:"price-cache-ttl"`
	CallRecordRetentionDays int           `yaml:"call-record-retention-days"`
	RetentionInterval       time.Duration `yaml:"retention-interval"`
	SettingsRefresh         time.Duration `yaml:"settings-refresh-interval"`
}

// SecurityConfig holds credentials for the service and admin APIs.
type SecurityConfig struct {
	ServiceToken string `yaml:"service-token"`
	AdminKeyHash string `yaml:"admin-key-hash"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = ":8318"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if strings.TrimSpace(c.Server.GinMode) == "" {
		c.Server.GinMode = "release"
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		c.Database.DSN = "file:data/metering.db"
	}
	if strings.TrimSpace(c.Redis.Prefix) == "" {
		c.Redis.Prefix = "metering:price:"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 7
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 30
	}
	if c.Metering.AuthorizationTTL <= 0 {
		c.Metering.AuthorizationTTL = 10 * time.Minute
	}
	if c.Metering.ReconcileInterval <= 0 {
		c.Metering.ReconcileInterval = time.Minute
	}
	if c.Metering.ReconcileBatchSize <= 0 {
		c.Metering.ReconcileBatchSize = 500
	}
	if c.Metering.PriceCacheTTL <= 0 {
		c.Metering.PriceCacheTTL = 5 * time.Minute
	}
	if c.Metering.CallRecordRetentionDays < 0 {
		c.Metering.CallRecordRetentionDays = 0
	}
	if c.Metering.RetentionInterval <= 0 {
		c.Metering.RetentionInterval = 6 * time.Hour
	}
	if c.Metering.SettingsRefresh <= 0 {
		c.Metering.SettingsRefresh = 30 * time.Second
	}
}

// ResolveConfigPath returns the config path from the flag, METERING_CONFIG or the default.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("METERING_CONFIG")); env != "" {
		return env
	}
	return DefaultConfigPath
}

// ConfigExists reports whether the config file is present.
func ConfigExists(path string) bool {
	info, err := os.Stat(ResolveConfigPath(path))
	return err == nil && !info.IsDir()
}

// LoadEnvFile loads key/value pairs from a .env file without overriding the process environment.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ".env"
	}
	if _, errStat := os.Stat(path); errStat != nil {
		if os.IsNotExist(errStat) {
			return nil
		}
		return fmt.Errorf("config: stat env file: %w", errStat)
	}
	if errLoad := godotenv.Load(path); errLoad != nil {
		return fmt.Errorf("config: load env file: %w", errLoad)
	}
	return nil
}

// Load reads the YAML file at path, applies environment overrides and defaults.
// A missing file yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	resolved := ResolveConfigPath(path)
	data, errRead := os.ReadFile(filepath.Clean(resolved))
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", resolved, errUnmarshal)
		}
	case os.IsNotExist(errRead):
	default:
		return nil, fmt.Errorf("config: read %s: %w", resolved, errRead)
	}

	if errEnv := cfg.applyEnv(); errEnv != nil {
		return nil, errEnv
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadDatabaseDSN returns only the database DSN from the config at path.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, err := Load(path)
	if err != nil {
		return "", err
	}
	return cfg.Database.DSN, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("LISTEN_ADDR", &c.Server.Listen)
	setString("DATABASE_DSN", &c.Database.DSN)
	setString("REDIS_ADDR", &c.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Redis.Password)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FILE", &c.Logging.File)
	setString("METERING_SERVICE_TOKEN", &c.Security.ServiceToken)
	setString("METERING_ADMIN_KEY_HASH", &c.Security.AdminKeyHash)

	if v, ok := os.LookupEnv("REDIS_DB"); ok && strings.TrimSpace(v) != "" {
		n, errParse := strconv.Atoi(strings.TrimSpace(v))
		if errParse != nil {
			return fmt.Errorf("config: REDIS_DB: %w", errParse)
		}
		c.Redis.DB = n
	}
	if v, ok := os.LookupEnv("AUTHORIZATION_TTL"); ok && strings.TrimSpace(v) != "" {
		d, errParse := time.ParseDuration(strings.TrimSpace(v))
		if errParse != nil {
			return fmt.Errorf("config: AUTHORIZATION_TTL: %w", errParse)
		}
		c.Metering.AuthorizationTTL = d
	}
	if v, ok := os.LookupEnv("RECONCILE_INTERVAL"); ok && strings.TrimSpace(v) != "" {
		d, errParse := time.ParseDuration(strings.TrimSpace(v))
		if errParse != nil {
			return fmt.Errorf("config: RECONCILE_INTERVAL: %w", errParse)
		}
		c.Metering.ReconcileInterval = d
	}
	return nil
}
