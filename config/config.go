/*
Package config loads runtime settings for the benefits engine.

SOURCES (later wins):
  1. Defaults below
  2. Optional YAML config file (--config, or ./benefits.yaml)
  3. .env file in the working directory, if present
  4. Environment variables prefixed BENEFITS_, dots become underscores
     (BENEFITS_DB_PATH, BENEFITS_BALANCE_ALLOW_OVERDRAFT, ...)
  5. Command-line flags bound by cmd/server

KEYS:
  server.port               HTTP port (8080)
  server.shutdown_timeout   Graceful shutdown budget (30s)
  db.path                   SQLite path, ":memory:" for in-memory (benefits.db)
  balance.allow_overdraft   Let approvals drive a balance negative (false)
  balance.lazy_init         Create missing balance rows on first write (true)
  balance.max_retries       Retries after a concurrent modification (3)
  balance.retry_backoff     Pause between retries (10ms)
  reports.cache_ttl         Report cache lifetime (5m)
  reports.cache_size        Max cached reports, 0 = unbounded (256)
  reconciliation.retry_interval  Outbox retry period, 0 disables (0)
  logging.level             debug, info, warn, error (info)
  logging.format            text, json (text)
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "BENEFITS"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	DB      DBConfig      `mapstructure:"db"`
	Balance BalanceConfig `mapstructure:"balance"`
	Reports ReportsConfig `mapstructure:"reports"`
	Recon   ReconConfig   `mapstructure:"reconciliation"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type BalanceConfig struct {
	AllowOverdraft bool          `mapstructure:"allow_overdraft"`
	LazyInit       bool          `mapstructure:"lazy_init"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

type ReportsConfig struct {
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

type ReconConfig struct {
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key so env overrides are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("db.path", "benefits.db")
	v.SetDefault("balance.allow_overdraft", false)
	v.SetDefault("balance.lazy_init", true)
	v.SetDefault("balance.max_retries", 3)
	v.SetDefault("balance.retry_backoff", 10*time.Millisecond)
	v.SetDefault("reports.cache_ttl", 5*time.Minute)
	v.SetDefault("reports.cache_size", 256)
	v.SetDefault("reconciliation.retry_interval", time.Duration(0))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads defaults, the optional config file, .env and the environment
// into v and returns the typed result. A missing config file or .env is fine.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("benefits")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.DB.Path) == "" {
		return errors.New("db.path is required")
	}
	if c.Balance.RetryBackoff < 0 {
		return fmt.Errorf("invalid balance.retry_backoff: %s", c.Balance.RetryBackoff)
	}
	if c.Recon.RetryInterval < 0 {
		return fmt.Errorf("invalid reconciliation.retry_interval: %s", c.Recon.RetryInterval)
	}
	if c.Reports.CacheSize < 0 {
		return fmt.Errorf("invalid reports.cache_size: %d", c.Reports.CacheSize)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "text", "console", "":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level: %s", level)
}
