package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "benefits.db", cfg.DB.Path)
	assert.False(t, cfg.Balance.AllowOverdraft)
	assert.True(t, cfg.Balance.LazyInit)
	assert.Equal(t, uint64(3), cfg.Balance.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Balance.RetryBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Reports.CacheTTL)
	assert.Equal(t, time.Duration(0), cfg.Recon.RetryInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	// GIVEN: a config file and an env override for one of its keys
	file := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte("server:\n  port: 9000\ndb:\n  path: file.db\nbalance:\n  allow_overdraft: true\n"), 0o600))
	t.Setenv("BENEFITS_DB_PATH", ":memory:")
	t.Setenv("BENEFITS_REPORTS_CACHE_TTL", "30s")

	// WHEN
	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)

	// THEN: file wins over defaults, env wins over file
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Balance.AllowOverdraft)
	assert.Equal(t, ":memory:", cfg.DB.Path)
	assert.Equal(t, 30*time.Second, cfg.Reports.CacheTTL)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("BENEFITS_SERVER_PORT=7070\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("BENEFITS_SERVER_PORT") })

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:  ServerConfig{Port: 8080},
			DB:      DBConfig{Path: "x.db"},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"empty db path", func(c *Config) { c.DB.Path = " " }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"json format", func(c *Config) { c.Logging.Format = "json" }, false},
		{"negative retry interval", func(c *Config) { c.Recon.RetryInterval = -time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
