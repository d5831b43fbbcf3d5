package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		AppName:              "pagetrace",
		AppPort:              "3000",
		Environment:          Test,
		LogLevel:             LogLevelError,
		StoragePath:          "storage",
		DatabaseType:         SQLiteDatabase,
		HeartbeatFrequencyMs: 5000,
		CacheMaxEntries:      1000,
		CacheTTLSeconds:      60,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"invalid environment", func(c *Config) { c.Environment = "staging" }, true},
		{"invalid database type", func(c *Config) { c.DatabaseType = "mysql" }, true},
		{"postgres requires dsn", func(c *Config) { c.DatabaseType = PostgresDatabase }, true},
		{"postgres with dsn", func(c *Config) {
			c.DatabaseType = PostgresDatabase
			c.DatabaseDSN = "host=localhost user=pagetrace dbname=pagetrace"
		}, false},
		{"non-positive heartbeat", func(c *Config) { c.HeartbeatFrequencyMs = 0 }, true},
		{"non-positive cache size", func(c *Config) { c.CacheMaxEntries = 0 }, true},
		{"non-positive cache ttl", func(c *Config) { c.CacheTTLSeconds = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGetDatabasePath(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, filepath.Join("storage", "pagetrace-test.db"), cfg.GetDatabasePath())

	pg := validConfig()
	pg.DatabaseType = PostgresDatabase
	pg.DatabaseDSN = "host=localhost dbname=pagetrace"
	assert.Equal(t, pg.DatabaseDSN, pg.GetDatabasePath())
}

func TestConnectionPoolDefaults(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 1, cfg.GetMaxOpenConns())
	assert.Equal(t, 1, cfg.GetMaxIdleConns())

	cfg.Environment = Production
	assert.Equal(t, 10, cfg.GetMaxOpenConns())
	assert.Equal(t, 5, cfg.GetMaxIdleConns())

	cfg.DatabaseMaxOpenConns = 25
	cfg.DatabaseMaxIdleConns = 12
	assert.Equal(t, 25, cfg.GetMaxOpenConns())
	assert.Equal(t, 12, cfg.GetMaxIdleConns())
}

func TestActiveVisitorWindow(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 10000, cfg.ActiveVisitorWindowMs())
}
