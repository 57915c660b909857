package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-ledger/ledger"
)

var envKeys = []string{
	"PORT", "DB_DRIVER", "DB_PATH", "DATABASE_URL", "STRICT_MODE", "DUPLICATE_WINDOW",
	"BACKLOG_POLICY", "SWEEP_ENABLED", "SWEEP_INTERVAL", "KAFKA_BROKERS", "DISPLAY_CURRENCY", "LOG_LEVEL",
}

// clearEnv blanks every key for the test; t.Setenv restores the old values.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, ledger.DefaultDuplicateWindow, cfg.Ledger.DuplicateWindow)
	assert.Equal(t, ledger.BacklogOnePerSweep, cfg.Ledger.Backlog)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Sweep.Interval)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, "USD", cfg.Display.Currency)
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("STRICT_MODE", "true")
	t.Setenv("DUPLICATE_WINDOW", "12h")
	t.Setenv("BACKLOG_POLICY", "catch_up")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("DISPLAY_CURRENCY", "eur")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.True(t, cfg.Ledger.Strict)
	assert.Equal(t, 12*time.Hour, cfg.Ledger.DuplicateWindow)
	assert.Equal(t, ledger.BacklogCatchUp, cfg.Ledger.Backlog)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "EUR", cfg.Display.Currency)
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	// godotenv does not override variables that are already set, even empty.
	os.Unsetenv("PORT")
	os.Unsetenv("LOG_LEVEL")

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=7070\nLOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("PORT")
		os.Unsetenv("LOG_LEVEL")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PORT", "eighty"},
		{"STRICT_MODE", "maybe"},
		{"DUPLICATE_WINDOW", "a day"},
		{"BACKLOG_POLICY", "all_at_once"},
		{"SWEEP_INTERVAL", "daily"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.ErrorContains(t, err, tt.key)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DRIVER", "mongodb")
	t.Setenv("DISPLAY_CURRENCY", "XYZ")
	t.Setenv("PORT", "70000")

	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DRIVER")
	assert.Contains(t, err.Error(), "DISPLAY_CURRENCY")
	assert.Contains(t, err.Error(), "PORT")

	cfg.Database.Driver = DriverPostgres
	cfg.Display.Currency = "JPY"
	cfg.Server.Port = 80
	assert.ErrorContains(t, cfg.Validate(), "DATABASE_URL")
}
