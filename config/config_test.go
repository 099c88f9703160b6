package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"PORT", "LMS_STORE", "LMS_CSV_DIR", "LMS_DB_DRIVER", "LMS_DB_DSN", "LMS_SQLITE_PATH",
	"DB_HOST", "DB_PORT", "DB_USER", "DB_PASS", "DB_NAME", "DB_CONN_LIMIT",
	"LMS_FALLBACK_CSV", "LMS_REDIS_ADDR", "LMS_STORE_TIMEOUT", "LMS_LOAN_DAYS",
	"LMS_LOG_LEVEL", "LMS_DEV_LOG", "USE_MYSQL",
}

func clearEnv(t *testing.T) {
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, StoreCSV, cfg.Store)
	assert.Equal(t, "csv_files", cfg.CSVDir)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, 3306, cfg.DBPort)
	assert.Equal(t, 10, cfg.DBConnLimit)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 14*24*time.Hour, cfg.LoanPeriod())
	assert.False(t, cfg.FallbackCSV)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("USE_MYSQL", "true")
	t.Setenv("DB_PORT", "3307")
	t.Setenv("LMS_STORE_TIMEOUT", "750ms")
	t.Setenv("LMS_LOAN_DAYS", "7")
	t.Setenv("LMS_FALLBACK_CSV", "1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreSQL, cfg.Store)
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, 3307, cfg.DBPort)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.LoanPeriod())
	assert.True(t, cfg.FallbackCSV)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	for _, kv := range [][2]string{
		{"DB_PORT", "abc"},
		{"LMS_LOAN_DAYS", "two weeks"},
		{"LMS_STORE_TIMEOUT", "5"},
		{"USE_MYSQL", "maybe"},
	} {
		t.Run(kv[0], func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.ErrorContains(t, err, kv[0])
		})
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"store", func(c *Config) { c.Store = "s3" }},
		{"driver", func(c *Config) { c.DBDriver = "oracle" }},
		{"loan days", func(c *Config) { c.LoanDays = 0 }},
		{"timeout", func(c *Config) { c.StoreTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug", true)
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = NewLogger("loud", false)
	assert.Error(t, err)
}
