// Package config reads service settings from the environment. Command-line
// flags registered by the CLI override the values loaded here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Store backends.
const (
	StoreCSV = "csv"
	StoreSQL = "sql"
)

type Config struct {
	Port string

	// Store is "csv" or "sql".
	Store      string
	CSVDir     string
	DBDriver   string
	DSN        string
	SQLitePath string

	DBHost      string
	DBPort      int
	DBUser      string
	DBPass      string
	DBName      string
	DBConnLimit int

	// FallbackCSV serves reads from CSVDir while the SQL store is down.
	FallbackCSV bool
	RedisAddr   string

	StoreTimeout time.Duration
	LoanDays     int

	LogLevel string
	DevLog   bool
}

// Load reads the environment. Unset variables keep their defaults; malformed
// numbers are reported.
func Load() (Config, error) {
	cfg := Config{
		Port:         env("PORT", "3000"),
		Store:        env("LMS_STORE", StoreCSV),
		CSVDir:       env("LMS_CSV_DIR", "csv_files"),
		DBDriver:     env("LMS_DB_DRIVER", "sqlite3"),
		DSN:          os.Getenv("LMS_DB_DSN"),
		SQLitePath:   env("LMS_SQLITE_PATH", "data/library.db"),
		DBHost:       env("DB_HOST", "127.0.0.1"),
		DBUser:       env("DB_USER", "root"),
		DBPass:       os.Getenv("DB_PASS"),
		DBName:       env("DB_NAME", "lms"),
		RedisAddr:    os.Getenv("LMS_REDIS_ADDR"),
		LogLevel:     env("LMS_LOG_LEVEL", "info"),
		StoreTimeout: 5 * time.Second,
	}

	var err error
	if cfg.DBPort, err = envInt("DB_PORT", 3306); err != nil {
		return Config{}, err
	}
	if cfg.DBConnLimit, err = envInt("DB_CONN_LIMIT", 10); err != nil {
		return Config{}, err
	}
	if cfg.LoanDays, err = envInt("LMS_LOAN_DAYS", 14); err != nil {
		return Config{}, err
	}
	if cfg.FallbackCSV, err = envBool("LMS_FALLBACK_CSV", false); err != nil {
		return Config{}, err
	}
	if cfg.DevLog, err = envBool("LMS_DEV_LOG", false); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("LMS_STORE_TIMEOUT"); v != "" {
		if cfg.StoreTimeout, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("LMS_STORE_TIMEOUT: %w", err)
		}
	}

	useMySQL, err := envBool("USE_MYSQL", false)
	if err != nil {
		return Config{}, err
	}
	if useMySQL {
		cfg.Store, cfg.DBDriver = StoreSQL, "mysql"
	}
	return cfg, nil
}

// Validate checks the combination of settings after flags have been applied.
func (c Config) Validate() error {
	switch c.Store {
	case StoreCSV, StoreSQL:
	default:
		return fmt.Errorf("unknown store %q (want csv or sql)", c.Store)
	}
	switch c.DBDriver {
	case "sqlite3", "mysql", "postgres":
	default:
		return fmt.Errorf("unknown db driver %q", c.DBDriver)
	}
	if c.LoanDays <= 0 {
		return fmt.Errorf("loan days must be positive, got %d", c.LoanDays)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", c.StoreTimeout)
	}
	return nil
}

// LoanPeriod is LoanDays as a duration.
func (c Config) LoanPeriod() time.Duration { return time.Duration(c.LoanDays) * 24 * time.Hour }

// NewLogger builds a production JSON logger, or a console logger when dev is set.
func NewLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
