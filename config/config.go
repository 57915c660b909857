// Package config loads the service configuration from environment variables
// and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/joho/godotenv"
	"github.com/warp/finance-ledger/ledger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Ledger   LedgerConfig
	Sweep    SweepConfig
	Kafka    KafkaConfig
	Display  DisplayConfig
	LogLevel string
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	Driver string // sqlite, postgres or memory
	Path   string // sqlite file
	URL    string // postgres DSN
}

// LedgerConfig holds the service policies.
type LedgerConfig struct {
	Strict          bool
	DuplicateWindow time.Duration
	Backlog         ledger.BacklogPolicy
}

type SweepConfig struct {
	Enabled  bool
	Interval time.Duration
}

// KafkaConfig enables event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
}

type DisplayConfig struct {
	Currency string
}

// Load loads configuration from environment variables.
// It automatically loads .env file from the current directory if available.
// You can optionally specify a custom .env file path.
func Load(envPath ...string) (*Config, error) {
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	port, err := parseIntEnv("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	strict, err := parseBoolEnv("STRICT_MODE", false)
	if err != nil {
		return nil, fmt.Errorf("invalid STRICT_MODE: %w", err)
	}
	window, err := parseDurationEnv("DUPLICATE_WINDOW", ledger.DefaultDuplicateWindow)
	if err != nil {
		return nil, fmt.Errorf("invalid DUPLICATE_WINDOW: %w", err)
	}
	backlog, err := ledger.ParseBacklogPolicy(os.Getenv("BACKLOG_POLICY"))
	if err != nil {
		return nil, fmt.Errorf("invalid BACKLOG_POLICY: %w", err)
	}
	sweepEnabled, err := parseBoolEnv("SWEEP_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_ENABLED: %w", err)
	}
	sweepInterval, err := parseDurationEnv("SWEEP_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}

	config := &Config{
		Server: ServerConfig{Port: port},
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnvOrDefault("DB_DRIVER", DriverSQLite)),
			Path:   getEnvOrDefault("DB_PATH", "./data/ledger.db"),
			URL:    os.Getenv("DATABASE_URL"),
		},
		Ledger: LedgerConfig{
			Strict:          strict,
			DuplicateWindow: window,
			Backlog:         backlog,
		},
		Sweep: SweepConfig{
			Enabled:  sweepEnabled,
			Interval: sweepInterval,
		},
		Kafka:    KafkaConfig{Brokers: splitList(os.Getenv("KAFKA_BROKERS"))},
		Display:  DisplayConfig{Currency: strings.ToUpper(getEnvOrDefault("DISPLAY_CURRENCY", money.USD))},
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	return config, nil
}

// Validate checks the values Load cannot check on their own.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("PORT %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			problems = append(problems, "DB_PATH is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			problems = append(problems, "DATABASE_URL is required for postgres")
		}
	case DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown DB_DRIVER %q", c.Database.Driver))
	}
	if c.Ledger.DuplicateWindow <= 0 {
		problems = append(problems, "DUPLICATE_WINDOW must be positive")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		problems = append(problems, "SWEEP_INTERVAL must be positive")
	}
	if money.GetCurrency(c.Display.Currency) == nil {
		problems = append(problems, fmt.Sprintf("unknown DISPLAY_CURRENCY %q", c.Display.Currency))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(value)
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(value)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
