// Package config loads ground station settings from the environment, with an
// optional .env file for local development.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds the ground station settings. Empty optional values select the
// in-process fallback noted next to each field.
type Config struct {
	// HTTP
	Port string

	// Persistence
	DatabaseURL string // empty -> no Postgres
	StateDir    string // empty -> in-memory store

	// Anchoring
	RedisURL          string // empty -> log-only broadcaster
	AnchorStream      string
	AnchorProtocolTag string
	AnchorTimeout     time.Duration

	// Device
	DevicePath  string // empty -> no device reader
	DeviceRetry time.Duration

	// Market
	StartingBalance  decimal.Decimal
	SuccessThreshold int64

	// Telemetry
	LogLevel string
}

// Load reads .env when present, then the process environment. Missing or
// unparseable values fall back to their defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port: envStr("PORT", "8080"),

		DatabaseURL: envStr("DATABASE_URL", ""),
		StateDir:    envStr("STATE_DIR", ""),

		RedisURL:          envStr("REDIS_URL", ""),
		AnchorStream:      envStr("ANCHOR_STREAM", "anchor:memos"),
		AnchorProtocolTag: envStr("ANCHOR_PROTOCOL_TAG", "OLYMPIC_L2"),
		AnchorTimeout:     envDuration("ANCHOR_TIMEOUT", 10*time.Second),

		DevicePath:  envStr("DEVICE_PATH", ""),
		DeviceRetry: envDuration("DEVICE_RETRY", 2*time.Second),

		StartingBalance:  envDecimal("STARTING_BALANCE", decimal.NewFromInt(1000)),
		SuccessThreshold: int64(envInt("SUCCESS_THRESHOLD", 0)),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

// ParseLogLevel converts a string level name to slog.Level.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("750ms") or plain seconds ("10").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			return d
		}
	}
	return fallback
}
