// Package config loads relay configuration from the environment, with an
// optional .env file for local development and an optional file watcher
// for hot-reloading a small subset of settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// ConnectMode selects how the CONNECT handler treats tunneled bytes.
type ConnectMode string

const (
	ConnectModeDirect  ConnectMode = "direct"
	ConnectModeRelayed ConnectMode = "relayed"
)

// Config is the relay's full runtime configuration. Constructed once by
// Load and passed explicitly to relay.New, with no ambient globals.
type Config struct {
	Port               int
	ManagerToken       string
	DecisionTimeout    time.Duration
	MaxBodyBytes       int64
	ConnectMode        ConnectMode
	MaxConnections     int
	MetricsAddr        string
	LogFormat          string
	LogLevel           string
}

const (
	defaultPort            = 3000
	defaultDecisionTimeout = 8000 * time.Millisecond
	defaultMaxBodyBytes    = 10 << 20 // 10 MiB
	defaultMaxConnections  = 1000
	defaultMetricsAddr     = "disabled"
)

// Load reads configuration from the environment, first loading an optional
// .env file (ignored silently if absent, a local-dev convenience, never
// required in production). MANAGER_TOKEN is mandatory; everything else
// falls back to a documented default.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := &Config{
		Port:            envInt("PORT", defaultPort),
		ManagerToken:    strings.TrimSpace(os.Getenv("MANAGER_TOKEN")),
		DecisionTimeout: envDurationMillis("DECISION_TIMEOUT_MS", defaultDecisionTimeout),
		MaxBodyBytes:    envInt64("MAX_BODY_BYTES", defaultMaxBodyBytes),
		ConnectMode:     envConnectMode("CONNECT_MODE", ConnectModeDirect),
		MaxConnections:  envInt("MAX_CONNECTIONS", defaultMaxConnections),
		MetricsAddr:     envString("METRICS_ADDR", defaultMetricsAddr),
		LogFormat:       envString("LOG_FORMAT", "console"),
		LogLevel:        envString("LOG_LEVEL", "info"),
	}

	if cfg.ManagerToken == "" {
		return nil, fmt.Errorf("MANAGER_TOKEN is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.DecisionTimeout <= 0 {
		return nil, fmt.Errorf("DECISION_TIMEOUT_MS must be positive, got %s", cfg.DecisionTimeout)
	}
	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("MAX_BODY_BYTES must be positive, got %d", cfg.MaxBodyBytes)
	}
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", cfg.MaxConnections)
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer env var, using default")
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer env var, using default")
		return def
	}
	return n
}

func envDurationMillis(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration env var, using default")
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func envConnectMode(key string, def ConnectMode) ConnectMode {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case string(ConnectModeDirect), string(ConnectModeRelayed):
		return ConnectMode(v)
	default:
		log.Warn().Str("key", key).Str("value", v).Msg("unknown connect mode, using default")
		return def
	}
}
