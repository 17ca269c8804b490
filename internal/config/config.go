// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-wide settings shared by every subcommand.
// Run-shaped settings (mode, process and worker counts, key file) are parsed
// separately by ParseRunArgs.
type Config struct {
	GatewayURL         string // Overrides the profile's gateway_url when set
	ProfilePath        string // Path to the network profile TOML file
	DatabasePath       string // Path to SQLite database file, empty disables run history
	ListenAddr         string // HTTP API listen address, empty disables the API
	StatsDir           string // Directory receiving per-worker <meterBase>.csv files
	LogLevel           string // debug, info, warn or error
	Collector          string // Metrics collector command line, empty disables it
	Duration           time.Duration
	MetricsBasePort    int    // Worker process i serves /metrics on base+i, 0 disables
	CORSAllowedOrigins string // Comma-separated list of allowed origins, or "*" for all
}

// Defaults
const (
	DefaultProfilePath        = "./ptb-network.toml"
	DefaultDatabasePath       = "./data/ledgerbench.db"
	DefaultListenAddr         = ":3001"
	DefaultStatsDir           = "."
	DefaultLogLevel           = "info"
	DefaultDuration           = 120 * time.Second
	DefaultCORSAllowedOrigins = "*"
	MaxMetricsPort            = 65535
)

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		ProfilePath:        DefaultProfilePath,
		DatabasePath:       DefaultDatabasePath,
		ListenAddr:         DefaultListenAddr,
		StatsDir:           DefaultStatsDir,
		LogLevel:           DefaultLogLevel,
		Duration:           DefaultDuration,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
	}
}

// FromEnv returns the defaults overridden by environment variables.
// Command-line flags are applied on top by the caller, then Validate.
func FromEnv() *Config {
	cfg := Default()

	if v := os.Getenv("LEDGER_GATEWAY_URL"); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv("LEDGERBENCH_PROFILE"); v != "" {
		cfg.ProfilePath = v
	}
	if v, ok := os.LookupEnv("DATABASE_PATH"); ok {
		cfg.DatabasePath = v
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STATS_DIR"); v != "" {
		cfg.StatsDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("METRICS_COLLECTOR"); v != "" {
		cfg.Collector = v
	}
	if v := os.Getenv("RUN_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Duration = d
		}
	}
	if v := os.Getenv("METRICS_BASE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port >= 0 {
			cfg.MetricsBasePort = port
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = v
	}

	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ProfilePath == "" {
		return fmt.Errorf("network profile path is required")
	}
	if c.StatsDir == "" {
		return fmt.Errorf("statistics directory is required")
	}
	if c.Duration <= 0 {
		return fmt.Errorf("run duration must be positive")
	}
	if c.MetricsBasePort < 0 || c.MetricsBasePort > MaxMetricsPort {
		return fmt.Errorf("metrics base port must be between 0 and %d", MaxMetricsPort)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps a level name to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level: %s", s)
}

// CollectorArgs splits the collector command line on whitespace.
// It returns nil when no collector is configured.
func (c *Config) CollectorArgs() []string {
	fields := strings.Fields(c.Collector)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
