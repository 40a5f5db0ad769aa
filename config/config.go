package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the daemon configuration loaded from a TOML file.
type Config struct {
	Listen   ListenConfig   `toml:"listen"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Pool     PoolSettings   `toml:"pool"`
	Probe    ProbeSettings  `toml:"probe"`
	Etcd     EtcdSettings   `toml:"etcd"`
}

type ListenConfig struct {
	Addr string `toml:"addr"` // Accept address, e.g., "0.0.0.0:7000"
	Mux  bool   `toml:"mux"`  // Accept multiplexed sessions instead of raw connections
}

type UpstreamConfig struct {
	Addr string `toml:"addr"` // Upstream address traffic is relayed to
	Mux  bool   `toml:"mux"`  // Relay over multiplexed streams instead of pooled connections
}

type LogConfig struct {
	Level string `toml:"level"` // Log level: debug, info, warn, error
	File  string `toml:"file"`  // Log file path, rotated
}

type PoolSettings struct {
	InitialCap       int `toml:"initial_cap"`        // Connections dialed up front per upstream
	MaxCap           int `toml:"max_cap"`            // Connection cap per upstream
	AcquireTimeoutMs int `toml:"acquire_timeout_ms"` // Wait budget when the pool is exhausted
}

type ProbeSettings struct {
	Enabled     bool     `toml:"enabled"`
	IntervalSec int      `toml:"interval_sec"` // Seconds between probe rounds
	TimeoutMs   int      `toml:"timeout_ms"`   // TCP probe timeout in milliseconds
	RatePerSec  int      `toml:"rate_per_sec"` // Probe rate limit, 0 for unlimited
	Workers     int      `toml:"workers"`      // Concurrent probe rounds
	Targets     []string `toml:"targets"`      // Probed host:port addresses
}

type EtcdSettings struct {
	Enabled   bool     `toml:"enabled"`
	Endpoints []string `toml:"endpoints"`
	ConfigKey string   `toml:"config_key"` // Key holding the TOML config payload
}

// LoadConfig loads configuration from the specified TOML file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "resourcepool.toml"
	}

	// Check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	var cfg Config
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills optional fields and rejects configurations the
// daemon cannot run with.
func applyDefaults(cfg *Config) error {
	if cfg.Upstream.Addr == "" {
		log.Warnf("Upstream addr not specified in config, using default")
		cfg.Upstream.Addr = "127.0.0.1:9000"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info" // Default: info
	}
	if cfg.Pool.InitialCap == 0 {
		cfg.Pool.InitialCap = 5
	}
	if cfg.Pool.MaxCap == 0 {
		cfg.Pool.MaxCap = 10
	}
	if cfg.Pool.AcquireTimeoutMs == 0 {
		cfg.Pool.AcquireTimeoutMs = 5000 // Default: 5000 milliseconds
	}
	if cfg.Probe.IntervalSec == 0 {
		cfg.Probe.IntervalSec = 5 // Default: 5 seconds
	}
	if cfg.Probe.TimeoutMs == 0 {
		cfg.Probe.TimeoutMs = 2000 // Default: 2000 milliseconds
	}
	if cfg.Probe.Workers == 0 {
		cfg.Probe.Workers = 2
	}
	if cfg.Etcd.ConfigKey == "" {
		cfg.Etcd.ConfigKey = "/resourcepool/config"
	}

	// Validate required fields
	if cfg.Listen.Addr == "" {
		return fmt.Errorf("listen addr is required in config file")
	}
	if cfg.Pool.InitialCap < 0 {
		return fmt.Errorf("pool initial_cap cannot be negative")
	}
	if cfg.Pool.InitialCap > cfg.Pool.MaxCap {
		return fmt.Errorf("pool initial_cap cannot exceed max_cap")
	}
	if cfg.Etcd.Enabled && len(cfg.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd endpoints are required when etcd is enabled")
	}

	return nil
}

// SetupLogger configures the logger based on config
func SetupLogger(cfg *Config) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warnf("Invalid log level '%s', using 'info'", cfg.Log.Level)
		level = log.InfoLevel
	}

	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	logFile := cfg.Log.File
	if logFile == "" {
		logFile = "./logs/resourcepool.log"
	}
	os.MkdirAll(filepath.Dir(logFile), 0755)

	// Rotate through lumberjack, mirror to stdout for systemd
	fileLogger := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100,  // Max size in MB per log file
		MaxBackups: 7,    // Keep 7 recent backups
		MaxAge:     30,   // Keep logs for 30 days
		Compress:   true, // Compress old logs
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
}
