package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/TermHost/internal/shared/paths"
)

// Config holds all terminal host configuration.
type Config struct {
	Socket  SocketConfig
	Spawn   SpawnConfig
	Store   StoreConfig
	Logging LogConfig
}

// SocketConfig holds socket configuration.
type SocketConfig struct {
	// Path is the unix socket address. Empty means the per-user runtime path.
	Path string `envconfig:"TERMHOST_SOCKET" toml:"path"`
}

// SpawnConfig controls how the client locates and spawns the host process.
type SpawnConfig struct {
	Binary   string        `envconfig:"TERMHOST_BIN" default:"termhost" toml:"binary"`
	Attempts int           `envconfig:"TERMHOST_SPAWN_ATTEMPTS" default:"6" toml:"attempts"`
	Backoff  time.Duration `envconfig:"TERMHOST_SPAWN_BACKOFF" default:"250ms" toml:"backoff"`
}

// StoreConfig holds session store configuration.
type StoreConfig struct {
	// Path is the backing file. Empty means the per-user data path.
	Path          string        `envconfig:"TERMHOST_STORE" toml:"path"`
	HistoryLimit  int           `envconfig:"TERMHOST_HISTORY_LIMIT" default:"40000" toml:"history_limit"`
	FlushDebounce time.Duration `envconfig:"TERMHOST_FLUSH_DEBOUNCE" default:"250ms" toml:"flush_debounce"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"TERMHOST_LOG_LEVEL" default:"info" toml:"level"`
	Development bool   `envconfig:"TERMHOST_LOG_DEV" default:"false" toml:"development"`
}

// Load loads configuration from the environment, layered over an optional
// TOML config file pointed at by TERMHOST_CONFIG. Environment variables
// always win over file values; file values win over defaults.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(paths.EnvConfigFile))
}

// LoadFile loads configuration with an explicit config file path.
// An empty path skips the file layer entirely.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file Config
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	mergeFile(&cfg, &file)

	return &cfg, nil
}

// LoadOrDefault loads configuration or falls back to defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Spawn: SpawnConfig{
			Binary:   "termhost",
			Attempts: 6,
			Backoff:  250 * time.Millisecond,
		},
		Store: StoreConfig{
			HistoryLimit:  40000,
			FlushDebounce: 250 * time.Millisecond,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// SocketPath resolves the effective socket path.
func (c *Config) SocketPath() string {
	if c.Socket.Path != "" {
		return c.Socket.Path
	}
	return paths.SocketPath()
}

// StorePath resolves the effective session store path.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return paths.DefaultStorePath()
}

// mergeFile applies file values for fields whose environment variable was not
// explicitly set. This keeps the precedence env > file > default.
func mergeFile(cfg, file *Config) {
	if _, ok := os.LookupEnv(paths.EnvSocket); !ok && file.Socket.Path != "" {
		cfg.Socket.Path = file.Socket.Path
	}
	if _, ok := os.LookupEnv(paths.EnvHostBinary); !ok && file.Spawn.Binary != "" {
		cfg.Spawn.Binary = file.Spawn.Binary
	}
	if _, ok := os.LookupEnv("TERMHOST_SPAWN_ATTEMPTS"); !ok && file.Spawn.Attempts != 0 {
		cfg.Spawn.Attempts = file.Spawn.Attempts
	}
	if _, ok := os.LookupEnv("TERMHOST_SPAWN_BACKOFF"); !ok && file.Spawn.Backoff != 0 {
		cfg.Spawn.Backoff = file.Spawn.Backoff
	}
	if _, ok := os.LookupEnv("TERMHOST_STORE"); !ok && file.Store.Path != "" {
		cfg.Store.Path = file.Store.Path
	}
	if _, ok := os.LookupEnv("TERMHOST_HISTORY_LIMIT"); !ok && file.Store.HistoryLimit != 0 {
		cfg.Store.HistoryLimit = file.Store.HistoryLimit
	}
	if _, ok := os.LookupEnv("TERMHOST_FLUSH_DEBOUNCE"); !ok && file.Store.FlushDebounce != 0 {
		cfg.Store.FlushDebounce = file.Store.FlushDebounce
	}
	if _, ok := os.LookupEnv("TERMHOST_LOG_LEVEL"); !ok && file.Logging.Level != "" {
		cfg.Logging.Level = file.Logging.Level
	}
	if _, ok := os.LookupEnv("TERMHOST_LOG_DEV"); !ok {
		cfg.Logging.Development = cfg.Logging.Development || file.Logging.Development
	}
}
