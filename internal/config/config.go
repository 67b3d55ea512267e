// Package config provides configuration loading for gdbmux.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// then environment variables. Command line flags are applied on top by the
// caller.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for gdbmux.
type Config struct {
	// Server settings
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Backend launch settings
	GdbPath              string   `yaml:"gdb_path"`
	GdbArgs              []string `yaml:"gdb_args"`
	InitialBinaryAndArgs []string `yaml:"initial_binary_and_args"`

	// Lifecycle settings
	OrphanGracePeriod time.Duration `yaml:"orphan_grace_period"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	TerminateTimeout  time.Duration `yaml:"terminate_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	ConsoleBufferSize int           `yaml:"console_buffer_size"`

	// Persistence
	DBPath string `yaml:"db_path"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// HTTP server timeouts
	HTTPReadTimeout time.Duration `yaml:"http_read_timeout"`
	HTTPIdleTimeout time.Duration `yaml:"http_idle_timeout"`

	// WebSocket settings
	WSReadBufferSize  int `yaml:"ws_read_buffer_size"`
	WSWriteBufferSize int `yaml:"ws_write_buffer_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              5000,
		GdbPath:           "gdb",
		OrphanGracePeriod: 5 * time.Minute,
		ReapInterval:      30 * time.Second,
		TerminateTimeout:  2 * time.Second,
		CommandTimeout:    time.Second,
		ConsoleBufferSize: 256 * 1024,
		DBPath:            defaultDBPath(),
		LogLevel:          "info",
		LogFormat:         "text",
		HTTPReadTimeout:   15 * time.Second,
		HTTPIdleTimeout:   60 * time.Second,
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
	}
}

// Load builds the configuration. path may be empty, in which case no file is
// read. The result is not validated; call Validate after applying flags.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Host = getEnv("GDBMUX_HOST", c.Host)
	c.Port = getEnvInt("GDBMUX_PORT", c.Port)
	c.AllowedOrigins = getEnvStringSlice("GDBMUX_ALLOWED_ORIGINS", c.AllowedOrigins)

	c.GdbPath = getEnv("GDBMUX_GDB_PATH", c.GdbPath)
	c.GdbArgs = getEnvFields("GDBMUX_GDB_ARGS", c.GdbArgs)

	c.OrphanGracePeriod = getEnvDuration("GDBMUX_ORPHAN_GRACE_PERIOD", c.OrphanGracePeriod)
	c.ReapInterval = getEnvDuration("GDBMUX_REAP_INTERVAL", c.ReapInterval)
	c.TerminateTimeout = getEnvDuration("GDBMUX_TERMINATE_TIMEOUT", c.TerminateTimeout)
	c.CommandTimeout = getEnvDuration("GDBMUX_COMMAND_TIMEOUT", c.CommandTimeout)
	c.ConsoleBufferSize = getEnvInt("GDBMUX_CONSOLE_BUFFER_SIZE", c.ConsoleBufferSize)

	c.DBPath = getEnv("GDBMUX_DB_PATH", c.DBPath)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.HTTPReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", c.HTTPReadTimeout)
	c.HTTPIdleTimeout = getEnvDuration("HTTP_IDLE_TIMEOUT", c.HTTPIdleTimeout)

	c.WSReadBufferSize = getEnvInt("WS_READ_BUFFER_SIZE", c.WSReadBufferSize)
	c.WSWriteBufferSize = getEnvInt("WS_WRITE_BUFFER_SIZE", c.WSWriteBufferSize)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.GdbPath) == "" {
		errs = append(errs, errors.New("gdb_path is required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	for name, d := range map[string]time.Duration{
		"orphan_grace_period": c.OrphanGracePeriod,
		"reap_interval":       c.ReapInterval,
		"terminate_timeout":   c.TerminateTimeout,
		"command_timeout":     c.CommandTimeout,
		"http_read_timeout":   c.HTTPReadTimeout,
		"http_idle_timeout":   c.HTTPIdleTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.ConsoleBufferSize < 0 {
		errs = append(errs, errors.New("console_buffer_size must not be negative"))
	}
	if c.WSReadBufferSize < 0 || c.WSWriteBufferSize < 0 {
		errs = append(errs, errors.New("websocket buffer sizes must not be negative"))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// defaultDBPath follows the XDG base directory layout for state files.
func defaultDBPath() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "gdbmux", "gdbmux.db")
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "gdbmux", "gdbmux.db")
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// getEnvFields returns a slice from a whitespace-separated environment variable.
func getEnvFields(key string, defaultValue []string) []string {
	if fields := strings.Fields(os.Getenv(key)); len(fields) > 0 {
		return fields
	}
	return defaultValue
}
