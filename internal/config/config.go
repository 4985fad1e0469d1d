package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "fireforget.db"
	defaultCompletionTimeout = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second

	envConfigFile        = "FIREFORGET_CONFIG"
	envListenAddr        = "FIREFORGET_LISTEN_ADDR"
	envDBPath            = "FIREFORGET_DB_PATH"
	envLogLevel          = "FIREFORGET_LOG_LEVEL"
	envCompletionTimeout = "FIREFORGET_COMPLETION_TIMEOUT"
	envShutdownTimeout   = "FIREFORGET_SHUTDOWN_TIMEOUT"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// CompletionTimeout bounds each drain of background tasks.
	CompletionTimeout time.Duration

	// ShutdownTimeout bounds the HTTP server's graceful shutdown.
	ShutdownTimeout time.Duration
}

// fileConfig is the YAML form of Config. Durations use time.ParseDuration
// syntax.
type fileConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	DBPath            string `yaml:"db_path"`
	LogLevel          string `yaml:"log_level"`
	CompletionTimeout string `yaml:"completion_timeout"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`
}

// Load builds the configuration from defaults, then the YAML file named by
// FIREFORGET_CONFIG if set, then environment variables.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		CompletionTimeout: defaultCompletionTimeout,
		ShutdownTimeout:   defaultShutdownTimeout,
	}

	var fc fileConfig
	if path := os.Getenv(envConfigFile); path != "" {
		var err error
		if fc, err = readFile(path); err != nil {
			return Config{}, err
		}
	}

	// Environment variables take precedence over the file.
	src := func(env, fromFile string) string {
		if v := os.Getenv(env); v != "" {
			return v
		}
		return fromFile
	}

	if v := src(envListenAddr, fc.ListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := src(envDBPath, fc.DBPath); v != "" {
		cfg.DBPath = v
	}
	if v := src(envLogLevel, fc.LogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := src(envCompletionTimeout, fc.CompletionTimeout); v != "" {
		d, err := parseTimeout("completion timeout", v)
		if err != nil {
			return Config{}, err
		}
		cfg.CompletionTimeout = d
	}
	if v := src(envShutdownTimeout, fc.ShutdownTimeout); v != "" {
		d, err := parseTimeout("shutdown timeout", v)
		if err != nil {
			return Config{}, err
		}
		cfg.ShutdownTimeout = d
	}

	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func parseTimeout(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parse %s: must be positive, got %s", name, s)
	}
	return d, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
