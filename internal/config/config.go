// Package config loads the craftcoach configuration: built-in defaults, then an optional TOML or
// YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the config file.
const (
	EnvAddr          = "CRAFTCOACH_ADDR"
	EnvDB            = "CRAFTCOACH_DB"
	EnvLeague        = "CRAFTCOACH_LEAGUE"
	EnvLogLevel      = "CRAFTCOACH_LOG_LEVEL"
	EnvMaxConcurrent = "HTTP_MAX_CONCURRENCY"
	EnvMinInterval   = "HTTP_MIN_TIME"
)

const defaultInstructions = "Use the provided tools to evaluate Path of Exile builds, prices, and crafts."

type Config struct {
	Server       ServerConfig  `yaml:"server"`
	Session      SessionConfig `yaml:"session"`
	Store        StoreConfig   `yaml:"store"`
	Fetch        FetchConfig   `yaml:"fetch"`
	Log          LogConfig     `yaml:"log"`
	League       string        `yaml:"league"`
	Instructions string        `yaml:"instructions"`
}

type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	BasePath         string        `yaml:"base_path"`
	JSONResponseOnly bool          `yaml:"json_response_only"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Retention   int           `yaml:"retention"`
	QueueDepth  int           `yaml:"queue_depth"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type FetchConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MinInterval   time.Duration `yaml:"min_interval"`
	Retries       int           `yaml:"retries"`
	Timeout       time.Duration `yaml:"timeout"`
	UserAgent     string        `yaml:"user_agent"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8081",
			BasePath:        "/mcp",
			ReadTimeout:     5 * time.Minute,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout: 30 * time.Minute,
			CallTimeout: 2 * time.Minute,
			Retention:   256,
			QueueDepth:  4,
		},
		Store: StoreConfig{
			Path: filepath.Join("db", "craftcoach.db"),
		},
		Fetch: FetchConfig{
			MaxConcurrent: 5,
			MinInterval:   150 * time.Millisecond,
			Retries:       3,
			Timeout:       45 * time.Second,
			UserAgent:     "craftcoach/0.1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		League:       "Standard",
		Instructions: defaultInstructions,
	}
}

// Load builds the configuration from path and the environment. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		var err error
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".toml":
			err = loadTOML(path, &cfg)
		case ".yaml", ".yml":
			err = loadYAML(path, &cfg)
		default:
			err = fmt.Errorf("unsupported config file extension %q", ext)
		}
		if err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting joined into one error.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	if c.Session.Retention < 1 {
		errs = append(errs, fmt.Errorf("session.retention must be positive, got %d", c.Session.Retention))
	}
	if c.Session.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("session.queue_depth must not be negative, got %d", c.Session.QueueDepth))
	}
	if c.Fetch.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_concurrent must be positive, got %d", c.Fetch.MaxConcurrent))
	}
	if c.Fetch.Retries < 0 {
		errs = append(errs, fmt.Errorf("fetch.retries must not be negative, got %d", c.Fetch.Retries))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is empty"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDB)); v != "" {
		cfg.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLeague)); v != "" {
		cfg.League = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxConcurrent)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvMaxConcurrent, err)
		}
		cfg.Fetch.MaxConcurrent = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvMinInterval)); v != "" {
		// Plain numbers are milliseconds.
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Fetch.MinInterval = time.Duration(ms) * time.Millisecond
		} else {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", EnvMinInterval, err)
			}
			cfg.Fetch.MinInterval = d
		}
	}
	return nil
}
