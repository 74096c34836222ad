package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	League       string            `toml:"league"`
	Instructions string            `toml:"instructions"`
	Server       serverFileConfig  `toml:"server"`
	Session      sessionFileConfig `toml:"session"`
	Store        storeFileConfig   `toml:"store"`
	Fetch        fetchFileConfig   `toml:"fetch"`
	Log          logFileConfig     `toml:"log"`
}

type serverFileConfig struct {
	Addr             string `toml:"addr"`
	BasePath         string `toml:"base_path"`
	JSONResponseOnly bool   `toml:"json_response_only"`
	ReadTimeout      string `toml:"read_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	IdleTimeout      string `toml:"idle_timeout"`
	ShutdownTimeout  string `toml:"shutdown_timeout"`
}

type sessionFileConfig struct {
	IdleTimeout string `toml:"idle_timeout"`
	CallTimeout string `toml:"call_timeout"`
	Retention   int    `toml:"retention"`
	QueueDepth  int    `toml:"queue_depth"`
}

type storeFileConfig struct {
	Path string `toml:"path"`
}

type fetchFileConfig struct {
	MaxConcurrent int    `toml:"max_concurrent"`
	MinInterval   string `toml:"min_interval"`
	Retries       int    `toml:"retries"`
	Timeout       string `toml:"timeout"`
	UserAgent     string `toml:"user_agent"`
}

type logFileConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func loadTOML(path string, cfg *Config) error {
	var fc fileConfig
	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setString := func(dst *string, value string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(value)
		}
	}
	setInt := func(dst *int, value int, key ...string) {
		if meta.IsDefined(key...) {
			*dst = value
		}
	}
	setDuration := func(dst *time.Duration, value string, key ...string) error {
		if !meta.IsDefined(key...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		}
		*dst = d
		return nil
	}

	setString(&cfg.League, fc.League, "league")
	setString(&cfg.Instructions, fc.Instructions, "instructions")

	setString(&cfg.Server.Addr, fc.Server.Addr, "server", "addr")
	setString(&cfg.Server.BasePath, fc.Server.BasePath, "server", "base_path")
	if meta.IsDefined("server", "json_response_only") {
		cfg.Server.JSONResponseOnly = fc.Server.JSONResponseOnly
	}

	setInt(&cfg.Session.Retention, fc.Session.Retention, "session", "retention")
	setInt(&cfg.Session.QueueDepth, fc.Session.QueueDepth, "session", "queue_depth")

	setString(&cfg.Store.Path, fc.Store.Path, "store", "path")

	setInt(&cfg.Fetch.MaxConcurrent, fc.Fetch.MaxConcurrent, "fetch", "max_concurrent")
	setInt(&cfg.Fetch.Retries, fc.Fetch.Retries, "fetch", "retries")
	setString(&cfg.Fetch.UserAgent, fc.Fetch.UserAgent, "fetch", "user_agent")

	setString(&cfg.Log.Level, fc.Log.Level, "log", "level")
	setString(&cfg.Log.Format, fc.Log.Format, "log", "format")

	durations := []struct {
		dst   *time.Duration
		value string
		key   []string
	}{
		{&cfg.Server.ReadTimeout, fc.Server.ReadTimeout, []string{"server", "read_timeout"}},
		{&cfg.Server.WriteTimeout, fc.Server.WriteTimeout, []string{"server", "write_timeout"}},
		{&cfg.Server.IdleTimeout, fc.Server.IdleTimeout, []string{"server", "idle_timeout"}},
		{&cfg.Server.ShutdownTimeout, fc.Server.ShutdownTimeout, []string{"server", "shutdown_timeout"}},
		{&cfg.Session.IdleTimeout, fc.Session.IdleTimeout, []string{"session", "idle_timeout"}},
		{&cfg.Session.CallTimeout, fc.Session.CallTimeout, []string{"session", "call_timeout"}},
		{&cfg.Fetch.MinInterval, fc.Fetch.MinInterval, []string{"fetch", "min_interval"}},
		{&cfg.Fetch.Timeout, fc.Fetch.Timeout, []string{"fetch", "timeout"}},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.value, d.key...); err != nil {
			return err
		}
	}
	return nil
}
