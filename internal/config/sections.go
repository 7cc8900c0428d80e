package config

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/cmdguard/internal/db"
)

// LogConfig holds [log] settings
type LogConfig struct {
	Dir     string
	Level   string
	Backups int
	Stderr  bool
}

// LockConfig holds [lock] settings
type LockConfig struct {
	Dir string
}

// HistoryConfig holds [history] settings
type HistoryConfig struct {
	Enabled bool
	Table   string
}

// Database builds the connection settings from the [database] section
func (p *Profile) Database() (db.Config, error) {
	cfg := db.Config{
		Driver:        p.GetOr("database", "driver", db.DriverMySQL),
		DSN:           p.GetOr("database", "dsn", ""),
		Host:          p.GetOr("database", "host", "localhost"),
		User:          p.GetOr("database", "user", ""),
		Password:      p.GetOr("database", "pass", ""),
		Database:      p.GetOr("database", "db", ""),
		Charset:       p.GetOr("database", "charset", "utf8mb4"),
		MigrationsDir: p.GetOr("database", "migrations_dir", ""),
	}

	port, err := p.GetIntOr("database", "port", db.DefaultPort(cfg.Driver))
	if err != nil {
		return db.Config{}, err
	}
	cfg.Port = port

	if v := p.GetOr("database", "connect_timeout", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return db.Config{}, fmt.Errorf("config: [database] connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return db.Config{}, err
	}
	return cfg, nil
}

// Log returns the [log] section with defaults applied
func (p *Profile) Log() (LogConfig, error) {
	cfg := LogConfig{
		Dir:   p.GetOr("log", "dir", "logs"),
		Level: p.GetOr("log", "level", "info"),
	}

	var err error
	if cfg.Backups, err = p.GetIntOr("log", "backups", 0); err != nil {
		return LogConfig{}, err
	}
	if cfg.Backups < 0 {
		return LogConfig{}, fmt.Errorf("config: [log] backups must not be negative")
	}
	if cfg.Stderr, err = p.GetBoolOr("log", "stderr", false); err != nil {
		return LogConfig{}, err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[cfg.Level] {
		return LogConfig{}, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", cfg.Level)
	}
	return cfg, nil
}

// Lock returns the [lock] section. Markers default to the working directory.
func (p *Profile) Lock() LockConfig {
	return LockConfig{Dir: p.GetOr("lock", "dir", ".")}
}

// History returns the [history] section
func (p *Profile) History() (HistoryConfig, error) {
	enabled, err := p.GetBoolOr("history", "enabled", false)
	if err != nil {
		return HistoryConfig{}, err
	}
	return HistoryConfig{
		Enabled: enabled,
		Table:   p.GetOr("history", "table", "command_runs"),
	}, nil
}
