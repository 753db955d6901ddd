package config

import (
	"fmt"
	"strings"

	"tzrecur/internal/storage"
	"tzrecur/pkg/logx"
	"tzrecur/pkg/recurrence"
	"tzrecur/pkg/tz"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Runner  RunnerConfig  `json:"runner"`

	// Recurrences declared here are created by Sync (and the run command)
	// if missing. Records created through the CLI or API need not appear.
	Recurrences []RecurrenceConfig `json:"recurrences"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`

	// DiagRatePerSec caps rate-limited diagnostics (DST adjustments and the
	// like). 0 means 5/s.
	DiagRatePerSec int `json:"diag_rate_per_sec,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Logx converts the section to the logging service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:          c.Level,
		Console:        c.Console,
		File:           logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		DiagRatePerSec: c.DiagRatePerSec,
	}
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tzrecur.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres only (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

var storageDrivers = map[string]bool{
	"": true, "memory": true, "mem": true,
	"file":   true,
	"sqlite": true, "sqlite3": true,
	"postgres": true, "postgresql": true, "pg": true,
}

// Storage converts the section to the storage driver config.
func (c StorageConfig) Storage() (storage.Config, error) {
	d, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(c.Driver),
		Path:        strings.TrimSpace(c.Path),
		DSN:         strings.TrimSpace(c.DSN),
		BusyTimeout: d,
	}, nil
}

// RunnerConfig controls the occurrence runner started by `tzrecur run`.
type RunnerConfig struct {
	Enabled bool `json:"enabled"`
}

// RecurrenceConfig declares one base recurrence.
//
// Offset accepts a Go duration ("15h") or "[D day[s], ]H:MM:SS".
// Track lists object ids the runner checks with CheckDue on every
// occurrence.
type RecurrenceConfig struct {
	ID       string   `json:"id"`
	Interval string   `json:"interval"`
	Offset   string   `json:"offset"`
	Timezone string   `json:"timezone"`
	Track    []string `json:"track,omitempty"`
}

// Definition parses and validates the declared recurrence.
func (r RecurrenceConfig) Definition() (recurrence.Definition, error) {
	iv, err := recurrence.ParseInterval(r.Interval)
	if err != nil {
		return recurrence.Definition{}, err
	}
	off, err := recurrence.ParseOffset(r.Offset)
	if err != nil {
		return recurrence.Definition{}, err
	}
	def := recurrence.Definition{Interval: iv, Offset: off, Timezone: strings.TrimSpace(r.Timezone)}
	if def.Timezone == "" {
		def.Timezone = tz.UTC.Name()
	}
	if err := def.Validate(); err != nil {
		return recurrence.Definition{}, err
	}
	return def, nil
}

// Validate checks every section. Recurrence errors carry their index.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	drv := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if !storageDrivers[drv] {
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := c.Storage.Storage(); err != nil {
		return err
	}
	if c.Logging.DiagRatePerSec < 0 {
		return fmt.Errorf("logging.diag_rate_per_sec: must be >= 0")
	}

	seen := make(map[string]int, len(c.Recurrences))
	for i, r := range c.Recurrences {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return fmt.Errorf("recurrences[%d].id: required", i)
		}
		if j, dup := seen[id]; dup {
			return fmt.Errorf("recurrences[%d].id: %q already declared at recurrences[%d]", i, id, j)
		}
		seen[id] = i
		if _, err := r.Definition(); err != nil {
			return fmt.Errorf("recurrences[%d] (%s): %w", i, id, err)
		}
		for k, obj := range r.Track {
			if strings.TrimSpace(obj) == "" {
				return fmt.Errorf("recurrences[%d].track[%d]: empty object id", i, k)
			}
		}
	}
	return nil
}

// Recurrence returns the declared recurrence with id.
func (c *Config) Recurrence(id string) (RecurrenceConfig, bool) {
	for _, r := range c.Recurrences {
		if strings.TrimSpace(r.ID) == id {
			return r, true
		}
	}
	return RecurrenceConfig{}, false
}
