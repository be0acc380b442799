// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package config loads the TOML configuration of the filequeue binaries.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/status"
	"github.com/olivere/filequeue/workers/validation"
)

// Broker selects and addresses the job broker.
type Broker struct {
	Type   string `toml:"type"` // memory, redis, mysql or mongodb
	URL    string `toml:"url"`
	Prefix string `toml:"prefix"` // key prefix (redis) or collection name (mongodb)
}

// Manager configures the queue manager and its runners.
type Manager struct {
	MonitorIntervalSeconds int            `toml:"monitor_interval_seconds"`
	PollIntervalMillis     int            `toml:"poll_interval_millis"`
	LeaseSeconds           int            `toml:"lease_seconds"`
	StalledIntervalSeconds int            `toml:"stalled_interval_seconds"`
	MaxStalledCount        int            `toml:"max_stalled_count"`
	MetricsWindowSeconds   int            `toml:"metrics_window_seconds"`
	ShutdownTimeoutSeconds int            `toml:"shutdown_timeout_seconds"`
	Concurrency            map[string]int `toml:"concurrency"` // workers per queue
}

// MonitorInterval returns the backpressure monitor interval.
func (m Manager) MonitorInterval() time.Duration {
	return time.Duration(m.MonitorIntervalSeconds) * time.Second
}

// PollInterval returns the interval runners wait when a queue is empty.
func (m Manager) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMillis) * time.Millisecond
}

// LeaseDuration returns how long a runner owns a job between heartbeats.
func (m Manager) LeaseDuration() time.Duration {
	return time.Duration(m.LeaseSeconds) * time.Second
}

// StalledInterval returns the sweep interval for expired leases.
func (m Manager) StalledInterval() time.Duration {
	return time.Duration(m.StalledIntervalSeconds) * time.Second
}

// MetricsWindow returns the rolling window of GetQueueMetrics.
func (m Manager) MetricsWindow() time.Duration {
	return time.Duration(m.MetricsWindowSeconds) * time.Second
}

// ShutdownTimeout returns how long Close waits for running jobs.
func (m Manager) ShutdownTimeout() time.Duration {
	return time.Duration(m.ShutdownTimeoutSeconds) * time.Second
}

// Metadata selects the metadata store.
type Metadata struct {
	Type string `toml:"type"` // memory or sqlite
	Path string `toml:"path"`
}

// Storage configures where uploads and derived files live.
type Storage struct {
	Root    string `toml:"root"`
	BaseURL string `toml:"base_url"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or console
}

// Server configures the listeners of the serve command.
type Server struct {
	HTTPAddr    string `toml:"http_addr"`
	MetricsAddr string `toml:"metrics_addr"`
	PushSeconds int    `toml:"push_seconds"`
}

// PushInterval returns the interval of queue stats pushed to websocket
// clients.
func (s Server) PushInterval() time.Duration {
	return time.Duration(s.PushSeconds) * time.Second
}

// Validation configures the validation worker.
type Validation struct {
	ImageMiB       int64    `toml:"image_mib"`
	DocumentMiB    int64    `toml:"document_mib"`
	VideoMiB       int64    `toml:"video_mib"`
	DefaultMiB     int64    `toml:"default_mib"`
	ThreatPatterns []string `toml:"threat_patterns"`
}

// Limits returns the size ceilings per file category.
func (v Validation) Limits() validation.Limits {
	const mib = 1 << 20
	return validation.Limits{
		validation.CategoryImage:    v.ImageMiB * mib,
		validation.CategoryDocument: v.DocumentMiB * mib,
		validation.CategoryVideo:    v.VideoMiB * mib,
		validation.CategoryDefault:  v.DefaultMiB * mib,
	}
}

// Config is the complete configuration.
type Config struct {
	Broker       Broker                       `toml:"broker"`
	Backpressure filequeue.BackpressureConfig `toml:"backpressure"`
	Manager      Manager                      `toml:"manager"`
	Metadata     Metadata                     `toml:"metadata"`
	Storage      Storage                      `toml:"storage"`
	Logging      Logging                      `toml:"logging"`
	Server       Server                       `toml:"server"`
	Progress     status.ProgressBuckets       `toml:"progress"`
	Validation   Validation                   `toml:"validation"`
}

// DefaultConfigPath returns the per-user configuration file.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/filequeue/config.toml")
}

// Load locates, parses, normalizes and validates a configuration file.
// A missing file is not an error: the defaults are used and exists is
// false.
func Load(path string) (*Config, string, bool, error) {
	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}
	if !exists {
		cfg, err := Parse(strings.NewReader(""))
		if err != nil {
			return nil, "", false, err
		}
		return cfg, resolved, false, nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return nil, "", false, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	cfg, err := Parse(file)
	if err != nil {
		return nil, "", false, err
	}
	return cfg, resolved, true, nil
}

// Parse reads a configuration from r on top of the defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	decoder := toml.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Encode writes the configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("filequeue.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if p == "~" {
			p = home
		} else if len(p) > 1 && (p[1] == '/' || p[1] == '\\') {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", p, err)
	}
	return abs, nil
}
