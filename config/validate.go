// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package config

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/olivere/filequeue"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.Backpressure.Validate(); err != nil {
		return fmt.Errorf("backpressure: %w", err)
	}
	if err := c.validateManager(); err != nil {
		return err
	}
	if err := c.validateMetadata(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.Progress.Validate(); err != nil {
		return fmt.Errorf("progress: %w", err)
	}
	return c.validateValidation()
}

func (c *Config) validateBroker() error {
	switch c.Broker.Type {
	case BrokerMemory:
		return nil
	case BrokerRedis, BrokerMySQL, BrokerMongoDB:
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url must be set when broker.type is %q", c.Broker.Type)
		}
		return nil
	default:
		return fmt.Errorf("broker.type must be one of memory, redis, mysql or mongodb, have %q", c.Broker.Type)
	}
}

func (c *Config) validateManager() error {
	m := c.Manager
	if m.MonitorIntervalSeconds <= 0 {
		return errors.New("manager.monitor_interval_seconds must be positive")
	}
	if m.PollIntervalMillis <= 0 {
		return errors.New("manager.poll_interval_millis must be positive")
	}
	if m.LeaseSeconds <= 0 {
		return errors.New("manager.lease_seconds must be positive")
	}
	if m.MaxStalledCount < 0 {
		return errors.New("manager.max_stalled_count must not be negative")
	}
	if m.MetricsWindowSeconds <= 0 {
		return errors.New("manager.metrics_window_seconds must be positive")
	}
	if m.ShutdownTimeoutSeconds < 0 {
		return errors.New("manager.shutdown_timeout_seconds must not be negative")
	}
	for queue, n := range m.Concurrency {
		if !isStageQueue(queue) {
			return fmt.Errorf("manager.concurrency: unknown queue %q", queue)
		}
		if n <= 0 {
			return fmt.Errorf("manager.concurrency.%s must be positive", queue)
		}
	}
	return nil
}

func isStageQueue(queue string) bool {
	switch queue {
	case filequeue.QueueValidation, filequeue.QueueMetadata, filequeue.QueueImageProcessing:
		return true
	}
	return false
}

func (c *Config) validateMetadata() error {
	switch c.Metadata.Type {
	case MetadataMemory:
		return nil
	case MetadataSQLite:
		if c.Metadata.Path == "" {
			return errors.New("metadata.path must be set when metadata.type is sqlite")
		}
		return nil
	default:
		return fmt.Errorf("metadata.type must be memory or sqlite, have %q", c.Metadata.Type)
	}
}

func (c *Config) validateStorage() error {
	if c.Storage.Root == "" {
		return errors.New("storage.root must be set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("logging.format must be json or console, have %q", c.Logging.Format)
	}
}

func (c *Config) validateServer() error {
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr must be set")
	}
	if c.Server.PushSeconds <= 0 {
		return errors.New("server.push_seconds must be positive")
	}
	return nil
}

func (c *Config) validateValidation() error {
	v := c.Validation
	for name, n := range map[string]int64{
		"image_mib":    v.ImageMiB,
		"document_mib": v.DocumentMiB,
		"video_mib":    v.VideoMiB,
		"default_mib":  v.DefaultMiB,
	} {
		if n <= 0 {
			return fmt.Errorf("validation.%s must be positive", name)
		}
	}
	for _, p := range v.ThreatPatterns {
		if strings.TrimSpace(p) == "" {
			return errors.New("validation.threat_patterns must not contain empty patterns")
		}
	}
	return nil
}
