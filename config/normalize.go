// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.normalizeBroker()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	if c.Manager.Concurrency == nil {
		c.Manager.Concurrency = map[string]int{}
	}
	if c.Manager.StalledIntervalSeconds <= 0 {
		c.Manager.StalledIntervalSeconds = c.Manager.LeaseSeconds
	}
	return nil
}

func (c *Config) normalizeBroker() {
	c.Broker.Type = strings.ToLower(strings.TrimSpace(c.Broker.Type))
	if c.Broker.Type == "" {
		c.Broker.Type = BrokerMemory
	}
	if value, ok := os.LookupEnv("FILEQUEUE_BROKER_URL"); ok && strings.TrimSpace(value) != "" {
		c.Broker.URL = strings.TrimSpace(value)
	}
	c.Broker.URL = strings.TrimSpace(c.Broker.URL)
}

func (c *Config) normalizePaths() error {
	var err error
	if value, ok := os.LookupEnv("FILEQUEUE_STORAGE_ROOT"); ok && strings.TrimSpace(value) != "" {
		c.Storage.Root = value
	}
	if c.Storage.Root, err = expandPath(c.Storage.Root); err != nil {
		return fmt.Errorf("storage.root: %w", err)
	}
	c.Storage.BaseURL = strings.TrimRight(strings.TrimSpace(c.Storage.BaseURL), "/")

	c.Metadata.Type = strings.ToLower(strings.TrimSpace(c.Metadata.Type))
	if c.Metadata.Type == "" {
		c.Metadata.Type = MetadataMemory
	}
	if c.Metadata.Type == MetadataSQLite {
		if c.Metadata.Path, err = expandPath(c.Metadata.Path); err != nil {
			return fmt.Errorf("metadata.path: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}
