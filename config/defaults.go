// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package config

import (
	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/status"
)

const (
	BrokerMemory  = "memory"
	BrokerRedis   = "redis"
	BrokerMySQL   = "mysql"
	BrokerMongoDB = "mongodb"

	MetadataMemory = "memory"
	MetadataSQLite = "sqlite"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Broker: Broker{
			Type: BrokerMemory,
		},
		Backpressure: filequeue.DefaultBackpressure(),
		Manager: Manager{
			MonitorIntervalSeconds: 30,
			PollIntervalMillis:     1000,
			LeaseSeconds:           30,
			MaxStalledCount:        1,
			MetricsWindowSeconds:   3600,
			ShutdownTimeoutSeconds: 30,
			Concurrency:            map[string]int{},
		},
		Metadata: Metadata{
			Type: MetadataMemory,
		},
		Storage: Storage{
			Root:    "./uploads",
			BaseURL: "/files",
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
		Server: Server{
			HTTPAddr:    "127.0.0.1:8080",
			MetricsAddr: "127.0.0.1:9090",
			PushSeconds: 5,
		},
		Progress: status.DefaultProgressBuckets(),
		Validation: Validation{
			ImageMiB:    10,
			DocumentMiB: 25,
			VideoMiB:    100,
			DefaultMiB:  50,
		},
	}
}
