// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/config"
	"github.com/olivere/filequeue/workers/validation"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent")
	}
	if want := filepath.Join(home, ".config", "filequeue", "config.toml"); resolved != want {
		t.Fatalf("resolved = %q, want %q", resolved, want)
	}
	if cfg.Broker.Type != config.BrokerMemory {
		t.Fatalf("broker.type = %q", cfg.Broker.Type)
	}
	if have, want := cfg.Backpressure, filequeue.DefaultBackpressure(); have != want {
		t.Fatalf("backpressure = %+v, want %+v", have, want)
	}
	if have, want := cfg.Manager.MonitorInterval(), 30*time.Second; have != want {
		t.Fatalf("monitor interval = %v, want %v", have, want)
	}
	if have, want := cfg.Manager.StalledInterval(), cfg.Manager.LeaseDuration(); have != want {
		t.Fatalf("stalled interval = %v, want %v", have, want)
	}
	if have, want := cfg.Progress.Analyzing, 30; have != want {
		t.Fatalf("progress.analyzing = %d, want %d", have, want)
	}
	if !filepath.IsAbs(cfg.Storage.Root) {
		t.Fatalf("expected absolute storage root, have %q", cfg.Storage.Root)
	}
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filequeue.toml")
	content := `
[broker]
type = "Redis"
url = "redis://localhost:6379/0"

[backpressure]
max_concurrent_jobs = 4
max_queue_size = 50
pause_threshold = 40
resume_threshold = 10

[manager]
monitor_interval_seconds = 5
lease_seconds = 10

[manager.concurrency]
image-processing = 2

[metadata]
type = "sqlite"
path = "` + filepath.ToSlash(filepath.Join(dir, "meta.db")) + `"

[storage]
root = "` + filepath.ToSlash(filepath.Join(dir, "uploads")) + `"
base_url = "https://cdn.example.com/"

[progress]
analyzing = 20
processing = 60
thumbnails = 90

[validation]
image_mib = 5
threat_patterns = ["<script"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("Load = (%q, %v), want (%q, true)", resolved, exists, path)
	}
	if cfg.Broker.Type != config.BrokerRedis {
		t.Fatalf("broker.type = %q, want normalized %q", cfg.Broker.Type, config.BrokerRedis)
	}
	if have, want := cfg.Backpressure.MaxQueueSize, 50; have != want {
		t.Fatalf("max_queue_size = %d, want %d", have, want)
	}
	if have, want := cfg.Manager.StalledInterval(), 10*time.Second; have != want {
		t.Fatalf("stalled interval = %v, want %v", have, want)
	}
	if have, want := cfg.Manager.PollInterval(), time.Second; have != want {
		t.Fatalf("poll interval = %v, want default %v", have, want)
	}
	if have, want := cfg.Manager.Concurrency[filequeue.QueueImageProcessing], 2; have != want {
		t.Fatalf("concurrency = %d, want %d", have, want)
	}
	if have, want := cfg.Storage.BaseURL, "https://cdn.example.com"; have != want {
		t.Fatalf("base_url = %q, want %q", have, want)
	}
	if have, want := cfg.Validation.Limits()[validation.CategoryImage], int64(5<<20); have != want {
		t.Fatalf("image limit = %d, want %d", have, want)
	}
	if have, want := cfg.Validation.Limits()[validation.CategoryVideo], int64(100<<20); have != want {
		t.Fatalf("video limit = %d, want default %d", have, want)
	}
	if have, want := cfg.Progress.Thumbnails, 90; have != want {
		t.Fatalf("progress.thumbnails = %d, want %d", have, want)
	}
}

func TestEnvironmentOverridesBrokerURL(t *testing.T) {
	t.Setenv("FILEQUEUE_BROKER_URL", "mongodb://localhost/filequeue")
	cfg, err := config.Parse(strings.NewReader("[broker]\ntype = \"mongodb\"\n"))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if have, want := cfg.Broker.URL, "mongodb://localhost/filequeue"; have != want {
		t.Fatalf("broker.url = %q, want %q", have, want)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"UnknownBroker", "[broker]\ntype = \"kafka\"\n", "broker.type"},
		{"MissingBrokerURL", "[broker]\ntype = \"mysql\"\n", "broker.url"},
		{"Thresholds", "[backpressure]\npause_threshold = 100\nresume_threshold = 100\n", "backpressure"},
		{"UnknownQueue", "[manager.concurrency]\nthumbnails = 1\n", "unknown queue"},
		{"SQLiteWithoutPath", "[metadata]\ntype = \"sqlite\"\n", "metadata.path"},
		{"LogLevel", "[logging]\nlevel = \"loud\"\n", "logging.level"},
		{"LogFormat", "[logging]\nformat = \"xml\"\n", "logging.format"},
		{"Buckets", "[progress]\nanalyzing = 60\n", "progress"},
		{"Limits", "[validation]\nvideo_mib = 0\n", "validation.video_mib"},
		{"UnknownKey", "[broker]\nhost = \"x\"\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FILEQUEUE_BROKER_URL", "")
			_, err := config.Parse(strings.NewReader(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Broker = config.Broker{Type: config.BrokerRedis, URL: "redis://localhost:6379"}
	var buf bytes.Buffer
	if err := cfg.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	parsed, err := config.Parse(&buf)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if parsed.Broker != cfg.Broker {
		t.Fatalf("broker = %+v, want %+v", parsed.Broker, cfg.Broker)
	}
}
