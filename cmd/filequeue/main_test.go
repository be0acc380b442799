// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/status"
)

// setup writes a configuration using Redis and SQLite, so that state
// survives between command invocations.
func setup(t *testing.T) string {
	t.Helper()
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	uploads := filepath.Join(dir, "uploads")
	require.NoError(t, os.MkdirAll(uploads, 0o755))
	img := imaging.New(64, 48, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	require.NoError(t, imaging.Save(img, filepath.Join(uploads, "p1.jpg")))

	content := fmt.Sprintf(`
[broker]
type = "redis"
url = "redis://%s"

[metadata]
type = "sqlite"
path = %q

[storage]
root = %q

[logging]
level = "error"
`, mr.Addr(), filepath.ToSlash(filepath.Join(dir, "meta.db")), filepath.ToSlash(uploads))
	path := filepath.Join(dir, "filequeue.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, configPath string, args ...string) []byte {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	require.NoError(t, cmd.Execute(), out.String())
	return out.Bytes()
}

func TestSubmitStatusCancel(t *testing.T) {
	cfg := setup(t)

	var sub submitOutput
	require.NoError(t, json.Unmarshal(execute(t, cfg, "submit", "p1.jpg", "--file-id", "f1", "--entity-type", "product", "--entity-id", "42"), &sub))
	assert.Equal(t, "f1", sub.FileID)
	require.NotNil(t, sub.Submission)
	assert.NotEmpty(t, sub.ValidationJobID)
	assert.NotEmpty(t, sub.MetadataJobID)
	assert.NotEmpty(t, sub.ProcessingJobID)

	var st status.OverallStatus
	require.NoError(t, json.Unmarshal(execute(t, cfg, "status", "f1"), &st))
	assert.Equal(t, status.OverallPending, st.Status)
	assert.Len(t, st.Jobs, 3)

	var stats []queueStatsOutput
	require.NoError(t, json.Unmarshal(execute(t, cfg, "stats", "--json"), &stats))
	require.Len(t, stats, len(filequeue.StageQueues))
	for _, q := range stats {
		assert.Equal(t, 1, q.Stats.Waiting+q.Stats.Delayed, q.Queue)
	}
	assert.Contains(t, string(execute(t, cfg, "stats")), filequeue.QueueImageProcessing)

	var cancelled struct {
		Cancelled bool `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal(execute(t, cfg, "cancel", "f1"), &cancelled))
	assert.True(t, cancelled.Cancelled)

	require.NoError(t, json.Unmarshal(execute(t, cfg, "status", "f1"), &st))
	assert.Equal(t, status.OverallCancelled, st.Status)
	assert.Empty(t, st.Jobs)
}

func TestSubmitMissingFile(t *testing.T) {
	cfg := setup(t)
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfg, "submit", "nope.jpg"})
	assert.Error(t, cmd.Execute())
}
