// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/metadata"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SetStatus(ctx, "f1", metadata.StatusProcessing, ""))
	require.NoError(t, s.SaveValidation(ctx, "f1", metadata.ValidationReport{
		Valid:        true,
		DetectedMime: "image/png",
		Issues: []filequeue.Issue{
			{Type: "mime_mismatch", Message: "declared image/jpeg", Severity: filequeue.SeverityWarning},
		},
	}))
	require.NoError(t, s.SaveMetadata(ctx, "f1", map[string]interface{}{"width": 640, "format": "png"}))
	require.NoError(t, s.SaveArtifacts(ctx, "f1", []filequeue.Artifact{
		{Kind: filequeue.ArtifactOriginal, Name: "original", Path: "uploads/f1.png", SizeBytes: 42, Format: "png"},
		{Kind: filequeue.ArtifactThumbnail, Name: "small", Path: "uploads/f1_small.webp", Width: 300, Height: 200, Format: "webp"},
	}, map[string]interface{}{"height": 480}))
	require.NoError(t, s.SetStatus(ctx, "f1", metadata.StatusReady, "done"))

	r, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", r.FileID)
	assert.Equal(t, metadata.StatusReady, r.Status)
	assert.Equal(t, "done", r.StatusMessage)
	require.NotNil(t, r.Validation)
	assert.True(t, r.Validation.Valid)
	assert.Equal(t, "image/png", r.Validation.DetectedMime)
	require.Len(t, r.Validation.Issues, 1)
	assert.Equal(t, filequeue.SeverityWarning, r.Validation.Issues[0].Severity)
	// JSON numbers come back as float64
	assert.Equal(t, map[string]interface{}{"width": float64(640), "height": float64(480), "format": "png"}, r.Metadata)
	require.Len(t, r.Artifacts, 2)
	assert.Equal(t, "small", r.Artifacts[1].Name)
	assert.Equal(t, 300, r.Artifacts[1].Width)
	assert.False(t, r.Updated.IsZero())
}

func TestStoreWriteCreatesRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SaveMetadata(ctx, "f2", map[string]interface{}{"pages": 3}))
	r, err := s.Get(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusUploaded, r.Status)
	assert.Nil(t, r.Validation)
	assert.Empty(t, r.Artifacts)
}

func TestStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "metadata.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "f1", metadata.StatusFailed, "File too large"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	r, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusFailed, r.Status)
	assert.Equal(t, "File too large", r.StatusMessage)
}
