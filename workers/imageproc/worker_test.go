// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package imageproc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/codec"
	"github.com/olivere/filequeue/metadata"
	"github.com/olivere/filequeue/storage"
)

type progressRecorder struct {
	values []int
}

func (r *progressRecorder) Report(ctx context.Context, percent int) error {
	r.values = append(r.values, percent)
	return nil
}

func imageJob(t *testing.T, p filequeue.ImageProcessingPayload) *filequeue.Job {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return &filequeue.Job{ID: "job-1", Queue: filequeue.QueueImageProcessing, FileID: p.FileID, Payload: data}
}

func writeJPEG(t *testing.T, s *storage.FS, path string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	require.NoError(t, afero.WriteFile(s.Fs(), path, buf.Bytes(), 0o644))
}

func readInfo(t *testing.T, s *storage.FS, path string) codec.Info {
	t.Helper()
	data, err := afero.ReadFile(s.Fs(), path)
	require.NoError(t, err)
	info, err := codec.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return info
}

func TestProcessProductImage(t *testing.T) {
	ctx := context.Background()
	fs := storage.NewMemory("https://cdn.example.com")
	store := metadata.NewInMemoryStore()
	writeJPEG(t, fs, "uploads/p1.jpg", 400, 200)

	rec := &progressRecorder{}
	result, err := New(fs, store).Process(ctx, imageJob(t, filequeue.ImageProcessingPayload{
		FileID:     "f1",
		FilePath:   "uploads/p1.jpg",
		MimeType:   "image/jpeg",
		EntityType: "product",
		EntityID:   "p1",
		ProcessingOptions: filequeue.ProcessingOptions{
			Resize:  &filequeue.ResizeOptions{Width: 100, Height: 100, Fit: filequeue.FitContain},
			Format:  filequeue.FormatJPEG,
			Quality: 85,
			GenerateThumbnails: []filequeue.ThumbnailSpec{
				{Name: "thumbnail", Width: 30, Height: 30},
				{Name: "small", Width: 60, Height: 40},
			},
		},
	}), rec)
	require.NoError(t, err)
	require.Equal(t, filequeue.OutcomeProcessed, result.Outcome)
	assert.Equal(t, []int{10, 20, 30, 50, 65, 80, 90, 100}, rec.values)

	require.Len(t, result.Artifacts, 4)
	orig, opt, thumb, small := result.Artifacts[0], result.Artifacts[1], result.Artifacts[2], result.Artifacts[3]
	assert.Equal(t, filequeue.ArtifactOriginal, orig.Kind)
	assert.Equal(t, 400, orig.Width)
	assert.Equal(t, "https://cdn.example.com/uploads/p1.jpg", orig.URL)

	assert.Equal(t, filequeue.ArtifactOptimized, opt.Kind)
	assert.Equal(t, "uploads/p1_optimized.jpg", opt.Path)
	assert.Equal(t, 100, opt.Width)
	assert.Equal(t, 100, opt.Height)
	info := readInfo(t, fs, opt.Path)
	assert.Equal(t, "jpeg", info.Format)
	assert.Equal(t, 100, info.Width)

	assert.Equal(t, "thumbnail", thumb.Name)
	assert.Equal(t, "uploads/p1_thumbnail.jpg", thumb.Path)
	assert.Equal(t, 30, thumb.Width)
	assert.Equal(t, "uploads/p1_small.jpg", small.Path)
	info = readInfo(t, fs, small.Path)
	assert.Equal(t, 60, info.Width)
	assert.Equal(t, 40, info.Height)

	r, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusReady, r.Status)
	assert.Len(t, r.Artifacts, 4)
	assert.Equal(t, "product", r.Metadata["entityType"])
	assert.Equal(t, 400, r.Metadata["width"])
}

func TestProcessWithoutOptionsKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	fs := storage.NewMemory("")
	store := metadata.NewInMemoryStore()
	writeJPEG(t, fs, "uploads/p1.jpg", 40, 20)

	rec := &progressRecorder{}
	result, err := New(fs, store).Process(ctx, imageJob(t, filequeue.ImageProcessingPayload{
		FileID: "f1", FilePath: "uploads/p1.jpg", MimeType: "image/jpeg",
	}), rec)
	require.NoError(t, err)
	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, filequeue.ArtifactOriginal, result.Artifacts[0].Kind)
	assert.Equal(t, []int{10, 20, 30, 50, 90, 100}, rec.values)

	exists, err := afero.Exists(fs.Fs(), "uploads/p1_optimized.jpg")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestProcessMissingFile(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewInMemoryStore()
	result, err := New(storage.NewMemory(""), store).Process(ctx, imageJob(t, filequeue.ImageProcessingPayload{
		FileID: "f1", FilePath: "uploads/none.jpg", MimeType: "image/jpeg",
	}), filequeue.NopProgress)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.True(t, result.IsFailed())
	assert.Empty(t, result.Artifacts)

	r, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusFailed, r.Status)
	assert.Empty(t, r.Artifacts)
}

func TestProcessCorruptImage(t *testing.T) {
	ctx := context.Background()
	fs := storage.NewMemory("")
	store := metadata.NewInMemoryStore()
	require.NoError(t, afero.WriteFile(fs.Fs(), "uploads/bad.jpg", []byte("not an image"), 0o644))

	result, err := New(fs, store).Process(ctx, imageJob(t, filequeue.ImageProcessingPayload{
		FileID: "f1", FilePath: "uploads/bad.jpg", MimeType: "image/jpeg",
		ProcessingOptions: filequeue.ProcessingOptions{
			GenerateThumbnails: []filequeue.ThumbnailSpec{{Name: "small", Width: 10, Height: 10}},
		},
	}), filequeue.NopProgress)
	require.Error(t, err)
	assert.True(t, result.IsFailed())
	assert.Equal(t, "Unable to decode image", result.Reason)

	r, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusFailed, r.Status)
	assert.Equal(t, "Unable to decode image", r.StatusMessage)
}

func TestProcessInvalidOptionsIsFinal(t *testing.T) {
	ctx := context.Background()
	fs := storage.NewMemory("")
	writeJPEG(t, fs, "uploads/p1.jpg", 40, 20)

	result, err := New(fs, metadata.NewInMemoryStore()).Process(ctx, imageJob(t, filequeue.ImageProcessingPayload{
		FileID: "f1", FilePath: "uploads/p1.jpg", MimeType: "image/jpeg",
		ProcessingOptions: filequeue.ProcessingOptions{Format: "tiff"},
	}), filequeue.NopProgress)
	require.NoError(t, err)
	assert.True(t, result.IsFailed())
}

type cancelledProgress struct{}

var errCancelled = errors.New("cancelled")

func (cancelledProgress) Report(ctx context.Context, percent int) error {
	if percent >= 50 {
		return errCancelled
	}
	return nil
}

func TestProcessStopsWhenProgressFails(t *testing.T) {
	ctx := context.Background()
	fs := storage.NewMemory("")
	store := metadata.NewInMemoryStore()
	writeJPEG(t, fs, "uploads/p1.jpg", 40, 20)

	_, err := New(fs, store).Process(ctx, imageJob(t, filequeue.ImageProcessingPayload{
		FileID: "f1", FilePath: "uploads/p1.jpg", MimeType: "image/jpeg",
		ProcessingOptions: filequeue.ProcessingOptions{Format: filequeue.FormatPNG},
	}), cancelledProgress{})
	assert.ErrorIs(t, err, errCancelled)

	// Nothing recorded for a job that is gone
	_, err = store.Get(ctx, "f1")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestOutputFormat(t *testing.T) {
	assert.Equal(t, "png", outputFormat("png", "jpeg"))
	assert.Equal(t, "jpeg", outputFormat("", "jpeg"))
	assert.Equal(t, "webp", outputFormat("", "gif"))
	assert.Equal(t, "jpg", extension("jpeg"))
	assert.Equal(t, "webp", extension("webp"))
}
