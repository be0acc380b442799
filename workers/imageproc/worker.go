// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package imageproc implements the worker of the image processing queue.
package imageproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/codec"
	"github.com/olivere/filequeue/metadata"
	"github.com/olivere/filequeue/storage"
)

// Worker resizes and re-encodes uploaded images and generates
// thumbnails. It implements filequeue.Worker.
//
// Progress checkpoints: 10 (file verified), 20 (decoded), 30 (metadata
// extracted), 50 (main asset re-encoded), 50..80 (thumbnails),
// 90 (artifacts persisted), 100 (file ready).
//
// The recorded result is all-or-nothing: if any step fails, the file is
// marked failed and no artifacts are persisted, even though some
// derived files may already have been written.
type Worker struct {
	storage storage.Backend
	store   metadata.Store
	logger  filequeue.Logger
}

var _ filequeue.Worker = (*Worker)(nil)

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger filequeue.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates an image processing worker.
func New(backend storage.Backend, store metadata.Store, options ...Option) *Worker {
	w := &Worker{
		storage: backend,
		store:   store,
		logger:  filequeue.NopLogger(),
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// stepError is a failed step. Infrastructure failures carry the
// underlying error and are retried; others are final. An aborted step
// means the job is gone and nothing must be recorded.
type stepError struct {
	reason  string
	err     error
	aborted bool
}

func domainFailure(format string, args ...interface{}) *stepError {
	return &stepError{reason: fmt.Sprintf(format, args...)}
}

func processingFailure(reason string, err error) *stepError {
	return &stepError{reason: reason, err: err}
}

// Process runs the image pipeline of a job.
func (w *Worker) Process(ctx context.Context, job *filequeue.Job, progress filequeue.ProgressReporter) (*filequeue.StageResult, error) {
	var p filequeue.ImageProcessingPayload
	if err := job.Decode(&p); err != nil {
		return filequeue.FailedResult(err.Error()), nil
	}
	artifacts, md, serr := w.run(ctx, p, progress)
	if serr != nil {
		return w.fail(ctx, p, serr)
	}

	if err := w.store.SaveArtifacts(ctx, p.FileID, artifacts, md); err != nil {
		return w.fail(ctx, p, processingFailure("Unable to persist artifacts", err))
	}
	if err := progress.Report(ctx, 90); err != nil {
		return nil, err
	}
	if err := w.store.SetStatus(ctx, p.FileID, metadata.StatusReady, ""); err != nil {
		return w.fail(ctx, p, processingFailure("Unable to update file status", err))
	}
	if err := progress.Report(ctx, 100); err != nil {
		return nil, err
	}
	return filequeue.Processed(artifacts, md), nil
}

func (w *Worker) fail(ctx context.Context, p filequeue.ImageProcessingPayload, serr *stepError) (*filequeue.StageResult, error) {
	if serr.aborted {
		return nil, serr.err
	}
	if err := w.store.SetStatus(ctx, p.FileID, metadata.StatusFailed, serr.reason); err != nil {
		w.logger.Printf("imageproc: unable to mark file %s as failed: %v", p.FileID, err)
	}
	if serr.err != nil {
		return filequeue.FailedResult(serr.reason), fmt.Errorf("imageproc: %s: %w", serr.reason, serr.err)
	}
	return filequeue.FailedResult(serr.reason), nil
}

func (w *Worker) run(ctx context.Context, p filequeue.ImageProcessingPayload, progress filequeue.ProgressReporter) ([]filequeue.Artifact, map[string]interface{}, *stepError) {
	report := func(percent int) *stepError {
		if err := progress.Report(ctx, percent); err != nil {
			return &stepError{err: err, aborted: true}
		}
		return nil
	}
	opts := p.ProcessingOptions
	if err := opts.Validate(); err != nil {
		return nil, nil, domainFailure("Invalid processing options: %v", err)
	}

	// Verify file exists; the file may vanish or not be visible yet
	fi, err := w.storage.Stat(ctx, p.FilePath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, processingFailure("File not found", err)
	}
	if err != nil {
		return nil, nil, processingFailure("Unable to access file", err)
	}
	if serr := report(10); serr != nil {
		return nil, nil, serr
	}

	// Decode
	img, info, serr := w.decode(ctx, p.FilePath)
	if serr != nil {
		return nil, nil, serr
	}
	if serr := report(20); serr != nil {
		return nil, nil, serr
	}

	// Metadata
	md := info.Metadata()
	md["entityType"] = p.EntityType
	md["entityId"] = p.EntityID
	artifacts := []filequeue.Artifact{{
		Kind:      filequeue.ArtifactOriginal,
		Name:      "original",
		Path:      p.FilePath,
		URL:       w.storage.URL(p.FilePath),
		Width:     info.Width,
		Height:    info.Height,
		SizeBytes: fi.Size(),
		Format:    info.Format,
	}}
	if serr := report(30); serr != nil {
		return nil, nil, serr
	}

	format := outputFormat(opts.Format, info.Format)

	// Main asset
	if opts.Reencode() {
		out := img
		if opts.Resize != nil {
			out, err = codec.Resize(img, opts.Resize.Width, opts.Resize.Height, opts.Resize.Fit)
			if err != nil {
				return nil, nil, processingFailure("Unable to resize image", err)
			}
		}
		a, serr := w.write(ctx, p.FilePath, "optimized", out, format, opts.Quality)
		if serr != nil {
			return nil, nil, serr
		}
		a.Kind, a.Name = filequeue.ArtifactOptimized, "optimized"
		artifacts = append(artifacts, a)
	}
	if serr := report(50); serr != nil {
		return nil, nil, serr
	}

	// Thumbnails
	n := len(opts.GenerateThumbnails)
	for i, spec := range opts.GenerateThumbnails {
		thumb, err := codec.Resize(img, spec.Width, spec.Height, filequeue.FitCover)
		if err != nil {
			return nil, nil, processingFailure(fmt.Sprintf("Unable to create thumbnail %s", spec.Name), err)
		}
		a, serr := w.write(ctx, p.FilePath, spec.Name, thumb, format, opts.Quality)
		if serr != nil {
			return nil, nil, serr
		}
		a.Kind, a.Name = filequeue.ArtifactThumbnail, spec.Name
		artifacts = append(artifacts, a)
		if serr := report(50 + 30*(i+1)/n); serr != nil {
			return nil, nil, serr
		}
	}
	return artifacts, md, nil
}

func (w *Worker) decode(ctx context.Context, path string) (image.Image, codec.Info, *stepError) {
	r, err := w.storage.Open(ctx, path)
	if err != nil {
		return nil, codec.Info{}, processingFailure("Unable to read file", err)
	}
	defer r.Close()
	img, info, err := codec.Decode(r)
	if err != nil {
		return nil, codec.Info{}, processingFailure("Unable to decode image", err)
	}
	return img, info, nil
}

// write encodes img and stores it next to the source file.
func (w *Worker) write(ctx context.Context, source, suffix string, img image.Image, format string, quality int) (filequeue.Artifact, *stepError) {
	var buf bytes.Buffer
	if err := codec.Encode(&buf, img, format, quality); err != nil {
		return filequeue.Artifact{}, processingFailure("Unable to encode image", err)
	}
	size := int64(buf.Len())
	path := storage.DerivedPath(source, suffix, extension(format))
	f, err := w.storage.Create(ctx, path)
	if err != nil {
		return filequeue.Artifact{}, processingFailure("Unable to store image", err)
	}
	if _, err := io.Copy(f, &buf); err != nil {
		_ = f.Close()
		return filequeue.Artifact{}, processingFailure("Unable to store image", err)
	}
	if err := f.Close(); err != nil {
		return filequeue.Artifact{}, processingFailure("Unable to store image", err)
	}
	b := img.Bounds()
	return filequeue.Artifact{
		Path:      path,
		URL:       w.storage.URL(path),
		Width:     b.Dx(),
		Height:    b.Dy(),
		SizeBytes: size,
		Format:    format,
	}, nil
}

// outputFormat returns the requested format, or the source format if
// the codec can write it, or webp.
func outputFormat(requested, source string) string {
	if requested != "" {
		return requested
	}
	switch source {
	case filequeue.FormatJPEG, filequeue.FormatPNG, filequeue.FormatWebP:
		return source
	}
	return filequeue.FormatWebP
}

func extension(format string) string {
	if format == filequeue.FormatJPEG {
		return "jpg"
	}
	return format
}
