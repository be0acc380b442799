// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package validation implements the worker of the file validation queue.
package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/codec"
	"github.com/olivere/filequeue/metadata"
	"github.com/olivere/filequeue/storage"
)

// Issue types reported by the worker.
const (
	IssueFileNotFound   = "file_not_found"
	IssueMimeMismatch   = "mime_mismatch"
	IssueFileTooLarge   = "file_too_large"
	IssueThreatDetected = "threat_detected"
	IssueInvalidContent = "invalid_content"
)

// Worker validates uploaded files. It implements filequeue.Worker.
//
// Progress checkpoints: 10 (payload read), 30 (existence verified),
// 50 (type detected), 70 (size checked), 90 (content scanned),
// 100 (structure checked and report persisted).
type Worker struct {
	storage  storage.Backend
	store    metadata.Store
	limits   Limits
	patterns [][]byte
	logger   filequeue.Logger
}

var _ filequeue.Worker = (*Worker)(nil)

// Option configures a Worker.
type Option func(*Worker)

// WithLimits sets the size ceilings per file category.
func WithLimits(l Limits) Option {
	return func(w *Worker) {
		w.limits = l
	}
}

// WithThreatPatterns replaces the content patterns treated as threats.
// Matching is case-insensitive.
func WithThreatPatterns(patterns ...string) Option {
	return func(w *Worker) {
		w.patterns = compilePatterns(patterns)
	}
}

// WithLogger sets the logger.
func WithLogger(logger filequeue.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a validation worker reading files from backend and writing
// reports to store.
func New(backend storage.Backend, store metadata.Store, options ...Option) *Worker {
	w := &Worker{
		storage:  backend,
		store:    store,
		limits:   DefaultLimits(),
		patterns: compilePatterns(DefaultThreatPatterns),
		logger:   filequeue.NopLogger(),
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Process validates the file of a job.
func (w *Worker) Process(ctx context.Context, job *filequeue.Job, progress filequeue.ProgressReporter) (*filequeue.StageResult, error) {
	var p filequeue.ValidationPayload
	if err := job.Decode(&p); err != nil {
		return filequeue.FailedResult(err.Error()), nil
	}
	if err := progress.Report(ctx, 10); err != nil {
		return nil, err
	}

	// Existence
	fi, err := w.storage.Stat(ctx, p.FilePath)
	if errors.Is(err, storage.ErrNotFound) {
		issues := []filequeue.Issue{{Type: IssueFileNotFound, Message: "File not found", Severity: filequeue.SeverityError}}
		return w.finish(ctx, p, "", issues, progress)
	}
	if err != nil {
		return filequeue.FailedResult("Unable to access file"), err
	}
	if err := progress.Report(ctx, 30); err != nil {
		return nil, err
	}

	// Signature
	var issues []filequeue.Issue
	mtype, err := w.detect(ctx, p.FilePath)
	if err != nil {
		return filequeue.FailedResult("Unable to read file"), err
	}
	detected := mtype.String()
	if !mtype.Is(p.MimeType) {
		issues = append(issues, filequeue.Issue{
			Type:     IssueMimeMismatch,
			Message:  fmt.Sprintf("Declared type %s does not match detected type %s", p.MimeType, detected),
			Severity: filequeue.SeverityWarning,
		})
	}
	if err := progress.Report(ctx, 50); err != nil {
		return nil, err
	}

	// Size
	category := CategoryOf(baseType(detected))
	limit := w.limits.For(category)
	if fi.Size() > limit {
		issues = append(issues, filequeue.Issue{
			Type:     IssueFileTooLarge,
			Message:  "File too large",
			Severity: filequeue.SeverityError,
		})
	}
	if err := progress.Report(ctx, 70); err != nil {
		return nil, err
	}

	// Content threats; the scan never reads past the size ceiling
	threat, err := w.scan(ctx, p.FilePath, limit)
	if err != nil {
		return filequeue.FailedResult("Unable to read file"), err
	}
	if threat != "" {
		issues = append(issues, filequeue.Issue{
			Type:     IssueThreatDetected,
			Message:  "Potentially malicious content detected",
			Severity: filequeue.SeverityError,
		})
		w.logger.Printf("validation: file %s matches threat pattern %q", p.FileID, threat)
	}
	if err := progress.Report(ctx, 90); err != nil {
		return nil, err
	}

	// Structure
	if msg, err := w.checkStructure(ctx, p.FilePath, category, detected); err != nil {
		return filequeue.FailedResult("Unable to read file"), err
	} else if msg != "" {
		issues = append(issues, filequeue.Issue{Type: IssueInvalidContent, Message: msg, Severity: filequeue.SeverityError})
	}

	return w.finish(ctx, p, detected, issues, progress)
}

// finish persists the report and reduces the issues to a result.
func (w *Worker) finish(ctx context.Context, p filequeue.ValidationPayload, detected string, issues []filequeue.Issue, progress filequeue.ProgressReporter) (*filequeue.StageResult, error) {
	result := filequeue.Validated(issues)
	report := metadata.ValidationReport{
		Valid:        !result.IsFailed(),
		DetectedMime: detected,
		Issues:       issues,
	}
	if err := w.store.SaveValidation(ctx, p.FileID, report); err != nil {
		return filequeue.FailedResult("Unable to persist validation report"), err
	}
	if result.IsFailed() {
		if err := w.store.SetStatus(ctx, p.FileID, metadata.StatusFailed, result.Reason); err != nil {
			return result, err
		}
	}
	if err := progress.Report(ctx, 100); err != nil {
		return nil, err
	}
	return result, nil
}

func (w *Worker) detect(ctx context.Context, path string) (*mimetype.MIME, error) {
	r, err := w.storage.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return mimetype.DetectReader(r)
}

// scanChunkSize is the number of bytes read per step while scanning.
const scanChunkSize = 64 << 10

// scan reads up to limit bytes of the file in chunks and returns the first
// threat pattern found. The tail of each chunk is carried over so that
// patterns spanning two chunks are still found.
func (w *Worker) scan(ctx context.Context, path string, limit int64) (string, error) {
	r, err := w.storage.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer r.Close()

	var overlap int
	for _, pattern := range w.patterns {
		if n := len(pattern) - 1; n > overlap {
			overlap = n
		}
	}
	lr := io.LimitReader(r, limit)
	chunk := make([]byte, scanChunkSize)
	window := make([]byte, 0, scanChunkSize+overlap)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := io.ReadFull(lr, chunk)
		if n > 0 {
			window = append(window, bytes.ToLower(chunk[:n])...)
			for _, pattern := range w.patterns {
				if bytes.Contains(window, pattern) {
					return string(pattern), nil
				}
			}
			if len(window) > overlap {
				window = append(window[:0], window[len(window)-overlap:]...)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", nil
		}
		if err != nil {
			return "", err
		}
	}
}

// checkStructure returns a message if the file is malformed for its type.
func (w *Worker) checkStructure(ctx context.Context, path, category, detected string) (string, error) {
	switch {
	case category == CategoryImage:
		r, err := w.storage.Open(ctx, path)
		if err != nil {
			return "", err
		}
		defer r.Close()
		info, err := codec.DecodeConfig(r)
		if err != nil {
			return "Image cannot be decoded", nil
		}
		if info.Width <= 0 || info.Height <= 0 {
			return "Image has no dimensions", nil
		}
	case baseType(detected) == "application/pdf":
		r, err := w.storage.Open(ctx, path)
		if err != nil {
			return "", err
		}
		defer r.Close()
		head := make([]byte, 5)
		if _, err := io.ReadFull(r, head); err != nil || string(head) != "%PDF-" {
			return "Document is not a valid PDF", nil
		}
	}
	return "", nil
}

func baseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}
