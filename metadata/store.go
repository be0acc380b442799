// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package metadata persists per-file processing status, validation
// reports, extracted metadata and artifact lists, keyed by file identifier.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/olivere/filequeue"
)

// ErrNotFound is returned when no record exists for a file.
var ErrNotFound = errors.New("metadata: file not found")

// Status of an uploaded file.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ValidationReport is the persisted outcome of the validation stage.
type ValidationReport struct {
	Valid        bool              `json:"valid"`
	DetectedMime string            `json:"detectedMime,omitempty"`
	Issues       []filequeue.Issue `json:"issues,omitempty"`
}

// Record is everything the store knows about one file.
type Record struct {
	FileID        string                 `json:"fileId"`
	Status        Status                 `json:"status"`
	StatusMessage string                 `json:"statusMessage,omitempty"`
	Validation    *ValidationReport      `json:"validation,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Artifacts     []filequeue.Artifact   `json:"artifacts,omitempty"`
	Updated       time.Time              `json:"updated"`
}

// Store is the Metadata Store consumed by the orchestrator, the status
// aggregator and the workers. Writes for unknown files create the record.
type Store interface {
	// SetStatus sets the status text of a file, e.g. failed with the
	// triggering error as message.
	SetStatus(ctx context.Context, fileID string, status Status, message string) error

	// Get returns the record of a file, or ErrNotFound.
	Get(ctx context.Context, fileID string) (*Record, error)

	// SaveArtifacts replaces the artifact list of a file and merges the
	// given metadata into the stored metadata.
	SaveArtifacts(ctx context.Context, fileID string, artifacts []filequeue.Artifact, metadata map[string]interface{}) error

	// SaveValidation stores the validation report of a file.
	SaveValidation(ctx context.Context, fileID string, report ValidationReport) error

	// SaveMetadata merges the given metadata into the stored metadata.
	SaveMetadata(ctx context.Context, fileID string, metadata map[string]interface{}) error
}

// MergeMetadata copies all keys of src into dst, allocating dst if needed.
func MergeMetadata(dst, src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
