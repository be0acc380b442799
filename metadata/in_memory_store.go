// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/olivere/filequeue"
)

// InMemoryStore is a simple in-memory Store. Do not use in production.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (s *InMemoryStore) record(fileID string) *Record {
	r, found := s.records[fileID]
	if !found {
		r = &Record{FileID: fileID, Status: StatusUploaded}
		s.records[fileID] = r
	}
	r.Updated = s.now()
	return r
}

// SetStatus sets the status of a file.
func (s *InMemoryStore) SetStatus(ctx context.Context, fileID string, status Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(fileID)
	r.Status = status
	r.StatusMessage = message
	return nil
}

// Get returns a copy of the record of a file.
func (s *InMemoryStore) Get(ctx context.Context, fileID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.records[fileID]
	if !found {
		return nil, ErrNotFound
	}
	c := *r
	c.Metadata = MergeMetadata(nil, r.Metadata)
	c.Artifacts = append([]filequeue.Artifact(nil), r.Artifacts...)
	if r.Validation != nil {
		v := *r.Validation
		v.Issues = append([]filequeue.Issue(nil), r.Validation.Issues...)
		c.Validation = &v
	}
	return &c, nil
}

// SaveArtifacts replaces the artifacts of a file.
func (s *InMemoryStore) SaveArtifacts(ctx context.Context, fileID string, artifacts []filequeue.Artifact, metadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(fileID)
	r.Artifacts = append([]filequeue.Artifact(nil), artifacts...)
	r.Metadata = MergeMetadata(r.Metadata, metadata)
	return nil
}

// SaveValidation stores the validation report of a file.
func (s *InMemoryStore) SaveValidation(ctx context.Context, fileID string, report ValidationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(fileID)
	report.Issues = append([]filequeue.Issue(nil), report.Issues...)
	r.Validation = &report
	return nil
}

// SaveMetadata merges metadata into the record of a file.
func (s *InMemoryStore) SaveMetadata(ctx context.Context, fileID string, metadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(fileID)
	r.Metadata = MergeMetadata(r.Metadata, metadata)
	return nil
}
