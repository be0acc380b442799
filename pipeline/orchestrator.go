// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package pipeline fans a single upload out into independent stage jobs.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/metadata"
)

// Submitter adds jobs to stage queues. *filequeue.Manager implements it.
type Submitter interface {
	AddJob(ctx context.Context, queue string, payload filequeue.Payload, opts *filequeue.JobOptions) (*filequeue.Job, error)
}

// FileDescriptor describes an uploaded file.
type FileDescriptor struct {
	FileID       string `json:"fileId"`
	FilePath     string `json:"filePath"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	EntityType   string `json:"entityType,omitempty"`
	EntityID     string `json:"entityId,omitempty"`
}

// Submission holds the job identifiers of one upload. ProcessingJobID is
// empty if no image processing job was submitted.
type Submission struct {
	ValidationJobID string `json:"validationJobId"`
	MetadataJobID   string `json:"metadataJobId"`
	ProcessingJobID string `json:"processingJobId,omitempty"`
}

// Orchestrator submits the stage jobs of uploaded files.
type Orchestrator struct {
	submitter Submitter
	store     metadata.Store
	logger    filequeue.Logger
	profiles  Profiles
	plan      Plan
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger filequeue.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithProfiles replaces the entity profile table.
func WithProfiles(p Profiles) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.profiles = p
		}
	}
}

// WithPlan replaces the stage plan.
func WithPlan(p Plan) Option {
	return func(o *Orchestrator) {
		if len(p) > 0 {
			o.plan = p
		}
	}
}

// New creates an Orchestrator that submits jobs via s and records file
// status in store.
func New(s Submitter, store metadata.Store, options ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		submitter: s,
		store:     store,
		logger:    filequeue.NopLogger(),
		profiles:  DefaultProfiles(),
		plan:      DefaultPlan(),
	}
	for _, opt := range options {
		opt(o)
	}
	if err := o.profiles.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// ProcessFileUpload submits one job per applicable stage, in plan order.
//
// The submissions are independent. If one fails, the file is marked
// failed with the error as message and the error is returned; jobs
// submitted before the failure stay in their queues.
func (o *Orchestrator) ProcessFileUpload(ctx context.Context, fd FileDescriptor) (*Submission, error) {
	if err := o.store.SetStatus(ctx, fd.FileID, metadata.StatusProcessing, ""); err != nil {
		o.logger.Printf("pipeline: unable to mark file %s as processing: %v", fd.FileID, err)
	}

	sub := &Submission{}
	for _, stage := range o.plan {
		if !stage.Applies(fd) {
			continue
		}
		payload, err := o.payloadFor(stage.Queue, fd)
		if err != nil {
			return nil, o.fail(ctx, fd, err)
		}
		opts := stage.Options
		job, err := o.submitter.AddJob(ctx, stage.Queue, payload, &opts)
		if err != nil {
			return nil, o.fail(ctx, fd, err)
		}
		switch stage.Queue {
		case filequeue.QueueValidation:
			sub.ValidationJobID = job.ID
		case filequeue.QueueMetadata:
			sub.MetadataJobID = job.ID
		case filequeue.QueueImageProcessing:
			sub.ProcessingJobID = job.ID
		}
	}
	o.logger.Printf("pipeline: file %s submitted (validation=%s metadata=%s processing=%s)",
		fd.FileID, sub.ValidationJobID, sub.MetadataJobID, sub.ProcessingJobID)
	return sub, nil
}

func (o *Orchestrator) fail(ctx context.Context, fd FileDescriptor, err error) error {
	if serr := o.store.SetStatus(ctx, fd.FileID, metadata.StatusFailed, err.Error()); serr != nil {
		o.logger.Printf("pipeline: unable to mark file %s as failed: %v", fd.FileID, serr)
	}
	return err
}

func (o *Orchestrator) payloadFor(queue string, fd FileDescriptor) (filequeue.Payload, error) {
	switch queue {
	case filequeue.QueueValidation:
		return filequeue.ValidationPayload{
			FileID:       fd.FileID,
			FilePath:     fd.FilePath,
			OriginalName: fd.OriginalName,
			MimeType:     fd.MimeType,
			Size:         fd.Size,
		}, nil
	case filequeue.QueueMetadata:
		return filequeue.MetadataPayload{
			FileID:   fd.FileID,
			FilePath: fd.FilePath,
			MimeType: fd.MimeType,
		}, nil
	case filequeue.QueueImageProcessing:
		return filequeue.ImageProcessingPayload{
			FileID:            fd.FileID,
			FilePath:          fd.FilePath,
			OriginalName:      fd.OriginalName,
			MimeType:          strings.ToLower(strings.TrimSpace(fd.MimeType)),
			EntityType:        fd.EntityType,
			EntityID:          fd.EntityID,
			ProcessingOptions: o.profiles.ProfileFor(fd.EntityType),
		}, nil
	}
	return nil, fmt.Errorf("pipeline: no payload for queue %s", queue)
}
