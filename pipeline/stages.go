// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipeline

import (
	"strings"
	"time"

	"github.com/olivere/filequeue"
)

// Stage is one entry of the stage plan: the queue a job goes to and the
// submission options it gets.
type Stage struct {
	Queue      string
	Options    filequeue.JobOptions
	ImagesOnly bool // only submitted for image MIME types
}

// Plan is the ordered list of stages submitted for one upload.
type Plan []Stage

// DefaultPlan returns the static stage plan. Image processing is delayed
// so that validation gets a head start; it does not wait for it.
func DefaultPlan() Plan {
	return Plan{
		{
			Queue:   filequeue.QueueValidation,
			Options: filequeue.JobOptions{Priority: 10, Attempts: 2},
		},
		{
			Queue:   filequeue.QueueMetadata,
			Options: filequeue.JobOptions{Priority: 7, Attempts: 2},
		},
		{
			Queue: filequeue.QueueImageProcessing,
			Options: filequeue.JobOptions{
				Priority: 5,
				Attempts: 3,
				Delay:    5 * time.Second,
				Backoff:  filequeue.Backoff{Kind: filequeue.BackoffExponential, Delay: 5 * time.Second},
			},
			ImagesOnly: true,
		},
	}
}

// IsImage returns true for image MIME types.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
}

// Applies returns true if the stage must be submitted for the file.
func (s Stage) Applies(fd FileDescriptor) bool {
	return !s.ImagesOnly || IsImage(fd.MimeType)
}
