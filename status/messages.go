// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package status

import (
	"fmt"

	"github.com/olivere/filequeue"
)

// ProgressBuckets are the cutoffs (in percent) of the image processing
// messages: below Analyzing the image is analyzed, below Processing it is
// processed, below Thumbnails thumbnails are generated, then it is
// finalized.
type ProgressBuckets struct {
	Analyzing  int `json:"analyzing" toml:"analyzing"`
	Processing int `json:"processing" toml:"processing"`
	Thumbnails int `json:"thumbnails" toml:"thumbnails"`
}

// DefaultProgressBuckets returns the cutoffs 30, 50 and 80.
func DefaultProgressBuckets() ProgressBuckets {
	return ProgressBuckets{Analyzing: 30, Processing: 50, Thumbnails: 80}
}

// Validate checks 0 < Analyzing < Processing < Thumbnails <= 100.
func (b ProgressBuckets) Validate() error {
	if b.Analyzing <= 0 || b.Analyzing >= b.Processing || b.Processing >= b.Thumbnails || b.Thumbnails > 100 {
		return fmt.Errorf("status: progress buckets must be ascending in (0,100], have %d/%d/%d", b.Analyzing, b.Processing, b.Thumbnails)
	}
	return nil
}

type template struct {
	queued    string
	completed string
	failed    string
	active    func(progress int, b ProgressBuckets) string
}

func fixed(msg string) func(int, ProgressBuckets) string {
	return func(int, ProgressBuckets) string { return msg }
}

var templates = map[string]template{
	filequeue.QueueValidation: {
		queued:    "Waiting for validation",
		completed: "File validated",
		failed:    "Validation failed",
		active:    fixed("Validating file"),
	},
	filequeue.QueueMetadata: {
		queued:    "Waiting for metadata extraction",
		completed: "Metadata extracted",
		failed:    "Metadata extraction failed",
		active:    fixed("Extracting metadata"),
	},
	filequeue.QueueImageProcessing: {
		queued:    "Waiting for image processing",
		completed: "Image processing completed",
		failed:    "Image processing failed",
		active: func(progress int, b ProgressBuckets) string {
			switch {
			case progress < b.Analyzing:
				return "Analyzing image"
			case progress < b.Processing:
				return "Processing image"
			case progress < b.Thumbnails:
				return "Generating thumbnails"
			default:
				return "Finalizing"
			}
		},
	},
}

var genericTemplate = template{
	queued:    "Queued",
	completed: "Completed",
	failed:    "Failed",
	active:    fixed("Processing"),
}

func message(queue string, state StageState, progress int, b ProgressBuckets) string {
	t, found := templates[queue]
	if !found {
		t = genericTemplate
	}
	switch state {
	case StageQueued:
		return t.queued
	case StageCompleted:
		return t.completed
	case StageFailed:
		return t.failed
	default:
		return t.active(progress, b)
	}
}
