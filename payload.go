// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import (
	"fmt"
	"sort"
	"strings"
)

// Names of the stage queues.
const (
	QueueValidation      = "file-validation"
	QueueMetadata        = "metadata-extraction"
	QueueImageProcessing = "image-processing"
)

// StageQueues lists all stage queues in pipeline order.
var StageQueues = []string{QueueValidation, QueueMetadata, QueueImageProcessing}

// Payload is the stage-specific content of a job. Each stage queue
// accepts exactly one payload variant.
type Payload interface {
	// QueueName returns the name of the stage queue the payload belongs to.
	QueueName() string
	// FileRef returns the identifier of the file the payload refers to.
	FileRef() string
	// Validate checks that all required fields are present.
	Validate() error
}

// ValidationPayload is the payload of jobs in the validation queue.
type ValidationPayload struct {
	FileID       string `json:"fileId"`
	FilePath     string `json:"filePath"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
}

func (p ValidationPayload) QueueName() string { return QueueValidation }
func (p ValidationPayload) FileRef() string   { return p.FileID }

func (p ValidationPayload) Validate() error {
	if err := requireFields(map[string]string{
		"fileId":       p.FileID,
		"filePath":     p.FilePath,
		"originalName": p.OriginalName,
		"mimeType":     p.MimeType,
	}); err != nil {
		return err
	}
	if p.Size < 0 {
		return fmt.Errorf("%w: size must not be negative", ErrInvalidPayload)
	}
	return nil
}

// MetadataPayload is the payload of jobs in the metadata extraction queue.
type MetadataPayload struct {
	FileID   string `json:"fileId"`
	FilePath string `json:"filePath"`
	MimeType string `json:"mimeType"`
}

func (p MetadataPayload) QueueName() string { return QueueMetadata }
func (p MetadataPayload) FileRef() string   { return p.FileID }

func (p MetadataPayload) Validate() error {
	return requireFields(map[string]string{
		"fileId":   p.FileID,
		"filePath": p.FilePath,
		"mimeType": p.MimeType,
	})
}

// ImageProcessingPayload is the payload of jobs in the image processing queue.
type ImageProcessingPayload struct {
	FileID            string            `json:"fileId"`
	FilePath          string            `json:"filePath"`
	OriginalName      string            `json:"originalName"`
	MimeType          string            `json:"mimeType"`
	EntityType        string            `json:"entityType"`
	EntityID          string            `json:"entityId"`
	ProcessingOptions ProcessingOptions `json:"processingOptions"`
}

func (p ImageProcessingPayload) QueueName() string { return QueueImageProcessing }
func (p ImageProcessingPayload) FileRef() string   { return p.FileID }

func (p ImageProcessingPayload) Validate() error {
	if err := requireFields(map[string]string{
		"fileId":   p.FileID,
		"filePath": p.FilePath,
		"mimeType": p.MimeType,
	}); err != nil {
		return err
	}
	if !strings.HasPrefix(p.MimeType, "image/") {
		return fmt.Errorf("%w: mimeType %q is not an image type", ErrInvalidPayload, p.MimeType)
	}
	return p.ProcessingOptions.Validate()
}

// Fit modes for resizing.
const (
	FitCover   = "cover"   // crop to fill the box
	FitContain = "contain" // fit into the box, pad the remainder
	FitFill    = "fill"    // stretch to the box
	FitInside  = "inside"  // fit into the box, never enlarge
	FitOutside = "outside" // cover the box, never crop
)

// Output formats.
const (
	FormatWebP = "webp"
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// ResizeOptions specifies a target box and fit mode.
type ResizeOptions struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Fit    string `json:"fit"`
}

// ThumbnailSpec names a thumbnail and its dimensions.
type ThumbnailSpec struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ProcessingOptions describes how the image processing worker transforms
// an image.
type ProcessingOptions struct {
	Resize             *ResizeOptions  `json:"resize,omitempty"`
	Format             string          `json:"format,omitempty"`
	Quality            int             `json:"quality,omitempty"`
	GenerateThumbnails []ThumbnailSpec `json:"generateThumbnails,omitempty"`
}

// Reencode returns true if the main asset must be re-encoded.
func (o ProcessingOptions) Reencode() bool {
	return o.Resize != nil || o.Format != "" || o.Quality > 0
}

// Validate checks the processing options for consistency.
func (o ProcessingOptions) Validate() error {
	if o.Resize != nil {
		if o.Resize.Width <= 0 || o.Resize.Height <= 0 {
			return fmt.Errorf("%w: resize box must be positive, have %dx%d", ErrInvalidPayload, o.Resize.Width, o.Resize.Height)
		}
		switch o.Resize.Fit {
		case "", FitCover, FitContain, FitFill, FitInside, FitOutside:
		default:
			return fmt.Errorf("%w: unknown fit mode %q", ErrInvalidPayload, o.Resize.Fit)
		}
	}
	switch o.Format {
	case "", FormatWebP, FormatJPEG, FormatPNG:
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidPayload, o.Format)
	}
	if o.Quality < 0 || o.Quality > 100 {
		return fmt.Errorf("%w: quality must be in [0,100], have %d", ErrInvalidPayload, o.Quality)
	}
	seen := make(map[string]bool)
	for _, t := range o.GenerateThumbnails {
		if t.Name == "" {
			return fmt.Errorf("%w: thumbnail without name", ErrInvalidPayload)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate thumbnail %q", ErrInvalidPayload, t.Name)
		}
		seen[t.Name] = true
		if t.Width <= 0 || t.Height <= 0 {
			return fmt.Errorf("%w: thumbnail %q must have positive dimensions", ErrInvalidPayload, t.Name)
		}
	}
	return nil
}

func requireFields(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return nil
}
