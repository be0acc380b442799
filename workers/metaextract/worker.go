// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package metaextract implements the worker of the metadata extraction
// queue.
package metaextract

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/codec"
	"github.com/olivere/filequeue/metadata"
	"github.com/olivere/filequeue/storage"
)

// Worker extracts basic file metadata. It implements filequeue.Worker.
type Worker struct {
	storage storage.Backend
	store   metadata.Store
}

var _ filequeue.Worker = (*Worker)(nil)

// New creates a metadata extraction worker.
func New(backend storage.Backend, store metadata.Store) *Worker {
	return &Worker{storage: backend, store: store}
}

// Process extracts size, detected type and, for images, dimensions and
// color information, and merges them into the file's metadata.
func (w *Worker) Process(ctx context.Context, job *filequeue.Job, progress filequeue.ProgressReporter) (*filequeue.StageResult, error) {
	var p filequeue.MetadataPayload
	if err := job.Decode(&p); err != nil {
		return filequeue.FailedResult(err.Error()), nil
	}
	if err := progress.Report(ctx, 10); err != nil {
		return nil, err
	}

	fi, err := w.storage.Stat(ctx, p.FilePath)
	if errors.Is(err, storage.ErrNotFound) {
		return filequeue.FailedResult("File not found"), nil
	}
	if err != nil {
		return filequeue.FailedResult("Unable to access file"), err
	}

	md := map[string]interface{}{
		"size":         fi.Size(),
		"declaredMime": p.MimeType,
		"extension":    strings.TrimPrefix(strings.ToLower(path.Ext(p.FilePath)), "."),
	}

	r, err := w.storage.Open(ctx, p.FilePath)
	if err != nil {
		return filequeue.FailedResult("Unable to read file"), err
	}
	mtype, err := mimetype.DetectReader(r)
	r.Close()
	if err != nil {
		return filequeue.FailedResult("Unable to read file"), err
	}
	md["detectedMime"] = mtype.String()
	if err := progress.Report(ctx, 50); err != nil {
		return nil, err
	}

	if strings.HasPrefix(mtype.String(), "image/") {
		r, err := w.storage.Open(ctx, p.FilePath)
		if err != nil {
			return filequeue.FailedResult("Unable to read file"), err
		}
		info, err := codec.DecodeConfig(r)
		r.Close()
		if err == nil {
			md = metadata.MergeMetadata(md, info.Metadata())
		}
	}
	if err := progress.Report(ctx, 90); err != nil {
		return nil, err
	}

	if err := w.store.SaveMetadata(ctx, p.FileID, md); err != nil {
		return filequeue.FailedResult("Unable to persist metadata"), err
	}
	if err := progress.Report(ctx, 100); err != nil {
		return nil, err
	}
	return filequeue.Processed(nil, md), nil
}
