// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import "context"

// Worker is responsible to process jobs of a certain stage queue.
//
// Expected domain outcomes (bad input, oversized file, detected threat)
// must be reported as a failed StageResult with a nil error; the job then
// fails without being retried. An error is returned only for
// infrastructure failures (missing dependency, codec crash); those are
// retried with the job's backoff until its attempts are exhausted. If the
// worker returns both a failed result and an error, the result's reason
// is recorded as the failure reason.
type Worker interface {
	Process(ctx context.Context, job *Job, progress ProgressReporter) (*StageResult, error)
}

// WorkerFunc is an adapter to allow the use of ordinary functions as
// workers.
type WorkerFunc func(ctx context.Context, job *Job, progress ProgressReporter) (*StageResult, error)

// Process calls f(ctx, job, progress).
func (f WorkerFunc) Process(ctx context.Context, job *Job, progress ProgressReporter) (*StageResult, error) {
	return f(ctx, job, progress)
}

// ProgressReporter is passed to workers to report progress checkpoints.
type ProgressReporter interface {
	// Report stores the progress of the job in percent (0..100).
	Report(ctx context.Context, percent int) error
}

// ProgressFunc is an adapter to allow the use of ordinary functions as
// progress reporters.
type ProgressFunc func(ctx context.Context, percent int) error

// Report calls f(ctx, percent).
func (f ProgressFunc) Report(ctx context.Context, percent int) error {
	return f(ctx, percent)
}

// NopProgress is a ProgressReporter that discards all reports.
var NopProgress ProgressReporter = ProgressFunc(func(context.Context, int) error { return nil })
