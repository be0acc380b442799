// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import "time"

const (
	defaultAttempts         = 3
	defaultRemoveOnComplete = 100
	defaultRemoveOnFail     = 50
)

// JobOptions are submission options for AddJob. Zero values are replaced
// by defaults: priority 0, no delay, 3 attempts, exponential backoff with
// a base of 2s, keep the 100 newest completed and 50 newest failed jobs.
type JobOptions struct {
	Priority         int           // higher runs sooner
	Delay            time.Duration // time to wait before the job becomes waiting
	Attempts         int           // maximum number of attempts
	Backoff          Backoff       // delay between attempts
	RemoveOnComplete int           // number of completed jobs to keep
	RemoveOnFail     int           // number of failed jobs to keep
}

func (o *JobOptions) withDefaults() JobOptions {
	var opts JobOptions
	if o != nil {
		opts = *o
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff.Kind == "" {
		opts.Backoff.Kind = BackoffExponential
	}
	if opts.Backoff.Delay <= 0 {
		opts.Backoff.Delay = defaultBackoffDelay
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.RemoveOnComplete <= 0 {
		opts.RemoveOnComplete = defaultRemoveOnComplete
	}
	if opts.RemoveOnFail <= 0 {
		opts.RemoveOnFail = defaultRemoveOnFail
	}
	return opts
}
