// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import (
	"context"
	"time"
)

// Broker implements durable, multi-queue distribution of jobs. It is the
// single source of atomicity for job state transitions; the manager never
// caches authoritative state across calls.
type Broker interface {
	// Start is called when the manager starts up.
	// This is a good time for cleanup or to create schemas.
	Start(ctx context.Context) error

	// Create adds a job to its queue. Implementations must index the job
	// by its FileID so that List can filter by file without a full scan.
	Create(ctx context.Context, job *Job) error

	// Update replaces the stored job on behalf of the lease holder. It
	// returns ErrNotFound if the job has been removed in the meantime,
	// e.g. by cancellation, and ErrLeaseLost if the stored job is no
	// longer active under the lease identified by job.Started.
	Update(ctx context.Context, job *Job) error

	// Delete removes a job from its queue. It returns ErrNotFound if the
	// job does not exist.
	Delete(ctx context.Context, queue, id string) error

	// Next atomically leases the next job of a queue to the caller.
	//
	// Delayed jobs whose RunAt time has passed are promoted to Waiting.
	// If the queue is paused, or no job is ready to be executed, Next must
	// return nil for both the job and the error. Otherwise the waiting job
	// with the highest priority (oldest first for equal priorities) is
	// marked Active with a lease until now+lease and returned.
	Next(ctx context.Context, queue string, now time.Time, lease time.Duration) (*Job, error)

	// Lookup returns the details of a job by its identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Lookup(ctx context.Context, queue, id string) (*Job, error)

	// List returns a list of jobs filtered by the ListRequest.
	List(ctx context.Context, request *ListRequest) (*ListResponse, error)

	// Stats returns the number of jobs per state plus the paused flag.
	Stats(ctx context.Context, queue string) (*QueueStats, error)

	// Pause stops handing out new leases for a queue. Active jobs continue.
	Pause(ctx context.Context, queue string) error

	// Resume reverts Pause.
	Resume(ctx context.Context, queue string) error

	// RecoverStalled moves active jobs whose lease expired before now back
	// to Waiting and increments their StalledCount. Jobs that stalled more
	// than maxStalled times are moved to Failed instead. It returns the
	// affected jobs in their new state.
	RecoverStalled(ctx context.Context, queue string, now time.Time, maxStalled int) ([]*Job, error)

	// Trim removes the oldest jobs in the given terminal state so that at
	// most keep jobs remain.
	Trim(ctx context.Context, queue, state string, keep int) error
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	Queue  string   // filter by queue (required)
	States []string // filter by job states (empty means all)
	FileID string   // filter by file identifier
	Since  int64    // only jobs finished at or after this time (in UnixNano)
	Limit  int      // maximum number of jobs to return
	Offset int      // number of jobs to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Broker.
type ListResponse struct {
	Total int    // total number of jobs found, excluding pagination
	Jobs  []*Job // list of jobs
}

// MatchesState returns true if state is permitted by the request.
func (r *ListRequest) MatchesState(state string) bool {
	if len(r.States) == 0 {
		return true
	}
	for _, s := range r.States {
		if s == state {
			return true
		}
	}
	return false
}

const stalledReason = "job stalled more than allowable limit"

// RecoverJob applies the stalled-job rule to an active job whose lease
// expired: it is returned to Waiting, or failed after more than
// maxStalled redeliveries. Broker implementations share this rule.
func RecoverJob(job *Job, now time.Time, maxStalled int) {
	job.StalledCount++
	job.LeaseUntil = 0
	job.Updated = now.UnixNano()
	if job.StalledCount > maxStalled {
		job.State = Failed
		job.FailedReason = stalledReason
		job.Finished = now.UnixNano()
		return
	}
	job.State = Waiting
}

// CheckLease returns ErrLeaseLost unless stored is still active under the
// lease that job was handed out with. Brokers call it from Update while
// holding whatever lock or transaction guards the stored job.
func CheckLease(stored, job *Job) error {
	if stored.State != Active || stored.Started != job.Started {
		return ErrLeaseLost
	}
	return nil
}
