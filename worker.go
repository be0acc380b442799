package filequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// runner is a single instance leasing and processing jobs of one queue.
type runner struct {
	m     *Manager
	queue string
	w     Worker
}

func newRunner(m *Manager, queue string, w Worker) *runner {
	return &runner{m: m, queue: queue, w: w}
}

// run is the main goroutine of the runner. It leases jobs until ctx is
// cancelled. Jobs already leased are finished even after cancellation.
func (r *runner) run(ctx context.Context) {
	defer r.m.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := r.m.broker.Next(ctx, r.queue, r.m.now(), r.m.leaseDuration)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.m.logger.Printf("filequeue: error picking next job in queue %s: %v", r.queue, err)
		}
		if job == nil {
			select {
			case <-time.After(r.m.pollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}
		if err := r.process(job); err != nil {
			r.m.logger.Printf("filequeue: job %v in queue %s failed: %v", job.ID, r.queue, err)
		}
	}
}

// activeJob serializes the updates of a single leased job issued by the
// heartbeat and progress reports. Unrelated jobs never share it.
type activeJob struct {
	mu      sync.Mutex
	m       *Manager
	job     *Job
	removed bool
	cancel  context.CancelFunc
}

// update writes the job after applying fn. If the broker no longer knows
// the job, it has been removed, e.g. by cancellation, or leased to another
// runner, and the worker's context is cancelled.
func (a *activeJob) update(ctx context.Context, fn func(*Job)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.removed {
		return ErrNotFound
	}
	fn(a.job)
	a.job.Updated = a.m.now().UnixNano()
	err := a.m.broker.Update(ctx, a.job)
	if isLost(err) {
		a.removed = true
		a.cancel()
	}
	return err
}

// isLost reports whether err means the runner no longer owns its job.
func isLost(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrLeaseLost)
}

func (a *activeJob) Report(ctx context.Context, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	err := a.update(ctx, func(job *Job) {
		job.Progress = percent
	})
	if err != nil {
		return err
	}
	a.m.emit(Event{Type: EventJobProgress, Queue: a.job.Queue, JobID: a.job.ID, FileID: a.job.FileID, Progress: percent})
	return nil
}

// heartbeat extends the lease of the job until ctx is done.
func (a *activeJob) heartbeat(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			err := a.update(context.Background(), func(job *Job) {
				job.LeaseUntil = a.m.now().Add(a.m.leaseDuration).UnixNano()
			})
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// process runs a single job and records its outcome.
func (r *runner) process(job *Job) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &activeJob{m: r.m, job: job, cancel: cancel}
	r.m.emit(Event{Type: EventJobActive, Queue: r.queue, JobID: job.ID, FileID: job.FileID})
	r.m.testJobStarted() // testing hook

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		a.heartbeat(ctx, r.m.leaseDuration/2)
	}()

	result, err := r.invoke(ctx, job.Clone(), a)
	cancel()
	<-hbDone

	a.mu.Lock()
	removed := a.removed
	a.mu.Unlock()
	if removed {
		r.m.logger.Printf("filequeue: job %v in queue %s was removed or re-leased while active; discarding outcome", job.ID, r.queue)
		return nil
	}

	now := r.m.now()
	var (
		event  Event
		hook   func()
		reason string
	)
	uerr := a.update(context.Background(), func(j *Job) {
		j.LeaseUntil = 0
		if result != nil {
			if data, merr := json.Marshal(result); merr == nil {
				j.Result = data
			}
		}
		switch {
		case err == nil && !result.IsFailed():
			j.State = Completed
			j.Progress = 100
			j.FailedReason = ""
			j.Finished = now.UnixNano()
			event = Event{Type: EventJobCompleted}
			hook = r.m.testJobCompleted

		case err == nil:
			// Expected domain failure: never retried
			j.AttemptsMade++
			j.State = Failed
			j.FailedReason = result.Reason
			j.Finished = now.UnixNano()
			event = Event{Type: EventJobFailed, Reason: j.FailedReason}
			hook = r.m.testJobFailed

		default:
			reason = err.Error()
			if result.IsFailed() && result.Reason != "" {
				reason = result.Reason
			}
			j.AttemptsMade++
			j.FailedReason = reason
			if j.AttemptsMade >= j.Attempts {
				j.State = Failed
				j.Finished = now.UnixNano()
				event = Event{Type: EventJobFailed, Reason: reason}
				hook = r.m.testJobFailed
			} else {
				j.State = Delayed
				j.Progress = 0
				j.RunAt = now.Add(j.Backoff.Next(j.AttemptsMade)).UnixNano()
				event = Event{Type: EventJobRetrying, Reason: reason}
				hook = r.m.testJobRetry
			}
		}
	})
	if isLost(uerr) {
		r.m.logger.Printf("filequeue: job %v in queue %s was removed or re-leased while active; discarding outcome", job.ID, r.queue)
		return nil
	}
	if uerr != nil {
		return uerr
	}

	event.Queue, event.JobID, event.FileID = r.queue, job.ID, job.FileID
	r.m.emit(event)
	r.m.trim(context.Background(), a.job)
	hook() // testing hook
	return nil
}

// invoke calls the worker and converts panics into errors.
func (r *runner) invoke(ctx context.Context, job *Job, progress ProgressReporter) (result *StageResult, err error) {
	defer func() {
		if rerr := recover(); rerr != nil {
			result, err = nil, fmt.Errorf("filequeue: worker panicked: %v", rerr)
		}
	}()
	return r.w.Process(ctx, job, progress)
}
