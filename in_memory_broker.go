// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type jobRef struct {
	queue string
	id    string
}

// InMemoryBroker is a simple in-memory broker implementation.
// It implements the Broker interface. Do not use in production.
type InMemoryBroker struct {
	mu     sync.Mutex
	queues map[string]map[string]*Job // queue -> id -> job
	paused map[string]bool
	byFile map[string]map[jobRef]struct{}
}

// NewInMemoryBroker creates a new InMemoryBroker.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		queues: make(map[string]map[string]*Job),
		paused: make(map[string]bool),
		byFile: make(map[string]map[jobRef]struct{}),
	}
}

// Start the broker.
func (b *InMemoryBroker) Start(ctx context.Context) error {
	return nil
}

func (b *InMemoryBroker) queue(name string) map[string]*Job {
	q, found := b.queues[name]
	if !found {
		q = make(map[string]*Job)
		b.queues[name] = q
	}
	return q
}

// Create adds a new job.
func (b *InMemoryBroker) Create(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(job.Queue)
	if _, found := q[job.ID]; found {
		return fmt.Errorf("filequeue: job %s already exists in queue %s", job.ID, job.Queue)
	}
	q[job.ID] = job.Clone()
	if job.FileID != "" {
		refs, found := b.byFile[job.FileID]
		if !found {
			refs = make(map[jobRef]struct{})
			b.byFile[job.FileID] = refs
		}
		refs[jobRef{queue: job.Queue, id: job.ID}] = struct{}{}
	}
	return nil
}

// Update updates the job if it is still held by the caller's lease.
func (b *InMemoryBroker) Update(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(job.Queue)
	stored, found := q[job.ID]
	if !found {
		return ErrNotFound
	}
	if err := CheckLease(stored, job); err != nil {
		return err
	}
	q[job.ID] = job.Clone()
	return nil
}

// Delete removes the job.
func (b *InMemoryBroker) Delete(ctx context.Context, queue, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteLocked(queue, id)
}

func (b *InMemoryBroker) deleteLocked(queue, id string) error {
	q := b.queue(queue)
	job, found := q[id]
	if !found {
		return ErrNotFound
	}
	delete(q, id)
	if refs, found := b.byFile[job.FileID]; found {
		delete(refs, jobRef{queue: queue, id: id})
		if len(refs) == 0 {
			delete(b.byFile, job.FileID)
		}
	}
	return nil
}

// Next leases the next job to execute.
func (b *InMemoryBroker) Next(ctx context.Context, queue string, now time.Time, lease time.Duration) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	for _, job := range q {
		if job.State == Delayed && job.RunAt <= now.UnixNano() {
			job.State = Waiting
			job.Updated = now.UnixNano()
		}
	}
	if b.paused[queue] {
		return nil, nil
	}
	var next *Job
	for _, job := range q {
		if job.State != Waiting {
			continue
		}
		if next == nil ||
			job.Priority > next.Priority ||
			(job.Priority == next.Priority && job.Created < next.Created) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = Active
	next.Started = now.UnixNano()
	next.LeaseUntil = now.Add(lease).UnixNano()
	next.Updated = now.UnixNano()
	return next.Clone(), nil
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (b *InMemoryBroker) Lookup(ctx context.Context, queue, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, found := b.queue(queue)[id]
	if !found {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// List finds matching jobs, newest first.
func (b *InMemoryBroker) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var candidates []*Job
	if req.FileID != "" {
		for ref := range b.byFile[req.FileID] {
			if ref.queue != req.Queue {
				continue
			}
			if job, found := b.queue(ref.queue)[ref.id]; found {
				candidates = append(candidates, job)
			}
		}
	} else {
		for _, job := range b.queue(req.Queue) {
			candidates = append(candidates, job)
		}
	}

	var matches []*Job
	for _, job := range candidates {
		if !req.MatchesState(job.State) {
			continue
		}
		if req.Since > 0 && job.Finished < req.Since {
			continue
		}
		matches = append(matches, job)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Created == matches[j].Created {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Created > matches[j].Created
	})

	rsp := &ListResponse{Total: len(matches)}
	for i, job := range matches {
		if i < req.Offset {
			continue
		}
		if req.Limit > 0 && len(rsp.Jobs) >= req.Limit {
			break
		}
		rsp.Jobs = append(rsp.Jobs, job.Clone())
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in a queue.
func (b *InMemoryBroker) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := &QueueStats{Paused: b.paused[queue]}
	for _, job := range b.queue(queue) {
		switch job.State {
		default:
			return nil, fmt.Errorf("filequeue: found unknown state %v", job.State)
		case Waiting:
			stats.Waiting++
		case Active:
			stats.Active++
		case Completed:
			stats.Completed++
		case Failed:
			stats.Failed++
		case Delayed:
			stats.Delayed++
		}
	}
	return stats, nil
}

// Pause stops leasing jobs from the queue.
func (b *InMemoryBroker) Pause(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused[queue] = true
	return nil
}

// Resume continues leasing jobs from the queue.
func (b *InMemoryBroker) Resume(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.paused, queue)
	return nil
}

// RecoverStalled returns jobs with expired leases to the queue.
func (b *InMemoryBroker) RecoverStalled(ctx context.Context, queue string, now time.Time, maxStalled int) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var recovered []*Job
	for _, job := range b.queue(queue) {
		if job.State != Active || job.LeaseUntil == 0 || job.LeaseUntil >= now.UnixNano() {
			continue
		}
		RecoverJob(job, now, maxStalled)
		recovered = append(recovered, job.Clone())
	}
	return recovered, nil
}

// Trim removes the oldest jobs in state so that at most keep remain.
func (b *InMemoryBroker) Trim(ctx context.Context, queue, state string, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var jobs []*Job
	for _, job := range b.queue(queue) {
		if job.State == state {
			jobs = append(jobs, job)
		}
	}
	if len(jobs) <= keep {
		return nil
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Finished < jobs[j].Finished
	})
	for _, job := range jobs[:len(jobs)-keep] {
		if err := b.deleteLocked(queue, job.ID); err != nil {
			return err
		}
	}
	return nil
}
