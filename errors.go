// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound must be returned from the Broker interface when a certain
	// job could not be found in the specific queue.
	ErrNotFound = errors.New("filequeue: job not found")

	// ErrLeaseLost must be returned from Broker.Update when the stored job
	// is no longer held by the lease the update was issued under, e.g.
	// because it was recovered as stalled and leased again.
	ErrLeaseLost = errors.New("filequeue: job lease lost")

	// ErrQueueFull is wrapped by the InfrastructureError returned from
	// AddJob when the queue has reached its maximum size.
	ErrQueueFull = errors.New("filequeue: queue is at capacity")

	// ErrInvalidPayload is returned when a payload is rejected at
	// submission time.
	ErrInvalidPayload = errors.New("filequeue: invalid payload")

	// ErrQueueNotRegistered is returned when a worker is required for a
	// queue that has none.
	ErrQueueNotRegistered = errors.New("filequeue: no worker registered for queue")
)

// InfrastructureError is raised for failures of the queueing
// infrastructure itself, e.g. an unreachable broker or a queue at
// capacity. It is never retried by the manager; the caller decides.
type InfrastructureError struct {
	Op      string // operation that failed, e.g. "add"
	Queue   string // name of the queue
	Pending int    // number of pending jobs, if known
	Err     error  // underlying error
}

func (e *InfrastructureError) Error() string {
	if errors.Is(e.Err, ErrQueueFull) {
		return fmt.Sprintf("filequeue: %s on queue %s failed: queue is at capacity with %d pending jobs", e.Op, e.Queue, e.Pending)
	}
	return fmt.Sprintf("filequeue: %s on queue %s failed: %v", e.Op, e.Queue, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// IsInfrastructure returns true if err is or wraps an InfrastructureError.
func IsInfrastructure(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie)
}
