// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import "time"

// EventType names things that happen to jobs and queues.
type EventType string

const (
	EventJobAdded     EventType = "added"
	EventJobActive    EventType = "active"
	EventJobProgress  EventType = "progress"
	EventJobCompleted EventType = "completed"
	EventJobFailed    EventType = "failed"
	EventJobRetrying  EventType = "retrying"
	EventJobStalled   EventType = "stalled"
	EventJobRemoved   EventType = "removed"
	EventQueuePaused  EventType = "paused"
	EventQueueResumed EventType = "resumed"
)

// Event is published by the manager to subscribers.
type Event struct {
	Type     EventType `json:"type"`
	Queue    string    `json:"queue"`
	JobID    string    `json:"jobId,omitempty"`
	FileID   string    `json:"fileId,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// Subscribe returns a channel that receives manager events. Events are
// dropped if the channel buffer is full. Call the returned function to
// unsubscribe.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()

	return ch, func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if c, found := m.subs[id]; found {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = m.now()
	}
	switch e.Type {
	case EventJobProgress:
		// too chatty for the log
	case EventJobFailed, EventJobRetrying, EventJobStalled:
		m.logger.Printf("filequeue: queue %s: job %s %s: %s", e.Queue, e.JobID, e.Type, e.Reason)
	case EventQueuePaused, EventQueueResumed:
		m.logger.Printf("filequeue: queue %s %s", e.Queue, e.Type)
	default:
		m.logger.Printf("filequeue: queue %s: job %s %s", e.Queue, e.JobID, e.Type)
	}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
