// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import "time"

// QueueStats is a point-in-time snapshot of a queue as reported by the
// broker. It is eventually consistent.
type QueueStats struct {
	Waiting   int  `json:"waiting"`   // number of jobs waiting to be leased
	Active    int  `json:"active"`    // number of jobs currently leased
	Completed int  `json:"completed"` // number of retained completed jobs
	Failed    int  `json:"failed"`    // number of retained failed jobs
	Delayed   int  `json:"delayed"`   // number of jobs waiting for their run time
	Paused    bool `json:"paused"`    // true if no new leases are handed out
}

// Pending returns the number of jobs the backpressure loop considers.
func (s *QueueStats) Pending() int {
	return s.Waiting + s.Delayed
}

// Outstanding returns the number of jobs the capacity check considers.
func (s *QueueStats) Outstanding() int {
	return s.Waiting + s.Delayed + s.Active
}

// QueueMetrics is derived from jobs that finished within a rolling window.
// It is computed on demand and never persisted.
type QueueMetrics struct {
	Queue             string        `json:"queue"`
	Window            time.Duration `json:"window"`
	Total             int           `json:"total"`
	Active            int           `json:"active"`
	Waiting           int           `json:"waiting"`
	Completed         int           `json:"completed"`         // completed within the window
	Failed            int           `json:"failed"`            // failed within the window
	AvgProcessingTime time.Duration `json:"avgProcessingTime"` // mean lease-to-finish time
	Throughput        float64       `json:"throughput"`        // finished jobs per minute
	ErrorRate         float64       `json:"errorRate"`         // failed / finished, in [0,1]
}

// computeMetrics reduces finished jobs into QueueMetrics. Jobs that
// finished before since are ignored.
func computeMetrics(queue string, stats *QueueStats, finished []*Job, since time.Time, window time.Duration) *QueueMetrics {
	m := &QueueMetrics{
		Queue:   queue,
		Window:  window,
		Active:  stats.Active,
		Waiting: stats.Waiting + stats.Delayed,
	}
	var total time.Duration
	var timed int
	for _, job := range finished {
		if job.Finished < since.UnixNano() {
			continue
		}
		switch job.State {
		case Completed:
			m.Completed++
		case Failed:
			m.Failed++
		default:
			continue
		}
		if d := job.ProcessingTime(); d > 0 {
			total += d
			timed++
		}
	}
	m.Total = m.Active + m.Waiting + m.Completed + m.Failed
	if timed > 0 {
		m.AvgProcessingTime = total / time.Duration(timed)
	}
	done := m.Completed + m.Failed
	if minutes := window.Minutes(); minutes > 0 {
		m.Throughput = float64(done) / minutes
	}
	if done > 0 {
		m.ErrorRate = float64(m.Failed) / float64(done)
	}
	return m
}
