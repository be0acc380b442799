// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import (
	"context"
	"fmt"
	"time"
)

// BackpressureConfig configures admission control of the manager.
//
// MaxQueueSize is a hard ceiling checked synchronously by AddJob.
// PauseThreshold and ResumeThreshold are used by the periodic monitor:
// the queue is paused once waiting+delayed reaches PauseThreshold and
// resumed once it falls to ResumeThreshold. Two thresholds keep the queue
// from flapping around a single boundary.
type BackpressureConfig struct {
	MaxConcurrentJobs int `json:"maxConcurrentJobs" toml:"max_concurrent_jobs"`
	MaxQueueSize      int `json:"maxQueueSize" toml:"max_queue_size"`
	PauseThreshold    int `json:"pauseThreshold" toml:"pause_threshold"`
	ResumeThreshold   int `json:"resumeThreshold" toml:"resume_threshold"`
}

// DefaultBackpressure returns the default backpressure configuration.
func DefaultBackpressure() BackpressureConfig {
	return BackpressureConfig{
		MaxConcurrentJobs: 10,
		MaxQueueSize:      1000,
		PauseThreshold:    800,
		ResumeThreshold:   200,
	}
}

// Validate checks resumeThreshold < pauseThreshold <= maxQueueSize.
func (c BackpressureConfig) Validate() error {
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("filequeue: maxConcurrentJobs must be positive, have %d", c.MaxConcurrentJobs)
	}
	if c.ResumeThreshold < 0 {
		return fmt.Errorf("filequeue: resumeThreshold must not be negative, have %d", c.ResumeThreshold)
	}
	if c.ResumeThreshold >= c.PauseThreshold {
		return fmt.Errorf("filequeue: resumeThreshold (%d) must be less than pauseThreshold (%d)", c.ResumeThreshold, c.PauseThreshold)
	}
	if c.PauseThreshold > c.MaxQueueSize {
		return fmt.Errorf("filequeue: pauseThreshold (%d) must not exceed maxQueueSize (%d)", c.PauseThreshold, c.MaxQueueSize)
	}
	return nil
}

// backpressureMonitor is the named background task that pauses and
// resumes a single queue. There is exactly one per queue; it runs
// decoupled from AddJob and the workers.
type backpressureMonitor struct {
	name     string
	queue    string
	m        *Manager
	interval time.Duration
}

func newBackpressureMonitor(m *Manager, queue string) *backpressureMonitor {
	return &backpressureMonitor{
		name:     "backpressure:" + queue,
		queue:    queue,
		m:        m,
		interval: m.monitorInterval,
	}
}

// run ticks until ctx is cancelled.
func (bm *backpressureMonitor) run(ctx context.Context) {
	defer bm.m.wg.Done()
	bm.m.testMonitorStarted(bm.queue) // testing hook

	t := time.NewTicker(bm.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := bm.tick(ctx); err != nil {
				bm.m.logger.Printf("filequeue: %s: %v", bm.name, err)
			}
			bm.m.testMonitorTicked(bm.queue) // testing hook
		case <-ctx.Done():
			return
		}
	}
}

// tick evaluates the hysteresis rule once. Values strictly between the
// two thresholds leave the paused flag unchanged.
func (bm *backpressureMonitor) tick(ctx context.Context) error {
	stats, err := bm.m.broker.Stats(ctx, bm.queue)
	if err != nil {
		return err
	}
	pending := stats.Pending()
	switch {
	case pending >= bm.m.bp.PauseThreshold && !stats.Paused:
		if err := bm.m.broker.Pause(ctx, bm.queue); err != nil {
			return err
		}
		bm.m.emit(Event{Type: EventQueuePaused, Queue: bm.queue, Reason: fmt.Sprintf("%d pending jobs", pending)})
	case pending <= bm.m.bp.ResumeThreshold && stats.Paused:
		if err := bm.m.broker.Resume(ctx, bm.queue); err != nil {
			return err
		}
		bm.m.emit(Event{Type: EventQueueResumed, Queue: bm.queue, Reason: fmt.Sprintf("%d pending jobs", pending)})
	}
	return nil
}
