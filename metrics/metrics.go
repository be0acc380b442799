// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package metrics exports queue statistics and job events to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/olivere/filequeue"
)

const namespace = "filequeue"

// Source is what the collector reads on every scrape. It is
// implemented by *filequeue.Manager.
type Source interface {
	Queues() []string
	GetQueueStats(ctx context.Context, queue string) (*filequeue.QueueStats, error)
	GetQueueMetrics(ctx context.Context, queue string) (*filequeue.QueueMetrics, error)
}

var (
	jobsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "jobs"),
		"Current number of jobs per queue and state.",
		[]string{"queue", "state"}, nil,
	)
	pausedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "paused"),
		"1 if the queue hands out no new leases.",
		[]string{"queue"}, nil,
	)
	throughputDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "throughput_per_minute"),
		"Finished jobs per minute within the metrics window.",
		[]string{"queue"}, nil,
	)
	errorRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "error_rate"),
		"Share of failed jobs among finished jobs within the metrics window.",
		[]string{"queue"}, nil,
	)
	processingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "avg_processing_seconds"),
		"Mean processing time of jobs finished within the metrics window.",
		[]string{"queue"}, nil,
	)
	scrapeErrorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "scrape", "errors"),
		"Number of queues that could not be read during this scrape.",
		nil, nil,
	)
)

// Collector reads queue statistics on demand. It implements
// prometheus.Collector.
type Collector struct {
	source  Source
	timeout time.Duration
	logger  filequeue.Logger
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector over source. Each scrape is bounded
// by timeout.
func NewCollector(source Source, timeout time.Duration, logger filequeue.Logger) *Collector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = filequeue.NopLogger()
	}
	return &Collector{source: source, timeout: timeout, logger: logger}
}

// Describe sends the descriptors of all metrics.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
	ch <- pausedDesc
	ch <- throughputDesc
	ch <- errorRateDesc
	ch <- processingDesc
	ch <- scrapeErrorsDesc
}

// Collect reads stats and metrics of every queue.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var failures int
	for _, queue := range c.source.Queues() {
		stats, err := c.source.GetQueueStats(ctx, queue)
		if err != nil {
			c.logger.Printf("metrics: unable to read stats of queue %s: %v", queue, err)
			failures++
			continue
		}
		for state, n := range map[string]int{
			filequeue.Waiting:   stats.Waiting,
			filequeue.Active:    stats.Active,
			filequeue.Completed: stats.Completed,
			filequeue.Failed:    stats.Failed,
			filequeue.Delayed:   stats.Delayed,
		} {
			ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(n), queue, state)
		}
		var paused float64
		if stats.Paused {
			paused = 1
		}
		ch <- prometheus.MustNewConstMetric(pausedDesc, prometheus.GaugeValue, paused, queue)

		m, err := c.source.GetQueueMetrics(ctx, queue)
		if err != nil {
			c.logger.Printf("metrics: unable to read metrics of queue %s: %v", queue, err)
			failures++
			continue
		}
		ch <- prometheus.MustNewConstMetric(throughputDesc, prometheus.GaugeValue, m.Throughput, queue)
		ch <- prometheus.MustNewConstMetric(errorRateDesc, prometheus.GaugeValue, m.ErrorRate, queue)
		ch <- prometheus.MustNewConstMetric(processingDesc, prometheus.GaugeValue, m.AvgProcessingTime.Seconds(), queue)
	}
	ch <- prometheus.MustNewConstMetric(scrapeErrorsDesc, prometheus.GaugeValue, float64(failures))
}

// Recorder counts manager events.
type Recorder struct {
	events *prometheus.CounterVec
}

// NewRecorder creates a recorder and registers its counters with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of job and queue events.",
			},
			[]string{"queue", "type"},
		),
	}
	if err := reg.Register(r.events); err != nil {
		return nil, err
	}
	return r, nil
}

// Observe counts a single event.
func (r *Recorder) Observe(e filequeue.Event) {
	if e.Type == filequeue.EventJobProgress {
		return
	}
	r.events.WithLabelValues(e.Queue, string(e.Type)).Inc()
}

// Run counts events from ch until it is closed or ctx is done.
func (r *Recorder) Run(ctx context.Context, ch <-chan filequeue.Event) {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Observe(e)
		case <-ctx.Done():
			return
		}
	}
}
