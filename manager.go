// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMonitorInterval = 30 * time.Second
	defaultPollInterval    = 1 * time.Second
	defaultLeaseDuration   = 30 * time.Second
	defaultMaxStalledCount = 1
	defaultMetricsWindow   = 1 * time.Hour
)

func nop() {}

func nopQueue(string) {}

// Manager owns one queue per stage, enforces admission control and runs
// the registered workers. Create a new manager via New.
type Manager struct {
	logger          Logger
	broker          Broker
	bp              BackpressureConfig
	monitorInterval time.Duration
	pollInterval    time.Duration
	leaseDuration   time.Duration
	stalledInterval time.Duration
	maxStalled      int
	metricsWindow   time.Duration
	now             func() time.Time

	mu          sync.Mutex // guards the following block
	queues      map[string]*Queue
	workers     map[string]Worker // maps queue to worker
	concurrency map[string]int    // number of parallel workers per queue
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	testManagerStarted func()       // testing hook
	testManagerStopped func()       // testing hook
	testMonitorStarted func(string) // testing hook
	testMonitorTicked  func(string) // testing hook
	testJobAdded       func()       // testing hook
	testJobStarted     func()       // testing hook
	testJobRetry       func()       // testing hook
	testJobFailed      func()       // testing hook
	testJobCompleted   func()       // testing hook
}

// New creates a new manager. Pass options to Manager to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:             defaultLogger(),
		broker:             NewInMemoryBroker(),
		bp:                 DefaultBackpressure(),
		monitorInterval:    defaultMonitorInterval,
		pollInterval:       defaultPollInterval,
		leaseDuration:      defaultLeaseDuration,
		maxStalled:         defaultMaxStalledCount,
		metricsWindow:      defaultMetricsWindow,
		now:                time.Now,
		queues:             make(map[string]*Queue),
		workers:            make(map[string]Worker),
		concurrency:        make(map[string]int),
		subs:               make(map[int]chan Event),
		testManagerStarted: nop,
		testManagerStopped: nop,
		testMonitorStarted: nopQueue,
		testMonitorTicked:  nopQueue,
		testJobAdded:       nop,
		testJobStarted:     nop,
		testJobRetry:       nop,
		testJobFailed:      nop,
		testJobCompleted:   nop,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.stalledInterval <= 0 {
		m.stalledInterval = m.leaseDuration
	}
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// SetBroker specifies the backing Broker implementation for the manager.
func SetBroker(broker Broker) ManagerOption {
	return func(m *Manager) {
		if broker != nil {
			m.broker = broker
		}
	}
}

// SetBackpressure specifies the admission control thresholds. Use
// BackpressureConfig.Validate before passing untrusted values.
func SetBackpressure(cfg BackpressureConfig) ManagerOption {
	return func(m *Manager) {
		m.bp = cfg
	}
}

// SetMonitorInterval sets the interval of the backpressure monitor.
func SetMonitorInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.monitorInterval = d
		}
	}
}

// SetPollInterval sets how long an idle worker waits before asking the
// broker for the next job.
func SetPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// SetLeaseDuration sets how long a worker may hold a job without a
// heartbeat before it is considered stalled.
func SetLeaseDuration(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.leaseDuration = d
		}
	}
}

// SetStalledInterval sets how often stalled jobs are recovered. It
// defaults to the lease duration.
func SetStalledInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.stalledInterval = d
		}
	}
}

// SetMaxStalledCount sets how often a job may stall before it fails.
func SetMaxStalledCount(n int) ManagerOption {
	return func(m *Manager) {
		if n >= 0 {
			m.maxStalled = n
		}
	}
}

// SetConcurrency sets the maximum number of workers that will be run at
// the same time for a queue. It defaults to MaxConcurrentJobs of the
// backpressure configuration.
func SetConcurrency(queue string, n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.concurrency[queue] = n
	}
}

// SetMetricsWindow sets the rolling window of GetQueueMetrics.
func SetMetricsWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.metricsWindow = d
		}
	}
}

// Register registers a queue and the worker for jobs in that queue.
// Workers must be registered before the manager is started.
func (m *Manager) Register(queue string, w Worker) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("filequeue: cannot register queue %s after start", queue)
	}
	if _, found := m.workers[queue]; found {
		m.mu.Unlock()
		return fmt.Errorf("filequeue: queue %s already registered", queue)
	}
	m.workers[queue] = w
	m.mu.Unlock()

	m.CreateOrGetQueue(queue)
	return nil
}

// -- Queues --

// Queue is a handle to a named queue of the manager.
type Queue struct {
	name    string
	m       *Manager
	monitor *backpressureMonitor
	running bool
}

// Name of the queue.
func (q *Queue) Name() string {
	return q.name
}

// CreateOrGetQueue returns the queue with the given name. The first call
// creates the queue and, once the manager runs, starts its backpressure
// monitor. Subsequent calls return the same handle.
func (m *Manager) CreateOrGetQueue(name string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, found := m.queues[name]; found {
		return q
	}
	q := &Queue{name: name, m: m}
	q.monitor = newBackpressureMonitor(m, name)
	m.queues[name] = q
	m.logger.Printf("filequeue: queue %s created", name)
	if m.started {
		m.startMonitorLocked(q)
	}
	return q
}

func (m *Manager) startMonitorLocked(q *Queue) {
	if q.running {
		return
	}
	q.running = true
	m.wg.Add(1)
	go q.monitor.run(m.ctx)
}

// Queues returns the names of all known queues, sorted.
func (m *Manager) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// -- Start and Stop --

// Start runs the manager. Use Stop, Close, or CloseWithTimeout to stop it.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("filequeue: manager already started")
	}

	// Initialize Broker
	if err := m.broker.Start(context.Background()); err != nil {
		return err
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.started = true

	for _, q := range m.queues {
		m.startMonitorLocked(q)
	}
	for queue, w := range m.workers {
		n := m.concurrency[queue]
		if n <= 0 {
			n = m.bp.MaxConcurrentJobs
		}
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			m.wg.Add(1)
			r := newRunner(m, queue, w)
			go r.run(m.ctx)
		}
		m.wg.Add(1)
		go m.sweepStalled(m.ctx, queue)
	}

	m.testManagerStarted() // testing hook

	return nil
}

// Stop stops the manager. It waits for working jobs to finish.
func (m *Manager) Stop() error {
	return m.Close()
}

// Close is an alias to Stop. It stops the manager and waits for working
// jobs to finish.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the manager. It waits for the specified timeout,
// then closes down, even if there are still jobs working. If the timeout
// is negative, the manager waits forever for all working jobs to end.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	// Stop monitors, sweepers and leasing of new jobs
	m.cancel()
	m.mu.Unlock()

	var err error
	if timeout < 0 {
		m.wg.Wait()
	} else {
		complete := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(complete)
		}()
		select {
		case <-complete: // Completed in time
		case <-time.After(timeout):
			err = errors.New("filequeue: close timed out")
		}
	}

	m.mu.Lock()
	m.started = false
	for _, q := range m.queues {
		q.running = false
	}
	m.mu.Unlock()
	m.testManagerStopped() // testing hook
	return err
}

// -- Add --

// AddJob submits a new job with the given payload to a queue. The payload
// must belong to the queue. If the number of waiting, delayed and active
// jobs has reached the maximum queue size, AddJob fails with an
// InfrastructureError wrapping ErrQueueFull and no job is created.
//
// The capacity check and the submission are not atomic: concurrent calls
// may admit a job past the maximum queue size.
func (m *Manager) AddJob(ctx context.Context, queue string, payload Payload, opts *JobOptions) (*Job, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: no payload specified", ErrInvalidPayload)
	}
	if have := payload.QueueName(); have != queue {
		return nil, fmt.Errorf("%w: %T belongs to queue %s, not %s", ErrInvalidPayload, payload, have, queue)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	m.CreateOrGetQueue(queue)

	stats, err := m.broker.Stats(ctx, queue)
	if err != nil {
		return nil, err
	}
	if pending := stats.Outstanding(); pending >= m.bp.MaxQueueSize {
		return nil, &InfrastructureError{Op: "add", Queue: queue, Pending: pending, Err: ErrQueueFull}
	}

	o := opts.withDefaults()
	now := m.now()
	job := &Job{
		ID:               uuid.New().String(),
		Queue:            queue,
		State:            Waiting,
		FileID:           payload.FileRef(),
		Payload:          data,
		Priority:         o.Priority,
		Attempts:         o.Attempts,
		Backoff:          o.Backoff,
		RemoveOnComplete: o.RemoveOnComplete,
		RemoveOnFail:     o.RemoveOnFail,
		Created:          now.UnixNano(),
		Updated:          now.UnixNano(),
		RunAt:            now.UnixNano(),
	}
	if o.Delay > 0 {
		job.State = Delayed
		job.RunAt = now.Add(o.Delay).UnixNano()
	}
	if err := m.broker.Create(ctx, job); err != nil {
		return nil, err
	}
	m.emit(Event{Type: EventJobAdded, Queue: queue, JobID: job.ID, FileID: job.FileID})
	m.testJobAdded() // testing hook
	return job, nil
}

// -- Lookup, Remove, Pause and Resume --

// GetJob returns the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (m *Manager) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	return m.broker.Lookup(ctx, queue, id)
}

// GetJobStatus returns the state of the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (m *Manager) GetJobStatus(ctx context.Context, queue, id string) (string, error) {
	job, err := m.broker.Lookup(ctx, queue, id)
	if err != nil {
		return "", err
	}
	return job.State, nil
}

// RemoveJob removes a job in any state. It returns false if the job
// could not be found.
func (m *Manager) RemoveJob(ctx context.Context, queue, id string) (bool, error) {
	err := m.broker.Delete(ctx, queue, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.emit(Event{Type: EventJobRemoved, Queue: queue, JobID: id})
	return true, nil
}

// PauseQueue stops workers from leasing new jobs. Active jobs continue.
func (m *Manager) PauseQueue(ctx context.Context, queue string) error {
	m.CreateOrGetQueue(queue)
	if err := m.broker.Pause(ctx, queue); err != nil {
		return err
	}
	m.emit(Event{Type: EventQueuePaused, Queue: queue})
	return nil
}

// ResumeQueue reverts PauseQueue.
func (m *Manager) ResumeQueue(ctx context.Context, queue string) error {
	m.CreateOrGetQueue(queue)
	if err := m.broker.Resume(ctx, queue); err != nil {
		return err
	}
	m.emit(Event{Type: EventQueueResumed, Queue: queue})
	return nil
}

// -- Stats, Metrics and List --

// GetQueueStats returns a snapshot of the job counts of a queue.
func (m *Manager) GetQueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	return m.broker.Stats(ctx, queue)
}

// GetQueueMetrics computes throughput, error rate and average processing
// time from jobs that finished within the metrics window (one hour by
// default).
func (m *Manager) GetQueueMetrics(ctx context.Context, queue string) (*QueueMetrics, error) {
	stats, err := m.broker.Stats(ctx, queue)
	if err != nil {
		return nil, err
	}
	since := m.now().Add(-m.metricsWindow)
	rsp, err := m.broker.List(ctx, &ListRequest{
		Queue:  queue,
		States: []string{Completed, Failed},
		Since:  since.UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	return computeMetrics(queue, stats, rsp.Jobs, since, m.metricsWindow), nil
}

// List returns all jobs matching the parameters in the request.
func (m *Manager) List(ctx context.Context, request *ListRequest) (*ListResponse, error) {
	return m.broker.List(ctx, request)
}

// JobsForFile returns all jobs of a queue that belong to the given file,
// in any state. The result is advisory: jobs may change state while the
// lookup runs.
func (m *Manager) JobsForFile(ctx context.Context, queue, fileID string) ([]*Job, error) {
	rsp, err := m.broker.List(ctx, &ListRequest{Queue: queue, FileID: fileID})
	if err != nil {
		return nil, err
	}
	return rsp.Jobs, nil
}

// -- Stalled jobs --

// sweepStalled periodically returns jobs with expired leases to their
// queue.
func (m *Manager) sweepStalled(ctx context.Context, queue string) {
	defer m.wg.Done()

	t := time.NewTicker(m.stalledInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.recoverStalled(ctx, queue)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) recoverStalled(ctx context.Context, queue string) {
	jobs, err := m.broker.RecoverStalled(ctx, queue, m.now(), m.maxStalled)
	if err != nil {
		m.logger.Printf("filequeue: error recovering stalled jobs in queue %s: %v", queue, err)
		return
	}
	for _, job := range jobs {
		if job.State == Failed {
			m.emit(Event{Type: EventJobFailed, Queue: queue, JobID: job.ID, FileID: job.FileID, Reason: job.FailedReason})
			m.trim(ctx, job)
			continue
		}
		m.emit(Event{Type: EventJobStalled, Queue: queue, JobID: job.ID, FileID: job.FileID, Reason: "lease expired"})
	}
}

// trim applies the retention policy of a job that reached a terminal state.
func (m *Manager) trim(ctx context.Context, job *Job) {
	var keep int
	switch job.State {
	case Completed:
		keep = job.RemoveOnComplete
	case Failed:
		keep = job.RemoveOnFail
	default:
		return
	}
	if keep <= 0 {
		return
	}
	if err := m.broker.Trim(ctx, job.Queue, job.State, keep); err != nil {
		m.logger.Printf("filequeue: error trimming %s jobs in queue %s: %v", job.State, job.Queue, err)
	}
}
