// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type stringLogger struct {
	mu    sync.Mutex
	Lines []string
}

func (l *stringLogger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Lines = append(l.Lines, fmt.Sprintf(format, v...))
}

func testPayload(fileID string) MetadataPayload {
	return MetadataPayload{FileID: fileID, FilePath: "uploads/" + fileID, MimeType: "application/pdf"}
}

func newTestManager(options ...ManagerOption) *Manager {
	opts := []ManagerOption{
		SetLogger(&stringLogger{}),
		SetPollInterval(5 * time.Millisecond),
		SetMonitorInterval(time.Hour),
	}
	return New(append(opts, options...)...)
}

func TestManagerDefaults(t *testing.T) {
	m := New()
	if m.broker == nil {
		t.Fatal("Broker is nil")
	}
	if have, want := m.bp, DefaultBackpressure(); have != want {
		t.Fatalf("backpressure = %+v, want %+v", have, want)
	}
	if have, want := m.monitorInterval, 30*time.Second; have != want {
		t.Fatalf("monitorInterval = %v, want %v", have, want)
	}
	if have, want := m.metricsWindow, time.Hour; have != want {
		t.Fatalf("metricsWindow = %v, want %v", have, want)
	}
	if have, want := m.started, false; have != want {
		t.Fatalf("started = %t, want %t", have, want)
	}
	if have, want := len(m.queues), 0; have != want {
		t.Fatalf("len(queues) = %d, want %d", have, want)
	}
}

func TestBackpressureConfigValidate(t *testing.T) {
	tests := []struct {
		Config BackpressureConfig
		Valid  bool
	}{
		{DefaultBackpressure(), true},
		{BackpressureConfig{MaxConcurrentJobs: 1, MaxQueueSize: 10, PauseThreshold: 10, ResumeThreshold: 9}, true},
		{BackpressureConfig{MaxConcurrentJobs: 1, MaxQueueSize: 10, PauseThreshold: 5, ResumeThreshold: 5}, false},
		{BackpressureConfig{MaxConcurrentJobs: 1, MaxQueueSize: 10, PauseThreshold: 11, ResumeThreshold: 2}, false},
		{BackpressureConfig{MaxConcurrentJobs: 0, MaxQueueSize: 10, PauseThreshold: 8, ResumeThreshold: 2}, false},
	}
	for i, test := range tests {
		err := test.Config.Validate()
		if have, want := err == nil, test.Valid; have != want {
			t.Fatalf("#%d: valid = %v, want %v (err=%v)", i, have, want, err)
		}
	}
}

func TestManagerRegisterDuplicateQueue(t *testing.T) {
	m := newTestManager()
	w := WorkerFunc(func(context.Context, *Job, ProgressReporter) (*StageResult, error) { return nil, nil })
	err := m.Register(QueueMetadata, w)
	if err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	err = m.Register(QueueMetadata, w)
	if err == nil {
		t.Fatalf("expected Register to fail")
	}
}

func TestManagerStartStop(t *testing.T) {
	m := newTestManager()
	started := make(chan struct{}, 1)
	stopped := make(chan struct{}, 1)
	m.testManagerStarted = func() { started <- struct{}{} }
	m.testManagerStopped = func() { stopped <- struct{}{} }

	err := m.Start()
	if err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	select {
	case <-started:
	case <-time.After(1 * time.Second):
		t.Fatal("Start timed out")
	}
	if err := m.Start(); err == nil {
		t.Fatal("expected second Start to fail")
	}

	err = m.Stop()
	if err != nil {
		t.Fatalf("Stop failed with %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop timed out")
	}
}

func TestCreateOrGetQueueStartsMonitorOnce(t *testing.T) {
	m := newTestManager()
	monitors := make(chan string, 10)
	m.testMonitorStarted = func(queue string) { monitors <- queue }

	q1 := m.CreateOrGetQueue(QueueValidation)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()
	q2 := m.CreateOrGetQueue(QueueValidation)
	if q1 != q2 {
		t.Fatal("expected CreateOrGetQueue to return the same handle")
	}
	m.CreateOrGetQueue(QueueMetadata)

	seen := make(map[string]int)
	timeout := time.After(1 * time.Second)
	for len(seen) < 2 {
		select {
		case queue := <-monitors:
			seen[queue]++
		case <-timeout:
			t.Fatalf("monitors did not start; have %v", seen)
		}
	}
	select {
	case queue := <-monitors:
		t.Fatalf("unexpected second monitor for queue %s", queue)
	case <-time.After(50 * time.Millisecond):
	}
	if have, want := m.Queues(), []string{QueueValidation, QueueMetadata}; len(have) != len(want) {
		t.Fatalf("Queues() = %v, want %v", have, want)
	}
}

func TestAddJobDefaults(t *testing.T) {
	m := newTestManager()
	job, err := m.AddJob(context.Background(), QueueMetadata, testPayload("f1"), nil)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	if job.ID == "" {
		t.Fatalf("Job ID = %q", job.ID)
	}
	if have, want := job.State, Waiting; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := job.FileID, "f1"; have != want {
		t.Fatalf("FileID = %q, want %q", have, want)
	}
	if have, want := job.Priority, 0; have != want {
		t.Fatalf("Priority = %d, want %d", have, want)
	}
	if have, want := job.Attempts, 3; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if have, want := job.Backoff, (Backoff{Kind: BackoffExponential, Delay: 2 * time.Second}); have != want {
		t.Fatalf("Backoff = %+v, want %+v", have, want)
	}
	if have, want := job.RemoveOnComplete, 100; have != want {
		t.Fatalf("RemoveOnComplete = %d, want %d", have, want)
	}
	if have, want := job.RemoveOnFail, 50; have != want {
		t.Fatalf("RemoveOnFail = %d, want %d", have, want)
	}

	var p MetadataPayload
	stored, err := m.GetJob(context.Background(), QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed with %v", err)
	}
	if err := stored.Decode(&p); err != nil {
		t.Fatalf("Decode failed with %v", err)
	}
	if have, want := p, testPayload("f1"); have != want {
		t.Fatalf("payload = %+v, want %+v", have, want)
	}
}

func TestAddJobWithDelay(t *testing.T) {
	m := newTestManager()
	job, err := m.AddJob(context.Background(), QueueMetadata, testPayload("f1"), &JobOptions{Delay: 5 * time.Second, Priority: 5})
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	status, err := m.GetJobStatus(context.Background(), QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("GetJobStatus failed with %v", err)
	}
	if have, want := status, Delayed; have != want {
		t.Fatalf("status = %q, want %q", have, want)
	}
	if have, want := time.Duration(job.RunAt-job.Created), 5*time.Second; have != want {
		t.Fatalf("RunAt-Created = %v, want %v", have, want)
	}
}

func TestAddJobRejectsInvalidPayloads(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.AddJob(ctx, QueueValidation, testPayload("f1"), nil)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for payload of other queue, have %v", err)
	}
	_, err = m.AddJob(ctx, QueueMetadata, MetadataPayload{FileID: "f1"}, nil)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for missing fields, have %v", err)
	}
	_, err = m.AddJob(ctx, QueueMetadata, nil, nil)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for nil payload, have %v", err)
	}
}

func TestAddJobQueueFull(t *testing.T) {
	m := newTestManager(SetBackpressure(BackpressureConfig{
		MaxConcurrentJobs: 1,
		MaxQueueSize:      3,
		PauseThreshold:    2,
		ResumeThreshold:   1,
	}))
	ctx := context.Background()

	if _, err := m.AddJob(ctx, QueueMetadata, testPayload("f1"), nil); err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	if _, err := m.AddJob(ctx, QueueMetadata, testPayload("f2"), &JobOptions{Delay: time.Minute}); err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	if _, err := m.AddJob(ctx, QueueMetadata, testPayload("f3"), nil); err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	// Active jobs count towards the ceiling
	if job, err := m.broker.Next(ctx, QueueMetadata, time.Now(), time.Minute); err != nil || job == nil {
		t.Fatalf("Next = %v, %v", job, err)
	}

	_, err := m.AddJob(ctx, QueueMetadata, testPayload("f4"), nil)
	if err == nil {
		t.Fatal("expected AddJob to fail")
	}
	if !IsInfrastructure(err) {
		t.Fatalf("expected infrastructure error, have %T", err)
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, have %v", err)
	}
	var ie *InfrastructureError
	if errors.As(err, &ie) {
		if have, want := ie.Queue, QueueMetadata; have != want {
			t.Fatalf("Queue = %q, want %q", have, want)
		}
		if have, want := ie.Pending, 3; have != want {
			t.Fatalf("Pending = %d, want %d", have, want)
		}
	}

	stats, err := m.GetQueueStats(ctx, QueueMetadata)
	if err != nil {
		t.Fatalf("GetQueueStats failed with %v", err)
	}
	if have, want := stats.Outstanding(), 3; have != want {
		t.Fatalf("outstanding = %d, want %d", have, want)
	}
	jobs, err := m.JobsForFile(ctx, QueueMetadata, "f4")
	if err != nil {
		t.Fatalf("JobsForFile failed with %v", err)
	}
	if have, want := len(jobs), 0; have != want {
		t.Fatalf("len(jobs) = %d, want %d", have, want)
	}
}

func TestRemoveJob(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	job, err := m.AddJob(ctx, QueueMetadata, testPayload("f1"), nil)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	removed, err := m.RemoveJob(ctx, QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("RemoveJob failed with %v", err)
	}
	if !removed {
		t.Fatal("expected job to be removed")
	}
	removed, err = m.RemoveJob(ctx, QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("RemoveJob failed with %v", err)
	}
	if removed {
		t.Fatal("expected second RemoveJob to return false")
	}
	if _, err := m.GetJob(ctx, QueueMetadata, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, have %v", err)
	}
}

func TestPauseAndResumeQueue(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	if _, err := m.AddJob(ctx, QueueMetadata, testPayload("f1"), nil); err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	if err := m.PauseQueue(ctx, QueueMetadata); err != nil {
		t.Fatalf("PauseQueue failed with %v", err)
	}
	stats, err := m.GetQueueStats(ctx, QueueMetadata)
	if err != nil {
		t.Fatalf("GetQueueStats failed with %v", err)
	}
	if !stats.Paused {
		t.Fatal("expected queue to be paused")
	}
	if job, _ := m.broker.Next(ctx, QueueMetadata, time.Now(), time.Minute); job != nil {
		t.Fatal("expected no lease from a paused queue")
	}
	if err := m.ResumeQueue(ctx, QueueMetadata); err != nil {
		t.Fatalf("ResumeQueue failed with %v", err)
	}
	if job, _ := m.broker.Next(ctx, QueueMetadata, time.Now(), time.Minute); job == nil {
		t.Fatal("expected a lease from a resumed queue")
	}
}

func TestBackpressureHysteresis(t *testing.T) {
	m := newTestManager(SetBackpressure(BackpressureConfig{
		MaxConcurrentJobs: 1,
		MaxQueueSize:      10,
		PauseThreshold:    5,
		ResumeThreshold:   2,
	}))
	ctx := context.Background()
	bm := newBackpressureMonitor(m, QueueMetadata)

	paused := func() bool {
		stats, err := m.GetQueueStats(ctx, QueueMetadata)
		if err != nil {
			t.Fatalf("GetQueueStats failed with %v", err)
		}
		return stats.Paused
	}
	tick := func() {
		if err := bm.tick(ctx); err != nil {
			t.Fatalf("tick failed with %v", err)
		}
	}

	var ids []string
	for i := 0; i < 4; i++ {
		job, err := m.AddJob(ctx, QueueMetadata, testPayload(fmt.Sprintf("f%d", i)), nil)
		if err != nil {
			t.Fatalf("AddJob failed with %v", err)
		}
		ids = append(ids, job.ID)
	}
	tick()
	if paused() {
		t.Fatal("4 pending jobs: expected queue to run")
	}

	// Delayed jobs count as pending
	job, err := m.AddJob(ctx, QueueMetadata, testPayload("f4"), &JobOptions{Delay: time.Hour})
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	ids = append(ids, job.ID)
	tick()
	if !paused() {
		t.Fatal("5 pending jobs: expected queue to be paused")
	}

	// Between the thresholds nothing changes
	for _, id := range ids[:2] {
		if _, err := m.RemoveJob(ctx, QueueMetadata, id); err != nil {
			t.Fatalf("RemoveJob failed with %v", err)
		}
	}
	tick()
	if !paused() {
		t.Fatal("3 pending jobs: expected queue to stay paused")
	}

	if _, err := m.RemoveJob(ctx, QueueMetadata, ids[2]); err != nil {
		t.Fatalf("RemoveJob failed with %v", err)
	}
	tick()
	if paused() {
		t.Fatal("2 pending jobs: expected queue to be resumed")
	}

	// Between the thresholds a running queue stays running
	for i := 0; i < 2; i++ {
		if _, err := m.AddJob(ctx, QueueMetadata, testPayload(fmt.Sprintf("g%d", i)), nil); err != nil {
			t.Fatalf("AddJob failed with %v", err)
		}
	}
	tick()
	if paused() {
		t.Fatal("4 pending jobs: expected queue to keep running")
	}
}

func TestGetQueueMetrics(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	finished := func(id, state string, ago, took time.Duration) {
		end := now.Add(-ago)
		job := &Job{
			ID:       id,
			Queue:    QueueMetadata,
			State:    state,
			Created:  end.Add(-took).UnixNano(),
			Started:  end.Add(-took).UnixNano(),
			Finished: end.UnixNano(),
		}
		if err := m.broker.Create(ctx, job); err != nil {
			t.Fatalf("Create failed with %v", err)
		}
	}
	finished("c1", Completed, 10*time.Minute, 2*time.Second)
	finished("c2", Completed, 20*time.Minute, 4*time.Second)
	finished("c3", Completed, 30*time.Minute, 6*time.Second)
	finished("f1", Failed, 40*time.Minute, 8*time.Second)
	finished("old", Completed, 2*time.Hour, 100*time.Second)
	if _, err := m.AddJob(ctx, QueueMetadata, testPayload("w1"), nil); err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}

	metrics, err := m.GetQueueMetrics(ctx, QueueMetadata)
	if err != nil {
		t.Fatalf("GetQueueMetrics failed with %v", err)
	}
	if have, want := metrics.Completed, 3; have != want {
		t.Fatalf("Completed = %d, want %d", have, want)
	}
	if have, want := metrics.Failed, 1; have != want {
		t.Fatalf("Failed = %d, want %d", have, want)
	}
	if have, want := metrics.Waiting, 1; have != want {
		t.Fatalf("Waiting = %d, want %d", have, want)
	}
	if have, want := metrics.Total, 5; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if have, want := metrics.AvgProcessingTime, 5*time.Second; have != want {
		t.Fatalf("AvgProcessingTime = %v, want %v", have, want)
	}
	if have, want := metrics.ErrorRate, 0.25; have != want {
		t.Fatalf("ErrorRate = %v, want %v", have, want)
	}
	if have, want := metrics.Throughput, 4.0/60.0; have != want {
		t.Fatalf("Throughput = %v, want %v", have, want)
	}
}

// TestJobSuccess is the green case where a job is leased and it is
// processed without problems.
func TestJobSuccess(t *testing.T) {
	started := make(chan struct{}, 1)
	completed := make(chan struct{}, 1)

	m := newTestManager()
	m.testJobStarted = func() { started <- struct{}{} }
	m.testJobCompleted = func() { completed <- struct{}{} }

	w := WorkerFunc(func(ctx context.Context, job *Job, progress ProgressReporter) (*StageResult, error) {
		var p MetadataPayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		if have, want := p.FileID, "f1"; have != want {
			return nil, fmt.Errorf("expected fileId = %q, have %q", want, have)
		}
		if err := progress.Report(ctx, 50); err != nil {
			return nil, err
		}
		return Processed([]Artifact{{Kind: ArtifactOriginal, Name: "original"}}, nil), nil
	})
	if err := m.Register(QueueMetadata, w); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	job, err := m.AddJob(context.Background(), QueueMetadata, testPayload("f1"), nil)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	timeout := 2 * time.Second
	select {
	case <-started:
	case <-time.After(timeout):
		t.Fatal("Job Start timed out")
	}
	select {
	case <-completed:
	case <-time.After(timeout):
		t.Fatal("Job Completion timed out")
	}

	stored, err := m.GetJob(context.Background(), QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed with %v", err)
	}
	if have, want := stored.State, Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := stored.Progress, 100; have != want {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
	result, err := stored.StageResult()
	if err != nil {
		t.Fatalf("StageResult failed with %v", err)
	}
	if result == nil || len(result.Artifacts) != 1 {
		t.Fatalf("expected one artifact, have %+v", result)
	}
}

// TestJobDomainFailure checks that a failed StageResult without an error
// fails the job without retrying it.
func TestJobDomainFailure(t *testing.T) {
	failed := make(chan struct{}, 1)
	retry := make(chan struct{}, 1)

	m := newTestManager()
	m.testJobFailed = func() { failed <- struct{}{} }
	m.testJobRetry = func() { retry <- struct{}{} }

	w := WorkerFunc(func(ctx context.Context, job *Job, progress ProgressReporter) (*StageResult, error) {
		return FailedResult("File too large"), nil
	})
	if err := m.Register(QueueMetadata, w); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	job, err := m.AddJob(context.Background(), QueueMetadata, testPayload("f1"), nil)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	select {
	case <-failed:
	case <-retry:
		t.Fatal("expected no retry")
	case <-time.After(2 * time.Second):
		t.Fatal("Job failure timed out")
	}
	stored, err := m.GetJob(context.Background(), QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed with %v", err)
	}
	if have, want := stored.State, Failed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := stored.FailedReason, "File too large"; have != want {
		t.Fatalf("FailedReason = %q, want %q", have, want)
	}
	if have, want := stored.AttemptsMade, 1; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
}

// TestJobSuccessAfterRetry will schedule a job that will fail on the 1st
// call, but succeed on the 2nd. We check that the retry is invoked and it
// will succeed after the 2nd run.
func TestJobSuccessAfterRetry(t *testing.T) {
	retry := make(chan struct{}, 1)
	completed := make(chan struct{}, 1)

	m := newTestManager()
	m.testJobRetry = func() { retry <- struct{}{} }
	m.testJobCompleted = func() { completed <- struct{}{} }

	var mu sync.Mutex
	var call int
	w := WorkerFunc(func(ctx context.Context, job *Job, progress ProgressReporter) (*StageResult, error) {
		mu.Lock()
		call++
		n := call
		mu.Unlock()
		// only fail on first call
		if n == 1 {
			return nil, errors.New("codec crashed")
		}
		return Processed(nil, nil), nil
	})
	if err := m.Register(QueueMetadata, w); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	opts := &JobOptions{Attempts: 2, Backoff: Backoff{Kind: BackoffFixed, Delay: time.Millisecond}}
	job, err := m.AddJob(context.Background(), QueueMetadata, testPayload("f1"), opts)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	timeout := 2 * time.Second
	select {
	case <-retry:
	case <-time.After(timeout):
		t.Fatal("Job retry timed out")
	}
	select {
	case <-completed:
	case <-time.After(timeout):
		t.Fatal("Job success timed out")
	}
	stored, err := m.GetJob(context.Background(), QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed with %v", err)
	}
	if have, want := stored.AttemptsMade, 1; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
}

// TestJobFailureAfterAttempts checks that a job that keeps returning
// errors ends up in the Failed state once its attempts are exhausted.
func TestJobFailureAfterAttempts(t *testing.T) {
	failed := make(chan struct{}, 1)

	m := newTestManager()
	m.testJobFailed = func() { failed <- struct{}{} }

	w := WorkerFunc(func(ctx context.Context, job *Job, progress ProgressReporter) (*StageResult, error) {
		return FailedResult("image decode failed"), errors.New("codec crashed")
	})
	if err := m.Register(QueueMetadata, w); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	opts := &JobOptions{Attempts: 2, Backoff: Backoff{Kind: BackoffFixed, Delay: time.Millisecond}}
	job, err := m.AddJob(context.Background(), QueueMetadata, testPayload("f1"), opts)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("Job failure timed out")
	}
	stored, err := m.GetJob(context.Background(), QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed with %v", err)
	}
	if have, want := stored.AttemptsMade, 2; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
	if have, want := stored.FailedReason, "image decode failed"; have != want {
		t.Fatalf("FailedReason = %q, want %q", have, want)
	}
}

// TestRemoveActiveJob checks that removing an active job cancels the
// context of the worker and discards its outcome.
func TestRemoveActiveJob(t *testing.T) {
	started := make(chan *Job, 1)
	cancelled := make(chan struct{}, 1)
	completed := make(chan struct{}, 1)

	m := newTestManager(SetLeaseDuration(20 * time.Millisecond))
	m.testJobCompleted = func() { completed <- struct{}{} }

	w := WorkerFunc(func(ctx context.Context, job *Job, progress ProgressReporter) (*StageResult, error) {
		started <- job
		<-ctx.Done()
		cancelled <- struct{}{}
		return nil, ctx.Err()
	})
	if err := m.Register(QueueMetadata, w); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	if _, err := m.AddJob(context.Background(), QueueMetadata, testPayload("f1"), nil); err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	var job *Job
	select {
	case job = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Job Start timed out")
	}
	removed, err := m.RemoveJob(context.Background(), QueueMetadata, job.ID)
	if err != nil || !removed {
		t.Fatalf("RemoveJob = %v, %v", removed, err)
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected worker context to be cancelled")
	}
	select {
	case <-completed:
		t.Fatal("expected outcome of removed job to be discarded")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := m.GetJob(context.Background(), QueueMetadata, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, have %v", err)
	}
}

func TestRecoverStalledJobs(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(SetMaxStalledCount(1))
	m.now = func() time.Time { return now }
	ctx := context.Background()

	job, err := m.AddJob(ctx, QueueMetadata, testPayload("f1"), nil)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}

	lease := func() {
		leased, err := m.broker.Next(ctx, QueueMetadata, now, time.Second)
		if err != nil || leased == nil {
			t.Fatalf("Next = %v, %v", leased, err)
		}
	}

	lease()
	now = now.Add(2 * time.Second)
	m.recoverStalled(ctx, QueueMetadata)
	stored, err := m.GetJob(ctx, QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed with %v", err)
	}
	if have, want := stored.State, Waiting; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := stored.StalledCount, 1; have != want {
		t.Fatalf("StalledCount = %d, want %d", have, want)
	}

	lease()
	now = now.Add(2 * time.Second)
	m.recoverStalled(ctx, QueueMetadata)
	stored, err = m.GetJob(ctx, QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed with %v", err)
	}
	if have, want := stored.State, Failed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
}

// TestStaleRunnerOutcomeDiscarded checks that a runner whose job was
// recovered as stalled and leased again can neither report progress nor
// overwrite the job with its outcome.
func TestStaleRunnerOutcomeDiscarded(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	completed := make(chan struct{}, 1)
	m := newTestManager(SetLeaseDuration(time.Second))
	m.now = func() time.Time { return now }
	m.testJobCompleted = func() { completed <- struct{}{} }
	ctx := context.Background()

	job, err := m.AddJob(ctx, QueueMetadata, testPayload("f1"), nil)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	first, err := m.broker.Next(ctx, QueueMetadata, now, time.Second)
	if err != nil || first == nil {
		t.Fatalf("Next = %v, %v", first, err)
	}
	now = now.Add(2 * time.Second)
	m.recoverStalled(ctx, QueueMetadata)
	second, err := m.broker.Next(ctx, QueueMetadata, now, time.Second)
	if err != nil || second == nil {
		t.Fatalf("Next = %v, %v", second, err)
	}

	var reportErr, ctxErr error
	w := WorkerFunc(func(ctx context.Context, job *Job, progress ProgressReporter) (*StageResult, error) {
		reportErr = progress.Report(ctx, 50)
		ctxErr = ctx.Err()
		return Processed(nil, nil), nil
	})
	if err := newRunner(m, QueueMetadata, w).process(first); err != nil {
		t.Fatalf("process failed with %v", err)
	}
	if !errors.Is(reportErr, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost from Report, have %v", reportErr)
	}
	if !errors.Is(ctxErr, context.Canceled) {
		t.Fatalf("expected worker context to be cancelled, have %v", ctxErr)
	}
	select {
	case <-completed:
		t.Fatal("expected outcome of stale runner to be discarded")
	default:
	}

	stored, err := m.GetJob(ctx, QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed with %v", err)
	}
	if have, want := stored.State, Active; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := stored.Started, second.Started; have != want {
		t.Fatalf("Started = %d, want %d", have, want)
	}
	if have, want := stored.Progress, 0; have != want {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
}

// TestJobRetryResetsProgress checks that a job scheduled for retry does
// not carry the progress of the failed attempt.
func TestJobRetryResetsProgress(t *testing.T) {
	retry := make(chan struct{}, 1)
	m := newTestManager()
	m.testJobRetry = func() { retry <- struct{}{} }

	w := WorkerFunc(func(ctx context.Context, job *Job, progress ProgressReporter) (*StageResult, error) {
		if err := progress.Report(ctx, 60); err != nil {
			return nil, err
		}
		return nil, errors.New("codec crashed")
	})
	if err := m.Register(QueueMetadata, w); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	opts := &JobOptions{Attempts: 2, Backoff: Backoff{Kind: BackoffFixed, Delay: time.Hour}}
	job, err := m.AddJob(context.Background(), QueueMetadata, testPayload("f1"), opts)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	select {
	case <-retry:
	case <-time.After(2 * time.Second):
		t.Fatal("Job retry timed out")
	}
	stored, err := m.GetJob(context.Background(), QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed with %v", err)
	}
	if have, want := stored.State, Delayed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := stored.Progress, 0; have != want {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
}

// ctxBroker fails updates issued with a done context.
type ctxBroker struct {
	*InMemoryBroker
}

func (b ctxBroker) Update(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.InMemoryBroker.Update(ctx, job)
}

func TestReportUsesCallerContext(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(SetBroker(ctxBroker{NewInMemoryBroker()}))
	m.now = func() time.Time { return now }
	ctx := context.Background()

	job, err := m.AddJob(ctx, QueueMetadata, testPayload("f1"), nil)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	leased, err := m.broker.Next(ctx, QueueMetadata, now, time.Minute)
	if err != nil || leased == nil {
		t.Fatalf("Next = %v, %v", leased, err)
	}
	a := &activeJob{m: m, job: leased, cancel: func() {}}

	done, cancel := context.WithCancel(ctx)
	cancel()
	if err := a.Report(done, 30); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, have %v", err)
	}
	if err := a.Report(ctx, 30); err != nil {
		t.Fatalf("Report failed with %v", err)
	}
	stored, err := m.GetJob(ctx, QueueMetadata, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed with %v", err)
	}
	if have, want := stored.Progress, 30; have != want {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	m := newTestManager()
	events, unsubscribe := m.Subscribe(4)
	defer unsubscribe()

	job, err := m.AddJob(context.Background(), QueueMetadata, testPayload("f1"), nil)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	select {
	case e := <-events:
		if have, want := e.Type, EventJobAdded; have != want {
			t.Fatalf("Type = %q, want %q", have, want)
		}
		if have, want := e.JobID, job.ID; have != want {
			t.Fatalf("JobID = %q, want %q", have, want)
		}
		if have, want := e.FileID, "f1"; have != want {
			t.Fatalf("FileID = %q, want %q", have, want)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("expected an event")
	}
}
