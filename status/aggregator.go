// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package status merges the stage jobs of a file into one processing
// status and cancels the outstanding stages of a file.
//
// All reads are advisory. A stage may change state between two queue
// scans; nothing downstream treats the aggregate as a commit point.
package status

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/metadata"
)

// StageState is the normalized state of a stage job.
type StageState string

const (
	StageQueued     StageState = "queued"
	StageProcessing StageState = "processing"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
)

// Overall is the reduced state of all stages of a file.
type Overall string

const (
	OverallPending    Overall = "pending"
	OverallProcessing Overall = "processing"
	OverallCompleted  Overall = "completed"
	OverallFailed     Overall = "failed"
	OverallCancelled  Overall = "cancelled"
)

// Messages of the overall status that do not come from a stage.
const (
	MessageNoJobs    = "no processing jobs found"
	MessageCompleted = "all processing completed successfully"
	MessagePending   = "waiting for processing to start"
	MessageCancelled = "processing cancelled"
)

// StageStatus is the normalized view of one stage job.
type StageStatus struct {
	Queue       string     `json:"queue"`
	JobID       string     `json:"jobId"`
	Status      StageState `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// OverallStatus is the reduction of all stage statuses of a file.
type OverallStatus struct {
	FileID   string        `json:"fileId"`
	Status   Overall       `json:"status"`
	Progress int           `json:"progress"`
	Message  string        `json:"message"`
	Jobs     []StageStatus `json:"jobs"`
}

// JobSource gives access to the stage jobs of a file.
// *filequeue.Manager implements it.
type JobSource interface {
	JobsForFile(ctx context.Context, queue, fileID string) ([]*filequeue.Job, error)
	RemoveJob(ctx context.Context, queue, id string) (bool, error)
}

// Aggregator computes file processing status from the stage queues.
type Aggregator struct {
	source  JobSource
	store   metadata.Store
	queues  []string
	buckets ProgressBuckets
	logger  filequeue.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithQueues sets the stage queues to scan. It defaults to all stage
// queues.
func WithQueues(queues ...string) Option {
	return func(a *Aggregator) {
		if len(queues) > 0 {
			a.queues = queues
		}
	}
}

// WithProgressBuckets sets the cutoffs of the image processing messages.
func WithProgressBuckets(b ProgressBuckets) Option {
	return func(a *Aggregator) {
		a.buckets = b
	}
}

// WithLogger sets the logger.
func WithLogger(logger filequeue.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an Aggregator. The store is used to record cancellation
// and to tell cancelled files from files without jobs; it may be nil.
func New(source JobSource, store metadata.Store, options ...Option) (*Aggregator, error) {
	a := &Aggregator{
		source:  source,
		store:   store,
		queues:  filequeue.StageQueues,
		buckets: DefaultProgressBuckets(),
		logger:  filequeue.NopLogger(),
	}
	for _, opt := range options {
		opt(a)
	}
	if err := a.buckets.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// jobsForFile scans all stage queues concurrently. The result is ordered
// by queue, then by creation time.
func (a *Aggregator) jobsForFile(ctx context.Context, fileID string) ([][]*filequeue.Job, error) {
	perQueue := make([][]*filequeue.Job, len(a.queues))
	g, gctx := errgroup.WithContext(ctx)
	for i, queue := range a.queues {
		i, queue := i, queue
		g.Go(func() error {
			jobs, err := a.source.JobsForFile(gctx, queue, fileID)
			if err != nil {
				return fmt.Errorf("status: scan queue %s: %w", queue, err)
			}
			sort.SliceStable(jobs, func(x, y int) bool {
				return jobs[x].Created < jobs[y].Created
			})
			perQueue[i] = jobs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return perQueue, nil
}

// GetFileProcessingStatus returns the status of every stage job of a file.
func (a *Aggregator) GetFileProcessingStatus(ctx context.Context, fileID string) ([]StageStatus, error) {
	perQueue, err := a.jobsForFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	stages := make([]StageStatus, 0)
	for _, jobs := range perQueue {
		for _, job := range jobs {
			stages = append(stages, a.normalize(job))
		}
	}
	return stages, nil
}

func (a *Aggregator) normalize(job *filequeue.Job) StageStatus {
	s := StageStatus{
		Queue:     job.Queue,
		JobID:     job.ID,
		Progress:  clamp(job.Progress),
		StartedAt: job.StartedAt(),
	}
	switch job.State {
	case filequeue.Active:
		s.Status = StageProcessing
	case filequeue.Completed:
		s.Status = StageCompleted
		s.Progress = 100
		s.CompletedAt = job.FinishedAt()
	case filequeue.Failed:
		s.Status = StageFailed
		s.CompletedAt = job.FinishedAt()
		s.Error = job.FailedReason
	default:
		// Waiting, or delayed before the first attempt or a retry
		s.Status = StageQueued
	}
	s.Message = message(job.Queue, s.Status, s.Progress, a.buckets)
	if s.Status == StageFailed && s.Error == "" {
		s.Error = s.Message
	}
	return s
}

// GetOverallProcessingStatus reduces the stage statuses of a file.
//
// Precedence: no stages is pending (or cancelled, if the metadata store
// says so); any failed stage makes the file failed with that stage's
// error; all stages completed is completed; any stage in progress is
// processing with that stage's message; everything else is pending.
// Progress is the rounded mean of all stage progress values.
func (a *Aggregator) GetOverallProcessingStatus(ctx context.Context, fileID string) (*OverallStatus, error) {
	stages, err := a.GetFileProcessingStatus(ctx, fileID)
	if err != nil {
		return nil, err
	}
	overall := Reduce(stages)
	overall.FileID = fileID
	if len(stages) == 0 && a.cancelled(ctx, fileID) {
		overall.Status = OverallCancelled
		overall.Message = MessageCancelled
	}
	return overall, nil
}

func (a *Aggregator) cancelled(ctx context.Context, fileID string) bool {
	if a.store == nil {
		return false
	}
	r, err := a.store.Get(ctx, fileID)
	if err != nil {
		if !errors.Is(err, metadata.ErrNotFound) {
			a.logger.Printf("status: unable to read metadata of file %s: %v", fileID, err)
		}
		return false
	}
	return r.Status == metadata.StatusCancelled
}

// Reduce computes the overall status of a list of stage statuses.
func Reduce(stages []StageStatus) *OverallStatus {
	o := &OverallStatus{Jobs: stages}
	if o.Jobs == nil {
		o.Jobs = make([]StageStatus, 0)
	}
	if len(stages) == 0 {
		o.Status = OverallPending
		o.Message = MessageNoJobs
		return o
	}

	var sum int
	for _, s := range stages {
		sum += s.Progress
	}
	o.Progress = int(math.Round(float64(sum) / float64(len(stages))))

	for _, s := range stages {
		if s.Status == StageFailed {
			o.Status = OverallFailed
			o.Message = s.Error
			return o
		}
	}
	allCompleted := true
	for _, s := range stages {
		if s.Status != StageCompleted {
			allCompleted = false
			break
		}
	}
	if allCompleted {
		o.Status = OverallCompleted
		o.Message = MessageCompleted
		return o
	}
	for _, s := range stages {
		if s.Status == StageProcessing {
			o.Status = OverallProcessing
			o.Message = s.Message
			return o
		}
	}
	o.Status = OverallPending
	o.Message = MessagePending
	return o
}

// CancelFileProcessing removes every stage job of a file that is waiting,
// delayed or active. Completed and failed jobs are kept. It returns true
// if at least one job was removed; the file is then marked cancelled in
// the metadata store.
//
// Cancellation is best-effort: a job that finishes while this runs may
// still record its result. Errors of individual removals are joined and
// returned after all jobs were attempted.
func (a *Aggregator) CancelFileProcessing(ctx context.Context, fileID string) (bool, error) {
	perQueue, err := a.jobsForFile(ctx, fileID)
	if err != nil {
		return false, err
	}
	var (
		removed int
		errs    []error
	)
	for _, jobs := range perQueue {
		for _, job := range jobs {
			if !filequeue.IsCancellable(job.State) {
				continue
			}
			ok, err := a.source.RemoveJob(ctx, job.Queue, job.ID)
			if err != nil {
				errs = append(errs, fmt.Errorf("status: remove job %s from queue %s: %w", job.ID, job.Queue, err))
				continue
			}
			if ok {
				removed++
			}
		}
	}
	if removed > 0 && a.store != nil {
		if err := a.store.SetStatus(ctx, fileID, metadata.StatusCancelled, MessageCancelled); err != nil {
			errs = append(errs, err)
		}
	}
	if removed > 0 {
		a.logger.Printf("status: cancelled %d job(s) of file %s", removed, fileID)
	}
	return removed > 0, errors.Join(errs...)
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
