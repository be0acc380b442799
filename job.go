// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// Waiting for a worker to lease the job.
	Waiting string = "waiting"
	// Active is the state for jobs currently leased by a worker.
	Active string = "active"
	// Completed without errors.
	Completed string = "completed"
	// Failed even after retries.
	Failed string = "failed"
	// Delayed jobs become Waiting once their RunAt time has passed.
	Delayed string = "delayed"
)

// States lists all lifecycle states a job can be in.
var States = []string{Waiting, Active, Completed, Failed, Delayed}

// IsCancellable returns true if a job in the given state may be removed
// by a cancellation request.
func IsCancellable(state string) bool {
	switch state {
	case Waiting, Delayed, Active:
		return true
	}
	return false
}

// Job is a unit of work in a stage queue. Its identity is unique within
// its queue only. Jobs of the same uploaded file are correlated by FileID.
type Job struct {
	ID               string          `json:"id"`               // identifier, unique within Queue
	Queue            string          `json:"queue"`            // stage queue the job belongs to
	State            string          `json:"state"`            // current state
	FileID           string          `json:"fileId"`           // correlation to the uploaded file
	Payload          json.RawMessage `json:"payload"`          // stage-specific payload
	Priority         int             `json:"priority"`         // jobs with higher priority run sooner
	Attempts         int             `json:"attempts"`         // maximum number of attempts
	AttemptsMade     int             `json:"attemptsMade"`     // number of attempts made so far
	Backoff          Backoff         `json:"backoff"`          // delay between attempts
	RemoveOnComplete int             `json:"removeOnComplete"` // number of completed jobs to keep
	RemoveOnFail     int             `json:"removeOnFail"`     // number of failed jobs to keep
	Progress         int             `json:"progress"`         // progress in percent (0..100)
	FailedReason     string          `json:"failedReason,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"` // stage result after completion
	StalledCount     int             `json:"stalledCount"`     // number of times the lease expired
	Created          int64           `json:"created"`          // time when AddJob was called (in UnixNano)
	Updated          int64           `json:"updated"`          // time when the job was last updated (in UnixNano)
	RunAt            int64           `json:"runAt"`            // earliest time to run the job (in UnixNano)
	Started          int64           `json:"started"`          // time when the job was last leased (in UnixNano)
	LeaseUntil       int64           `json:"leaseUntil"`       // lease deadline while active (in UnixNano)
	Finished         int64           `json:"finished"`         // time when job reached Completed or Failed (in UnixNano)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &c
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("filequeue: job %s in queue %s has no payload", j.ID, j.Queue)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("filequeue: decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

// StageResult returns the decoded result of a completed job, or nil if
// the job has no recorded result.
func (j *Job) StageResult() (*StageResult, error) {
	if len(j.Result) == 0 {
		return nil, nil
	}
	var r StageResult
	if err := json.Unmarshal(j.Result, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// StartedAt returns the time the job was leased, or nil.
func (j *Job) StartedAt() *time.Time {
	return unixNanoPtr(j.Started)
}

// FinishedAt returns the time the job reached a terminal state, or nil.
func (j *Job) FinishedAt() *time.Time {
	return unixNanoPtr(j.Finished)
}

// ProcessingTime returns the duration between lease and terminal state.
// It is zero for jobs that have not finished.
func (j *Job) ProcessingTime() time.Duration {
	if j.Started == 0 || j.Finished == 0 || j.Finished < j.Started {
		return 0
	}
	return time.Duration(j.Finished - j.Started)
}

func unixNanoPtr(ns int64) *time.Time {
	if ns == 0 {
		return nil
	}
	t := time.Unix(0, ns)
	return &t
}
