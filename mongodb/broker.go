// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mongodb implements a filequeue.Broker on MongoDB.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/filequeue"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Mongo servers ping themselves
	// every 10 seconds, so we allow just over two ping periods.
	socketTimeout = 21 * time.Second

	// dialTimeout is the upper bound for dialing a server in the same
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the jobs collection.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "filequeue_jobs"
)

// Broker is a MongoDB-based broker. It implements filequeue.Broker.
// Leases are taken with findAndModify, so several managers may share
// one database.
type Broker struct {
	session        *mgo.Session
	dbname         string
	collectionName string
}

var _ filequeue.Broker = (*Broker)(nil)

// BrokerOption is an options provider for Broker.
type BrokerOption func(*Broker)

// SetCollectionName overrides the default collection name. Pause
// state is kept in a collection with the suffix "_queues".
func SetCollectionName(collectionName string) BrokerOption {
	return func(b *Broker) {
		if collectionName != "" {
			b.collectionName = collectionName
		}
	}
}

// NewBroker connects to the MongoDB database given by mongodbURL.
func NewBroker(mongodbURL string, options ...BrokerOption) (*Broker, error) {
	b := &Broker{collectionName: defaultCollectionName}
	for _, opt := range options {
		opt(b)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	b.dbname = strings.TrimLeft(uri.Path, "/")
	if b.dbname == "" {
		return nil, errors.New("mongodb: database missing in URL")
	}

	b.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}
	b.session.SetMode(mgo.Monotonic, true)
	b.session.SetSocketTimeout(socketTimeout)

	coll := b.session.DB(b.dbname).C(b.collectionName)
	for _, key := range [][]string{
		{"queue", "state", "-priority", "created"},
		{"queue", "state", "finished"},
		{"queue", "state", "leaseUntil"},
		{"fileId"},
	} {
		if err := coll.EnsureIndexKey(key...); err != nil {
			b.session.Close()
			return nil, err
		}
	}
	return b, nil
}

// Close the MongoDB session.
func (b *Broker) Close() error {
	b.session.Close()
	return nil
}

// collections returns a copied session with the jobs and queues
// collections. The caller must close the session.
func (b *Broker) collections() (*mgo.Session, *mgo.Collection, *mgo.Collection) {
	s := b.session.Copy()
	db := s.DB(b.dbname)
	return s, db.C(b.collectionName), db.C(b.collectionName + "_queues")
}

func wrapError(err error) error {
	if errors.Is(err, mgo.ErrNotFound) {
		return filequeue.ErrNotFound
	}
	return err
}

func docID(queue, id string) string {
	return queue + "/" + id
}

// Start checks the connection.
func (b *Broker) Start(ctx context.Context) error {
	s := b.session.Copy()
	defer s.Close()
	return s.Ping()
}

// Create adds a new job.
func (b *Broker) Create(ctx context.Context, job *filequeue.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, coll, _ := b.collections()
	defer s.Close()
	err := coll.Insert(newJob(job))
	if mgo.IsDup(err) {
		return fmt.Errorf("mongodb: job %s already exists in queue %s", job.ID, job.Queue)
	}
	return err
}

// Update replaces a stored job if it is still held by the caller's lease.
func (b *Broker) Update(ctx context.Context, job *filequeue.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, coll, _ := b.collections()
	defer s.Close()
	j := newJob(job)
	err := coll.Update(bson.M{"_id": j.DocID, "state": filequeue.Active, "started": job.Started}, j)
	if !errors.Is(err, mgo.ErrNotFound) {
		return err
	}
	n, err := coll.FindId(j.DocID).Count()
	if err != nil {
		return err
	}
	if n == 0 {
		return filequeue.ErrNotFound
	}
	return filequeue.ErrLeaseLost
}

// Delete removes a job.
func (b *Broker) Delete(ctx context.Context, queue, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, coll, _ := b.collections()
	defer s.Close()
	return wrapError(coll.RemoveId(docID(queue, id)))
}

// Next leases the next job of a queue.
func (b *Broker) Next(ctx context.Context, queue string, now time.Time, lease time.Duration) (*filequeue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, coll, queues := b.collections()
	defer s.Close()

	_, err := coll.UpdateAll(
		bson.M{"queue": queue, "state": filequeue.Delayed, "runAt": bson.M{"$lte": now.UnixNano()}},
		bson.M{"$set": bson.M{"state": filequeue.Waiting, "updated": now.UnixNano()}},
	)
	if err != nil {
		return nil, err
	}
	paused, err := isPaused(queues, queue)
	if err != nil || paused {
		return nil, err
	}

	var j Job
	_, err = coll.Find(bson.M{"queue": queue, "state": filequeue.Waiting}).
		Sort("-priority", "created").
		Apply(mgo.Change{
			Update: bson.M{"$set": bson.M{
				"state":      filequeue.Active,
				"started":    now.UnixNano(),
				"leaseUntil": now.Add(lease).UnixNano(),
				"updated":    now.UnixNano(),
			}},
			ReturnNew: true,
		}, &j)
	if errors.Is(err, mgo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j.ToJob()
}

func isPaused(queues *mgo.Collection, queue string) (bool, error) {
	var q struct {
		Paused bool `bson:"paused"`
	}
	err := queues.FindId(queue).One(&q)
	if errors.Is(err, mgo.ErrNotFound) {
		return false, nil
	}
	return q.Paused, err
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (b *Broker) Lookup(ctx context.Context, queue, id string) (*filequeue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, coll, _ := b.collections()
	defer s.Close()
	var j Job
	if err := coll.FindId(docID(queue, id)).One(&j); err != nil {
		return nil, wrapError(err)
	}
	return j.ToJob()
}

// List finds matching jobs, newest first.
func (b *Broker) List(ctx context.Context, req *filequeue.ListRequest) (*filequeue.ListResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, coll, _ := b.collections()
	defer s.Close()

	// Common filters for both Count and Find
	query := bson.M{"queue": req.Queue}
	if len(req.States) > 0 {
		query["state"] = bson.M{"$in": req.States}
	}
	if req.FileID != "" {
		query["fileId"] = req.FileID
	}
	if req.Since > 0 {
		query["finished"] = bson.M{"$gte": req.Since}
	}

	// Count
	count, err := coll.Find(query).Count()
	if err != nil {
		return nil, err
	}
	rsp := &filequeue.ListResponse{Total: count}

	// Find
	var list []*Job
	err = coll.Find(query).Sort("-created", "jobId").Skip(req.Offset).Limit(req.Limit).All(&list)
	if err != nil {
		return nil, err
	}
	for _, j := range list {
		job, err := j.ToJob()
		if err != nil {
			return nil, err
		}
		rsp.Jobs = append(rsp.Jobs, job)
	}
	return rsp, nil
}

// Stats returns the number of jobs per state.
func (b *Broker) Stats(ctx context.Context, queue string) (*filequeue.QueueStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, coll, queues := b.collections()
	defer s.Close()

	var groups []struct {
		State string `bson:"_id"`
		Count int    `bson:"count"`
	}
	err := coll.Pipe([]bson.M{
		{"$match": bson.M{"queue": queue}},
		{"$group": bson.M{"_id": "$state", "count": bson.M{"$sum": 1}}},
	}).All(&groups)
	if err != nil {
		return nil, err
	}
	stats := new(filequeue.QueueStats)
	for _, g := range groups {
		switch g.State {
		default:
			return nil, fmt.Errorf("mongodb: found unknown state %v", g.State)
		case filequeue.Waiting:
			stats.Waiting = g.Count
		case filequeue.Active:
			stats.Active = g.Count
		case filequeue.Completed:
			stats.Completed = g.Count
		case filequeue.Failed:
			stats.Failed = g.Count
		case filequeue.Delayed:
			stats.Delayed = g.Count
		}
	}
	stats.Paused, err = isPaused(queues, queue)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (b *Broker) setPaused(ctx context.Context, queue string, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, _, queues := b.collections()
	defer s.Close()
	_, err := queues.UpsertId(queue, bson.M{"$set": bson.M{"paused": paused}})
	return err
}

// Pause stops leasing jobs from the queue.
func (b *Broker) Pause(ctx context.Context, queue string) error {
	return b.setPaused(ctx, queue, true)
}

// Resume continues leasing jobs from the queue.
func (b *Broker) Resume(ctx context.Context, queue string) error {
	return b.setPaused(ctx, queue, false)
}

// RecoverStalled returns jobs with expired leases to the queue.
func (b *Broker) RecoverStalled(ctx context.Context, queue string, now time.Time, maxStalled int) ([]*filequeue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, coll, _ := b.collections()
	defer s.Close()

	var list []*Job
	err := coll.Find(bson.M{
		"queue":      queue,
		"state":      filequeue.Active,
		"leaseUntil": bson.M{"$gt": 0, "$lt": now.UnixNano()},
	}).All(&list)
	if err != nil {
		return nil, err
	}
	var recovered []*filequeue.Job
	for _, j := range list {
		job, err := j.ToJob()
		if err != nil {
			return recovered, err
		}
		lease := job.LeaseUntil
		filequeue.RecoverJob(job, now, maxStalled)
		// Only if no one else extended the lease meanwhile
		err = coll.Update(bson.M{"_id": j.DocID, "state": filequeue.Active, "leaseUntil": lease}, newJob(job))
		if errors.Is(err, mgo.ErrNotFound) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered = append(recovered, job)
	}
	return recovered, nil
}

// Trim removes the oldest jobs in state so that at most keep remain.
func (b *Broker) Trim(ctx context.Context, queue, state string, keep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, coll, _ := b.collections()
	defer s.Close()

	var ids []struct {
		DocID string `bson:"_id"`
	}
	err := coll.Find(bson.M{"queue": queue, "state": state}).
		Select(bson.M{"_id": 1}).
		Sort("-finished").
		Skip(keep).
		All(&ids)
	if err != nil || len(ids) == 0 {
		return err
	}
	in := make([]string, len(ids))
	for i, id := range ids {
		in[i] = id.DocID
	}
	_, err = coll.RemoveAll(bson.M{"_id": bson.M{"$in": in}, "state": state})
	return err
}

// -- MongoDB-internal representation of a job --

// Job is the document stored per job.
type Job struct {
	DocID            string `bson:"_id"`
	ID               string `bson:"jobId"`
	Queue            string `bson:"queue"`
	State            string `bson:"state"`
	FileID           string `bson:"fileId,omitempty"`
	Payload          string `bson:"payload,omitempty"`
	Priority         int    `bson:"priority"`
	Attempts         int    `bson:"attempts"`
	AttemptsMade     int    `bson:"attemptsMade"`
	BackoffKind      string `bson:"backoffKind,omitempty"`
	BackoffDelay     int64  `bson:"backoffDelay,omitempty"`
	RemoveOnComplete int    `bson:"removeOnComplete"`
	RemoveOnFail     int    `bson:"removeOnFail"`
	Progress         int    `bson:"progress"`
	FailedReason     string `bson:"failedReason,omitempty"`
	Result           string `bson:"result,omitempty"`
	StalledCount     int    `bson:"stalledCount"`
	Created          int64  `bson:"created"`
	Updated          int64  `bson:"updated"`
	RunAt            int64  `bson:"runAt"`
	Started          int64  `bson:"started"`
	LeaseUntil       int64  `bson:"leaseUntil"`
	Finished         int64  `bson:"finished"`
}

func newJob(job *filequeue.Job) *Job {
	return &Job{
		DocID:            docID(job.Queue, job.ID),
		ID:               job.ID,
		Queue:            job.Queue,
		State:            job.State,
		FileID:           job.FileID,
		Payload:          string(job.Payload),
		Priority:         job.Priority,
		Attempts:         job.Attempts,
		AttemptsMade:     job.AttemptsMade,
		BackoffKind:      job.Backoff.Kind,
		BackoffDelay:     int64(job.Backoff.Delay),
		RemoveOnComplete: job.RemoveOnComplete,
		RemoveOnFail:     job.RemoveOnFail,
		Progress:         job.Progress,
		FailedReason:     job.FailedReason,
		Result:           string(job.Result),
		StalledCount:     job.StalledCount,
		Created:          job.Created,
		Updated:          job.Updated,
		RunAt:            job.RunAt,
		Started:          job.Started,
		LeaseUntil:       job.LeaseUntil,
		Finished:         job.Finished,
	}
}

// ToJob converts the document to a filequeue.Job.
func (j *Job) ToJob() (*filequeue.Job, error) {
	job := &filequeue.Job{
		ID:               j.ID,
		Queue:            j.Queue,
		State:            j.State,
		FileID:           j.FileID,
		Priority:         j.Priority,
		Attempts:         j.Attempts,
		AttemptsMade:     j.AttemptsMade,
		Backoff:          filequeue.Backoff{Kind: j.BackoffKind, Delay: time.Duration(j.BackoffDelay)},
		RemoveOnComplete: j.RemoveOnComplete,
		RemoveOnFail:     j.RemoveOnFail,
		Progress:         j.Progress,
		FailedReason:     j.FailedReason,
		StalledCount:     j.StalledCount,
		Created:          j.Created,
		Updated:          j.Updated,
		RunAt:            j.RunAt,
		Started:          j.Started,
		LeaseUntil:       j.LeaseUntil,
		Finished:         j.Finished,
	}
	if j.Payload != "" {
		if !json.Valid([]byte(j.Payload)) {
			return nil, fmt.Errorf("mongodb: job %s has an invalid payload", j.ID)
		}
		job.Payload = json.RawMessage(j.Payload)
	}
	if j.Result != "" {
		job.Result = json.RawMessage(j.Result)
	}
	return job, nil
}
