// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package redis implements a filequeue.Broker on Redis.
//
// Every job is stored as a JSON string. Each queue has one sorted set
// per state: waiting jobs are ordered by priority and creation time,
// delayed jobs by their run time, active jobs by lease deadline and
// terminal jobs by completion time. A set per file indexes the jobs of
// an uploaded file across queues. State transitions run in WATCH/MULTI
// transactions, so several managers may share one Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/olivere/filequeue"
)

const (
	defaultPrefix     = "filequeue"
	defaultMaxRetries = 10
)

// Broker is a filequeue.Broker on Redis.
type Broker struct {
	client     goredis.UniversalClient
	prefix     string
	maxRetries int
}

var _ filequeue.Broker = (*Broker)(nil)

// Option configures the broker.
type Option func(*Broker)

// WithPrefix sets the prefix of all keys. The default is "filequeue".
func WithPrefix(prefix string) Option {
	return func(b *Broker) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithMaxRetries sets how often a transaction is retried when a watched
// key changes concurrently.
func WithMaxRetries(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxRetries = n
		}
	}
}

// NewBroker creates a broker on the given client.
func NewBroker(client goredis.UniversalClient, options ...Option) *Broker {
	b := &Broker{
		client:     client,
		prefix:     defaultPrefix,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

func (b *Broker) jobKey(queue, id string) string {
	return fmt.Sprintf("%s:job:%s:%s", b.prefix, queue, id)
}

func (b *Broker) stateKey(queue, state string) string {
	return fmt.Sprintf("%s:q:%s:%s", b.prefix, queue, state)
}

func (b *Broker) fileKey(fileID string) string {
	return fmt.Sprintf("%s:file:%s", b.prefix, fileID)
}

func (b *Broker) pausedKey() string {
	return b.prefix + ":paused"
}

func fileMember(queue, id string) string {
	return queue + "|" + id
}

func millis(ns int64) float64 {
	return float64(ns / int64(time.Millisecond))
}

// score returns the sort key of a job in its state set. Waiting jobs
// with a higher priority get a lower score; ties go to the older job
// at millisecond resolution.
func score(job *filequeue.Job) float64 {
	switch job.State {
	case filequeue.Waiting:
		p := job.Priority
		if p > 511 {
			p = 511
		} else if p < -511 {
			p = -511
		}
		return float64(-p)*float64(int64(1)<<43) + millis(job.Created)
	case filequeue.Delayed:
		return millis(job.RunAt)
	case filequeue.Active:
		return millis(job.LeaseUntil)
	default:
		return millis(job.Finished)
	}
}

// Start checks the connection.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Create adds a new job.
func (b *Broker) Create(ctx context.Context, job *filequeue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	key := b.jobKey(job.Queue, job.ID)
	return b.watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("redis: job %s already exists in queue %s", job.ID, job.Queue)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, b.stateKey(job.Queue, job.State), goredis.Z{Score: score(job), Member: job.ID})
			if job.FileID != "" {
				pipe.SAdd(ctx, b.fileKey(job.FileID), fileMember(job.Queue, job.ID))
			}
			return nil
		})
		return err
	}, key)
}

// watch runs fn in an optimistic transaction on keys and retries it
// when a watched key was modified concurrently.
func (b *Broker) watch(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	for i := 0; i < b.maxRetries; i++ {
		err := b.client.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis: transaction on %s failed after %d retries", strings.Join(keys, ","), b.maxRetries)
}

func (b *Broker) get(ctx context.Context, c goredis.Cmdable, queue, id string) (*filequeue.Job, error) {
	data, err := c.Get(ctx, b.jobKey(queue, id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, filequeue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job filequeue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("redis: decode job %s: %w", id, err)
	}
	return &job, nil
}

// modify loads a job, lets fn change it and stores the result, moving
// the job between state sets as needed. If fn returns false, nothing is
// written and modify returns nil.
func (b *Broker) modify(ctx context.Context, queue, id string, fn func(job *filequeue.Job) (bool, error)) (*filequeue.Job, error) {
	key := b.jobKey(queue, id)
	var result *filequeue.Job
	err := b.watch(ctx, func(tx *goredis.Tx) error {
		result = nil
		job, err := b.get(ctx, tx, queue, id)
		if err != nil {
			return err
		}
		oldState := job.State
		changed, err := fn(job)
		if err != nil || !changed {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if oldState != job.State {
				pipe.ZRem(ctx, b.stateKey(queue, oldState), id)
			}
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, b.stateKey(queue, job.State), goredis.Z{Score: score(job), Member: id})
			return nil
		})
		if err == nil {
			result = job
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Update replaces a stored job if it is still held by the caller's lease.
func (b *Broker) Update(ctx context.Context, job *filequeue.Job) error {
	_, err := b.modify(ctx, job.Queue, job.ID, func(stored *filequeue.Job) (bool, error) {
		if err := filequeue.CheckLease(stored, job); err != nil {
			return false, err
		}
		*stored = *job.Clone()
		return true, nil
	})
	return err
}

// Delete removes a job.
func (b *Broker) Delete(ctx context.Context, queue, id string) error {
	key := b.jobKey(queue, id)
	return b.watch(ctx, func(tx *goredis.Tx) error {
		job, err := b.get(ctx, tx, queue, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, b.stateKey(queue, job.State), id)
			if job.FileID != "" {
				pipe.SRem(ctx, b.fileKey(job.FileID), fileMember(queue, id))
			}
			return nil
		})
		return err
	}, key)
}

// Next leases the next job of a queue.
func (b *Broker) Next(ctx context.Context, queue string, now time.Time, lease time.Duration) (*filequeue.Job, error) {
	if err := b.promote(ctx, queue, now); err != nil {
		return nil, err
	}
	paused, err := b.client.SIsMember(ctx, b.pausedKey(), queue).Result()
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}
	for i := 0; i < b.maxRetries; i++ {
		ids, err := b.client.ZRange(ctx, b.stateKey(queue, filequeue.Waiting), 0, 0).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		job, err := b.modify(ctx, queue, ids[0], func(job *filequeue.Job) (bool, error) {
			if job.State != filequeue.Waiting {
				return false, nil
			}
			job.State = filequeue.Active
			job.Started = now.UnixNano()
			job.LeaseUntil = now.Add(lease).UnixNano()
			job.Updated = now.UnixNano()
			return true, nil
		})
		if errors.Is(err, filequeue.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// promote moves delayed jobs that are due to the waiting set.
func (b *Broker) promote(ctx context.Context, queue string, now time.Time) error {
	ids, err := b.client.ZRangeByScore(ctx, b.stateKey(queue, filequeue.Delayed), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(millis(now.UnixNano()), 'f', 0, 64),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, err := b.modify(ctx, queue, id, func(job *filequeue.Job) (bool, error) {
			if job.State != filequeue.Delayed || job.RunAt > now.UnixNano() {
				return false, nil
			}
			job.State = filequeue.Waiting
			job.Updated = now.UnixNano()
			return true, nil
		})
		if err != nil && !errors.Is(err, filequeue.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (b *Broker) Lookup(ctx context.Context, queue, id string) (*filequeue.Job, error) {
	return b.get(ctx, b.client, queue, id)
}

// List finds matching jobs, newest first.
func (b *Broker) List(ctx context.Context, req *filequeue.ListRequest) (*filequeue.ListResponse, error) {
	var ids []string
	if req.FileID != "" {
		members, err := b.client.SMembers(ctx, b.fileKey(req.FileID)).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if queue, id, found := strings.Cut(m, "|"); found && queue == req.Queue {
				ids = append(ids, id)
			}
		}
	} else {
		states := req.States
		if len(states) == 0 {
			states = filequeue.States
		}
		for _, state := range states {
			members, err := b.client.ZRange(ctx, b.stateKey(req.Queue, state), 0, -1).Result()
			if err != nil {
				return nil, err
			}
			ids = append(ids, members...)
		}
	}

	jobs, err := b.load(ctx, req.Queue, ids)
	if err != nil {
		return nil, err
	}
	var matches []*filequeue.Job
	for _, job := range jobs {
		if !req.MatchesState(job.State) {
			continue
		}
		if req.Since > 0 && job.Finished < req.Since {
			continue
		}
		matches = append(matches, job)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Created == matches[j].Created {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Created > matches[j].Created
	})

	rsp := &filequeue.ListResponse{Total: len(matches)}
	for i, job := range matches {
		if i < req.Offset {
			continue
		}
		if req.Limit > 0 && len(rsp.Jobs) >= req.Limit {
			break
		}
		rsp.Jobs = append(rsp.Jobs, job)
	}
	return rsp, nil
}

// load fetches jobs by identifier, skipping those removed meanwhile.
func (b *Broker) load(ctx context.Context, queue string, ids []string) ([]*filequeue.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.jobKey(queue, id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*filequeue.Job, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job filequeue.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("redis: decode job %s: %w", ids[i], err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Stats returns the number of jobs per state.
func (b *Broker) Stats(ctx context.Context, queue string) (*filequeue.QueueStats, error) {
	cards := make(map[string]*goredis.IntCmd)
	var paused *goredis.BoolCmd
	_, err := b.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, state := range filequeue.States {
			cards[state] = pipe.ZCard(ctx, b.stateKey(queue, state))
		}
		paused = pipe.SIsMember(ctx, b.pausedKey(), queue)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &filequeue.QueueStats{
		Waiting:   int(cards[filequeue.Waiting].Val()),
		Active:    int(cards[filequeue.Active].Val()),
		Completed: int(cards[filequeue.Completed].Val()),
		Failed:    int(cards[filequeue.Failed].Val()),
		Delayed:   int(cards[filequeue.Delayed].Val()),
		Paused:    paused.Val(),
	}, nil
}

// Pause stops leasing jobs from the queue.
func (b *Broker) Pause(ctx context.Context, queue string) error {
	return b.client.SAdd(ctx, b.pausedKey(), queue).Err()
}

// Resume continues leasing jobs from the queue.
func (b *Broker) Resume(ctx context.Context, queue string) error {
	return b.client.SRem(ctx, b.pausedKey(), queue).Err()
}

// RecoverStalled returns jobs with expired leases to the queue.
func (b *Broker) RecoverStalled(ctx context.Context, queue string, now time.Time, maxStalled int) ([]*filequeue.Job, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.stateKey(queue, filequeue.Active), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(millis(now.UnixNano()), 'f', 0, 64),
	}).Result()
	if err != nil {
		return nil, err
	}
	var recovered []*filequeue.Job
	for _, id := range ids {
		job, err := b.modify(ctx, queue, id, func(job *filequeue.Job) (bool, error) {
			if job.State != filequeue.Active || job.LeaseUntil == 0 || job.LeaseUntil >= now.UnixNano() {
				return false, nil
			}
			filequeue.RecoverJob(job, now, maxStalled)
			return true, nil
		})
		if errors.Is(err, filequeue.ErrNotFound) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		if job != nil {
			recovered = append(recovered, job)
		}
	}
	return recovered, nil
}

// Trim removes the oldest jobs in state so that at most keep remain.
func (b *Broker) Trim(ctx context.Context, queue, state string, keep int) error {
	key := b.stateKey(queue, state)
	n, err := b.client.ZCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if n <= int64(keep) {
		return nil
	}
	ids, err := b.client.ZRange(ctx, key, 0, n-int64(keep)-1).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.Delete(ctx, queue, id); err != nil && !errors.Is(err, filequeue.ErrNotFound) {
			return err
		}
	}
	return nil
}
