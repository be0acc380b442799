// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mysql implements a filequeue.Broker on MySQL.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/mysql/internal"
)

const (
	mysqlSchema = `CREATE TABLE IF NOT EXISTS filequeue_jobs (
id varchar(36) not null,
queue varchar(255) not null,
state varchar(30) not null,
file_id varchar(255),
payload mediumtext,
priority int not null default 0,
attempts int not null default 1,
attempts_made int not null default 0,
backoff varchar(255),
remove_on_complete int not null default 0,
remove_on_fail int not null default 0,
progress int not null default 0,
failed_reason text,
result mediumtext,
stalled_count int not null default 0,
created bigint not null,
updated bigint not null,
run_at bigint not null default 0,
started bigint not null default 0,
lease_until bigint not null default 0,
finished bigint not null default 0,
primary key (queue, id),
index ix_filequeue_jobs_file_id (file_id),
index ix_filequeue_jobs_state_finished (queue, state, finished));`

	mysqlQueuesSchema = `CREATE TABLE IF NOT EXISTS filequeue_queues (
name varchar(255) primary key,
paused tinyint(1) not null default 0);`

	// add index for picking the next waiting job
	mysqlUpdate001 = `ALTER TABLE filequeue_jobs ADD INDEX ix_filequeue_jobs_next (queue, state, priority, created);`

	jobsTable   = "filequeue_jobs"
	queuesTable = "filequeue_queues"
)

var jobColumns = []string{
	"id", "queue", "state", "file_id", "payload", "priority",
	"attempts", "attempts_made", "backoff", "remove_on_complete", "remove_on_fail",
	"progress", "failed_reason", "result", "stalled_count",
	"created", "updated", "run_at", "started", "lease_until", "finished",
}

// Broker is a persistent MySQL broker. It implements filequeue.Broker.
// Several managers may share one database; leases are taken with
// SELECT ... FOR UPDATE.
type Broker struct {
	db     *sql.DB
	debug  bool
	logger filequeue.Logger
}

var _ filequeue.Broker = (*Broker)(nil)

// BrokerOption is an options provider for Broker.
type BrokerOption func(*Broker)

// SetDebug indicates whether to log every SQL statement.
func SetDebug(enabled bool) BrokerOption {
	return func(b *Broker) {
		b.debug = enabled
	}
}

// SetLogger sets the logger used for debugging output.
func SetLogger(logger filequeue.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroker connects to the MySQL database given by url, creating the
// database and its tables if necessary.
func NewBroker(url string, options ...BrokerOption) (*Broker, error) {
	b := &Broker{logger: filequeue.NopLogger()}
	for _, opt := range options {
		opt(b)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("mysql: no database specified")
	}
	// Report matched instead of changed rows, so an Update that writes
	// identical values is not mistaken for a missing job
	cfg.ClientFoundRows = true

	// First connect without DB name
	setup := *cfg
	setup.DBName = ""
	setupdb, err := sql.Open("mysql", setup.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	if _, err := setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname)); err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	b.db, err = sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	if err := b.migrate(dbname); err != nil {
		b.db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) migrate(dbname string) error {
	for _, stmt := range []string{mysqlSchema, mysqlQueuesSchema} {
		if _, err := b.db.Exec(stmt); err != nil {
			return err
		}
	}

	// Apply update 001
	var count int64
	err := b.db.QueryRow(`
	SELECT COUNT(*) AS cnt
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = ?
		AND TABLE_NAME = 'filequeue_jobs'
		AND INDEX_NAME = 'ix_filequeue_jobs_next'
	`, dbname).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		if _, err := b.db.Exec(mysqlUpdate001); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Broker) Close() error {
	return b.db.Close()
}

// runner is satisfied by *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (b *Broker) trace(query string, args []interface{}) {
	if b.debug {
		b.logger.Printf("mysql: %s %v", query, args)
	}
}

func (b *Broker) exec(ctx context.Context, r runner, stmt sq.Sqlizer) (sql.Result, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, err
	}
	b.trace(query, args)
	return r.ExecContext(ctx, query, args...)
}

func (b *Broker) query(ctx context.Context, r runner, stmt sq.SelectBuilder) ([]*filequeue.Job, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, err
	}
	b.trace(query, args)
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*filequeue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (b *Broker) withRetry(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return internal.RunInTxWithRetry(ctx, b.db, fn, internal.IsDeadlock)
}

// Start checks the connection.
func (b *Broker) Start(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Create adds a new job.
func (b *Broker) Create(ctx context.Context, job *filequeue.Job) error {
	values, err := jobValues(job)
	if err != nil {
		return err
	}
	_, err = b.exec(ctx, b.db, sq.Insert(jobsTable).Columns(jobColumns...).Values(values...))
	if internal.IsDup(err) {
		return fmt.Errorf("mysql: job %s already exists in queue %s", job.ID, job.Queue)
	}
	return err
}

func (b *Broker) update(ctx context.Context, r runner, job *filequeue.Job) error {
	values, err := jobValues(job)
	if err != nil {
		return err
	}
	set := make(map[string]interface{}, len(jobColumns))
	for i, col := range jobColumns {
		set[col] = values[i]
	}
	res, err := b.exec(ctx, r, sq.Update(jobsTable).
		SetMap(set).
		Where(sq.Eq{"queue": job.Queue, "id": job.ID}))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return filequeue.ErrNotFound
	}
	return nil
}

// Update replaces a stored job if it is still held by the caller's lease.
func (b *Broker) Update(ctx context.Context, job *filequeue.Job) error {
	return b.withRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		jobs, err := b.query(ctx, tx, sq.Select(jobColumns...).
			From(jobsTable).
			Where(sq.Eq{"queue": job.Queue, "id": job.ID}).
			Suffix("FOR UPDATE"))
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return filequeue.ErrNotFound
		}
		if err := filequeue.CheckLease(jobs[0], job); err != nil {
			return err
		}
		return b.update(ctx, tx, job)
	})
}

// Delete removes a job.
func (b *Broker) Delete(ctx context.Context, queue, id string) error {
	return b.withRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := b.exec(ctx, tx, sq.Delete(jobsTable).Where(sq.Eq{"queue": queue, "id": id}))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return filequeue.ErrNotFound
		}
		return nil
	})
}

// Next leases the next job of a queue.
func (b *Broker) Next(ctx context.Context, queue string, now time.Time, lease time.Duration) (*filequeue.Job, error) {
	var next *filequeue.Job
	err := b.withRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		next = nil
		_, err := b.exec(ctx, tx, sq.Update(jobsTable).
			Set("state", filequeue.Waiting).
			Set("updated", now.UnixNano()).
			Where(sq.Eq{"queue": queue, "state": filequeue.Delayed}).
			Where(sq.LtOrEq{"run_at": now.UnixNano()}))
		if err != nil {
			return err
		}
		paused, err := b.paused(ctx, tx, queue)
		if err != nil || paused {
			return err
		}
		jobs, err := b.query(ctx, tx, sq.Select(jobColumns...).
			From(jobsTable).
			Where(sq.Eq{"queue": queue, "state": filequeue.Waiting}).
			OrderBy("priority desc", "created asc").
			Limit(1).
			Suffix("FOR UPDATE"))
		if err != nil || len(jobs) == 0 {
			return err
		}
		job := jobs[0]
		job.State = filequeue.Active
		job.Started = now.UnixNano()
		job.LeaseUntil = now.Add(lease).UnixNano()
		job.Updated = now.UnixNano()
		if err := b.update(ctx, tx, job); err != nil {
			return err
		}
		next = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (b *Broker) paused(ctx context.Context, r runner, queue string) (bool, error) {
	query, args, err := sq.Select("paused").From(queuesTable).Where(sq.Eq{"name": queue}).ToSql()
	if err != nil {
		return false, err
	}
	b.trace(query, args)
	var paused bool
	err = r.QueryRowContext(ctx, query, args...).Scan(&paused)
	if internal.IsNotFound(err) {
		return false, nil
	}
	return paused, err
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (b *Broker) Lookup(ctx context.Context, queue, id string) (*filequeue.Job, error) {
	jobs, err := b.query(ctx, b.db, sq.Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"queue": queue, "id": id}))
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, filequeue.ErrNotFound
	}
	return jobs[0], nil
}

// List finds matching jobs, newest first.
func (b *Broker) List(ctx context.Context, req *filequeue.ListRequest) (*filequeue.ListResponse, error) {
	where := sq.And{sq.Eq{"queue": req.Queue}}
	if len(req.States) > 0 {
		where = append(where, sq.Eq{"state": req.States})
	}
	if req.FileID != "" {
		where = append(where, sq.Eq{"file_id": req.FileID})
	}
	if req.Since > 0 {
		where = append(where, sq.GtOrEq{"finished": req.Since})
	}

	// Count
	query, args, err := sq.Select("COUNT(*)").From(jobsTable).Where(where).ToSql()
	if err != nil {
		return nil, err
	}
	b.trace(query, args)
	rsp := &filequeue.ListResponse{}
	if err := b.db.QueryRowContext(ctx, query, args...).Scan(&rsp.Total); err != nil {
		return nil, err
	}

	// Find
	stmt := sq.Select(jobColumns...).
		From(jobsTable).
		Where(where).
		OrderBy("created desc", "id asc")
	if req.Limit > 0 {
		stmt = stmt.Limit(uint64(req.Limit))
	}
	if req.Offset > 0 {
		if req.Limit <= 0 {
			// MySQL has no OFFSET without LIMIT
			stmt = stmt.Limit(1<<63 - 1)
		}
		stmt = stmt.Offset(uint64(req.Offset))
	}
	rsp.Jobs, err = b.query(ctx, b.db, stmt)
	if err != nil {
		return nil, err
	}
	return rsp, nil
}

// Stats returns the number of jobs per state.
func (b *Broker) Stats(ctx context.Context, queue string) (*filequeue.QueueStats, error) {
	query, args, err := sq.Select("state", "COUNT(*)").
		From(jobsTable).
		Where(sq.Eq{"queue": queue}).
		GroupBy("state").
		ToSql()
	if err != nil {
		return nil, err
	}
	b.trace(query, args)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := new(filequeue.QueueStats)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		switch state {
		default:
			return nil, fmt.Errorf("mysql: found unknown state %v", state)
		case filequeue.Waiting:
			stats.Waiting = n
		case filequeue.Active:
			stats.Active = n
		case filequeue.Completed:
			stats.Completed = n
		case filequeue.Failed:
			stats.Failed = n
		case filequeue.Delayed:
			stats.Delayed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats.Paused, err = b.paused(ctx, b.db, queue)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (b *Broker) setPaused(ctx context.Context, queue string, paused bool) error {
	_, err := b.exec(ctx, b.db, sq.Insert(queuesTable).
		Columns("name", "paused").
		Values(queue, paused).
		Suffix("ON DUPLICATE KEY UPDATE paused = VALUES(paused)"))
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
	var recovered []*filequeue.Job
	err := b.withRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		recovered = nil
		jobs, err := b.query(ctx, tx, sq.Select(jobColumns...).
			From(jobsTable).
			Where(sq.Eq{"queue": queue, "state": filequeue.Active}).
			Where(sq.Gt{"lease_until": 0}).
			Where(sq.Lt{"lease_until": now.UnixNano()}).
			Suffix("FOR UPDATE"))
		if err != nil {
			return err
		}
		for _, job := range jobs {
			filequeue.RecoverJob(job, now, maxStalled)
			if err := b.update(ctx, tx, job); err != nil {
				return err
			}
		}
		recovered = jobs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// Trim removes the oldest jobs in state so that at most keep remain.
func (b *Broker) Trim(ctx context.Context, queue, state string, keep int) error {
	query, args, err := sq.Select("id").
		From(jobsTable).
		Where(sq.Eq{"queue": queue, "state": state}).
		OrderBy("finished desc", "id desc").
		Limit(1<<63 - 1).
		Offset(uint64(keep)).
		ToSql()
	if err != nil {
		return err
	}
	b.trace(query, args)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = b.exec(ctx, b.db, sq.Delete(jobsTable).
		Where(sq.Eq{"queue": queue, "state": state, "id": ids}))
	return err
}

// -- MySQL-internal representation of a job --

func jobValues(job *filequeue.Job) ([]interface{}, error) {
	backoff, err := json.Marshal(job.Backoff)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		job.ID,
		job.Queue,
		job.State,
		nullString(job.FileID),
		nullString(string(job.Payload)),
		job.Priority,
		job.Attempts,
		job.AttemptsMade,
		string(backoff),
		job.RemoveOnComplete,
		job.RemoveOnFail,
		job.Progress,
		nullString(job.FailedReason),
		nullString(string(job.Result)),
		job.StalledCount,
		job.Created,
		job.Updated,
		job.RunAt,
		job.Started,
		job.LeaseUntil,
		job.Finished,
	}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*filequeue.Job, error) {
	var (
		job                             filequeue.Job
		fileID, payload, reason, result sql.NullString
		backoff                         sql.NullString
	)
	err := s.Scan(
		&job.ID,
		&job.Queue,
		&job.State,
		&fileID,
		&payload,
		&job.Priority,
		&job.Attempts,
		&job.AttemptsMade,
		&backoff,
		&job.RemoveOnComplete,
		&job.RemoveOnFail,
		&job.Progress,
		&reason,
		&result,
		&job.StalledCount,
		&job.Created,
		&job.Updated,
		&job.RunAt,
		&job.Started,
		&job.LeaseUntil,
		&job.Finished,
	)
	if err != nil {
		return nil, err
	}
	job.FileID = fileID.String
	job.FailedReason = reason.String
	if payload.Valid {
		job.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if backoff.Valid && backoff.String != "" {
		if err := json.Unmarshal([]byte(backoff.String), &job.Backoff); err != nil {
			return nil, fmt.Errorf("mysql: decode backoff of job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}
