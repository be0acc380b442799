package internal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// RunInTx runs fn in a database transaction that begins with ctx.
//
// fn must use the passed tx for all database calls and must neither
// commit nor roll back. If fn returns nil, the transaction is committed
// and the error of Commit is returned. Otherwise the transaction is
// rolled back and the error of fn is returned. Panics in fn are
// recovered and returned as errors.
func RunInTx(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("%v", rerr)
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// NewBackoff returns the backoff used by RunInTxWithRetry.
func NewBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return b
}

// RunInTxWithRetry is like RunInTx but repeats fn with exponential
// backoff while retryable returns true for its error. If retryable is
// nil, only deadlocks are retried. fn must be idempotent.
func RunInTxWithRetry(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error, retryable func(error) bool) error {
	if retryable == nil {
		retryable = IsDeadlock
	}
	return RunInTxWithRetryBackoff(ctx, db, fn, retryable, NewBackoff())
}

// RunInTxWithRetryBackoff is like RunInTxWithRetry but with configurable
// backoff. A nil retryable retries every error. Waiting between attempts
// stops when ctx is done.
func RunInTxWithRetryBackoff(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error, retryable func(error) bool, b backoff.BackOff) error {
	b.Reset()
	for {
		err := RunInTx(ctx, db, fn)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
	}
}
