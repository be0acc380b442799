// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlite implements the metadata.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	_ "modernc.org/sqlite"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/metadata"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

const tableName = "filequeue_files"

// ErrSchemaMismatch indicates the database schema version doesn't match
// the expected version.
var ErrSchemaMismatch = errors.New("metadata/sqlite: schema version mismatch")

const sqliteBusyCode = 5

// Store is a metadata.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ metadata.Store = (*Store)(nil)

// Open opens or creates the database at path. Use ":memory:" for a
// private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every connection would get its own database otherwise
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	err = s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// runInTx runs fn in a transaction, retrying while the database is busy.
func (s *Store) runInTx(ctx context.Context, fn func(*sql.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return permanentUnlessBusy(err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return permanentUnlessBusy(err)
		}
		return permanentUnlessBusy(tx.Commit())
	}, backoff.WithContext(b, ctx))
}

func permanentUnlessBusy(err error) error {
	if err == nil || isBusy(err) {
		return err
	}
	return backoff.Permanent(err)
}

// ensureRow creates the row of a file if it does not exist yet.
func (s *Store) ensureRow(ctx context.Context, tx *sql.Tx, fileID string) error {
	query, args, err := sq.Insert(tableName).
		Columns("file_id", "status", "updated").
		Values(fileID, string(metadata.StatusUploaded), s.now().UnixNano()).
		Suffix("ON CONFLICT (file_id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) update(ctx context.Context, tx *sql.Tx, fileID string, values map[string]interface{}) error {
	if err := s.ensureRow(ctx, tx, fileID); err != nil {
		return err
	}
	values["updated"] = s.now().UnixNano()
	query, args, err := sq.Update(tableName).
		SetMap(values).
		Where(sq.Eq{"file_id": fileID}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// SetStatus sets the status of a file.
func (s *Store) SetStatus(ctx context.Context, fileID string, status metadata.Status, message string) error {
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		return s.update(ctx, tx, fileID, map[string]interface{}{
			"status":         string(status),
			"status_message": message,
		})
	})
}

// SaveValidation stores the validation report of a file.
func (s *Store) SaveValidation(ctx context.Context, fileID string, report metadata.ValidationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		return s.update(ctx, tx, fileID, map[string]interface{}{
			"validation": string(data),
		})
	})
}

// SaveMetadata merges metadata into the record of a file.
func (s *Store) SaveMetadata(ctx context.Context, fileID string, md map[string]interface{}) error {
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		merged, err := s.mergedMetadata(ctx, tx, fileID, md)
		if err != nil {
			return err
		}
		return s.update(ctx, tx, fileID, map[string]interface{}{
			"metadata": merged,
		})
	})
}

// SaveArtifacts replaces the artifacts of a file and merges metadata.
func (s *Store) SaveArtifacts(ctx context.Context, fileID string, artifacts []filequeue.Artifact, md map[string]interface{}) error {
	data, err := json.Marshal(artifacts)
	if err != nil {
		return err
	}
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		merged, err := s.mergedMetadata(ctx, tx, fileID, md)
		if err != nil {
			return err
		}
		return s.update(ctx, tx, fileID, map[string]interface{}{
			"artifacts": string(data),
			"metadata":  merged,
		})
	})
}

func (s *Store) mergedMetadata(ctx context.Context, tx *sql.Tx, fileID string, md map[string]interface{}) (sql.NullString, error) {
	query, args, err := sq.Select("metadata").
		From(tableName).
		Where(sq.Eq{"file_id": fileID}).
		ToSql()
	if err != nil {
		return sql.NullString{}, err
	}
	var current sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return sql.NullString{}, err
	}
	var existing map[string]interface{}
	if current.Valid && current.String != "" {
		if err := json.Unmarshal([]byte(current.String), &existing); err != nil {
			return sql.NullString{}, err
		}
	}
	merged := metadata.MergeMetadata(existing, md)
	if merged == nil {
		return current, nil
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// Get returns the record of a file, or metadata.ErrNotFound.
func (s *Store) Get(ctx context.Context, fileID string) (*metadata.Record, error) {
	query, args, err := sq.Select("file_id", "status", "status_message", "validation", "metadata", "artifacts", "updated").
		From(tableName).
		Where(sq.Eq{"file_id": fileID}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var (
		r                         metadata.Record
		status                    string
		validation, md, artifacts sql.NullString
		updated                   int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&r.FileID, &status, &r.StatusMessage, &validation, &md, &artifacts, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = metadata.Status(status)
	r.Updated = time.Unix(0, updated)
	if validation.Valid && validation.String != "" {
		r.Validation = new(metadata.ValidationReport)
		if err := json.Unmarshal([]byte(validation.String), r.Validation); err != nil {
			return nil, fmt.Errorf("decode validation of %s: %w", fileID, err)
		}
	}
	if md.Valid && md.String != "" {
		if err := json.Unmarshal([]byte(md.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", fileID, err)
		}
	}
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &r.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts of %s: %w", fileID, err)
		}
	}
	return &r, nil
}
