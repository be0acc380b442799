// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package storage gives workers byte-level access to uploaded files and
// a place to write derived artifacts. Files are referenced by a relative
// path; the bytes never travel in a job payload.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// ErrNotFound is returned when a file does not exist.
var ErrNotFound = errors.New("storage: file not found")

// Backend is the storage contract used by the workers.
type Backend interface {
	// Stat returns information about the file at path, or ErrNotFound.
	Stat(ctx context.Context, path string) (os.FileInfo, error)
	// Open opens the file at path for reading, or returns ErrNotFound.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Create creates or truncates the file at path, including missing
	// parent directories.
	Create(ctx context.Context, path string) (io.WriteCloser, error)
	// URL returns the public URL of the file at path.
	URL(path string) string
}

// FS is a Backend on an afero filesystem.
type FS struct {
	fs      afero.Fs
	baseURL string
}

var _ Backend = (*FS)(nil)

// New creates a Backend on fs. Public URLs are formed by joining baseURL
// and the file path.
func New(fs afero.Fs, baseURL string) *FS {
	return &FS{fs: fs, baseURL: strings.TrimRight(baseURL, "/")}
}

// NewOS creates a Backend rooted at the given directory of the local
// filesystem.
func NewOS(root, baseURL string) *FS {
	return New(afero.NewBasePathFs(afero.NewOsFs(), root), baseURL)
}

// NewMemory creates a Backend in memory, e.g. for tests.
func NewMemory(baseURL string) *FS {
	return New(afero.NewMemMapFs(), baseURL)
}

// Fs returns the underlying filesystem.
func (s *FS) Fs() afero.Fs {
	return s.fs
}

func clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func wrapError(op, p string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return fmt.Errorf("storage: %s %s: %w", op, p, err)
}

// Stat returns information about the file at p.
func (s *FS) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, err := s.fs.Stat(clean(p))
	if err != nil {
		return nil, wrapError("stat", p, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("storage: %s is a directory", p)
	}
	return fi, nil
}

// Open opens the file at p for reading.
func (s *FS) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(clean(p))
	if err != nil {
		return nil, wrapError("open", p, err)
	}
	return f, nil
}

// Create creates or truncates the file at p.
func (s *FS) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := clean(p)
	if dir := path.Dir(name); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, wrapError("mkdir", dir, err)
		}
	}
	f, err := s.fs.Create(name)
	if err != nil {
		return nil, wrapError("create", p, err)
	}
	return f, nil
}

// URL returns the public URL of p.
func (s *FS) URL(p string) string {
	if s.baseURL == "" {
		return "/" + clean(p)
	}
	return s.baseURL + "/" + clean(p)
}

// DerivedPath returns the path of an artifact derived from the file at
// p, e.g. "uploads/a.jpg" with suffix "small" and extension "webp"
// becomes "uploads/a_small.webp".
func DerivedPath(p, suffix, ext string) string {
	dir, file := path.Split(clean(p))
	base := strings.TrimSuffix(file, path.Ext(file))
	if suffix != "" {
		base += "_" + suffix
	}
	return dir + base + "." + strings.TrimPrefix(ext, ".")
}
