// Package storage abstracts the object stores a restructure run reads
// source files from and writes restructured output to: local filesystem,
// HDFS, S3 and Azure Blob. Every concrete backend implements the same
// Driver contract so the rest of the module never branches on scheme.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned by Size/NewInputStream/NewBufferedReader when the
// requested path does not exist. Drivers translate their native not-found
// errors to this sentinel so callers can use errors.Is uniformly.
var ErrNotExist = errors.New("storage: path does not exist")

// FileInfo describes one entry discovered by Walk.
type FileInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
	IsDir        bool
}

// Driver is the capability set every backend (local, HDFS, S3, Azure Blob)
// implements. Paths are backend-relative (no scheme prefix); the driver
// itself was constructed with whatever root/bucket/namenode address it
// needs.
type Driver interface {
	// Exists reports whether path is present.
	Exists(ctx context.Context, path string) (bool, error)

	// Size returns the byte length of path. Returns ErrNotExist if absent.
	Size(ctx context.Context, path string) (int64, error)

	// NewInputStream opens path for sequential reading.
	NewInputStream(ctx context.Context, path string) (io.ReadCloser, error)

	// NewBufferedReader opens path for reading with random access where the
	// backend supports it (used by zip decompression, which needs
	// io.ReaderAt). Backends that cannot support random access return an
	// io.ReadCloser that also implements io.ReaderAt by buffering locally.
	NewBufferedReader(ctx context.Context, path string) (ReaderAtCloser, error)

	// Store publishes the local file at localStagingPath to targetPath,
	// atomically replacing any existing content (rename for local
	// filesystem, create-or-replace object for cloud backends).
	Store(ctx context.Context, localStagingPath, targetPath string) error

	// Move relocates src to dst within the same backend, used by the
	// FileCache entry's corrupted-target quarantine.
	Move(ctx context.Context, src, dst string) error

	// Delete removes path. Deleting an absent path is not an error.
	Delete(ctx context.Context, path string) error

	// Walk lists the entries below root, down to maxDepth levels (1 =
	// root's immediate children only; -1 = no limit), invoking fn for
	// each. Backends with real directories (local, HDFS) report them too,
	// marked by FileInfo.IsDir; the local backend also reports root
	// itself. Walk stops and returns fn's error if it returns non-nil.
	Walk(ctx context.Context, root string, maxDepth int, fn func(FileInfo) error) error
}

// ReaderAtCloser is the random-access read handle NewBufferedReader
// returns.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
	// Size reports the total byte length, needed by zip's central
	// directory lookup.
	Size() int64
}
