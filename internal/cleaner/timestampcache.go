// Package cleaner implements the C8 Cleaner (TimestampExtractionCheck):
// re-reading source files already accounted for, verifying every record
// landed in its expected target, and deleting the source once verified and
// old enough.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dataplatform/restructure/internal/compress"
	"github.com/dataplatform/restructure/internal/format"
	"github.com/dataplatform/restructure/internal/storage"
)

// Result is the outcome of checking one record against its expected
// output target.
type Result int

const (
	Found Result = iota
	NotFound
	FileNotFound
	BadSchema
)

// TimestampFileCacheStore is the read-only C8 analogue of FileCacheStore:
// for each output path it lazily loads every timestamp already present in
// the published target, so records can be checked for presence without
// replaying full record shapes. There is no LRU eviction here (unlike
// C5) -- instead the whole cache is discarded every cacheLimit records
// observed, per the spec's periodic-clear rule for bounding memory.
type TimestampFileCacheStore struct {
	driver    storage.Driver
	codec     compress.Codec
	format    format.Factory
	timeField string

	cacheLimit int
	seen       int
	targets    map[string]map[int64]bool
}

// NewTimestampFileCacheStore builds a TimestampFileCacheStore. cacheLimit
// <= 0 disables the periodic clear.
func NewTimestampFileCacheStore(driver storage.Driver, codec compress.Codec, formatFactory format.Factory, timeField string, cacheLimit int) *TimestampFileCacheStore {
	return &TimestampFileCacheStore{
		driver:     driver,
		codec:      codec,
		format:     formatFactory,
		timeField:  timeField,
		cacheLimit: cacheLimit,
		targets:    make(map[string]map[int64]bool),
	}
}

// Query reports whether a record with the given nanosecond timestamp is
// present in outputPath's target.
func (s *TimestampFileCacheStore) Query(ctx context.Context, outputPath string, timestampNanos int64) (Result, error) {
	timestamps, ok := s.targets[outputPath]
	if !ok {
		loaded, err := s.load(ctx, outputPath)
		if err != nil {
			if errors.Is(err, storage.ErrNotExist) {
				return FileNotFound, nil
			}
			if errors.Is(err, format.ErrFieldNotPresent) {
				return BadSchema, nil
			}
			return 0, err
		}
		timestamps = loaded
		s.targets[outputPath] = timestamps
	}

	s.seen++
	if s.cacheLimit > 0 && s.seen >= s.cacheLimit {
		s.targets = make(map[string]map[int64]bool)
		s.seen = 0
	}

	if timestamps[timestampNanos] {
		return Found, nil
	}
	return NotFound, nil
}

func (s *TimestampFileCacheStore) load(ctx context.Context, path string) (map[int64]bool, error) {
	exists, err := s.driver.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("check target %s: %w", path, err)
	}
	if !exists {
		return nil, storage.ErrNotExist
	}

	dr, err := s.openDecompressed(ctx, path)
	if err != nil {
		return nil, err
	}
	defer dr.Close()

	return s.format.ExtractTimestamps(dr, s.timeField)
}

// openDecompressed opens path and returns its decompressed contents. Zip
// needs random access for its trailing central directory, so it goes
// through the driver's buffered (io.ReaderAt) reader and OpenZipReader
// directly instead of Codec.NewReader, which would otherwise have to
// buffer the whole stream itself to fake random access.
func (s *TimestampFileCacheStore) openDecompressed(ctx context.Context, path string) (io.ReadCloser, error) {
	if s.codec.Extension() == "zip" {
		ra, err := s.driver.NewBufferedReader(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("open buffered reader for %s: %w", path, err)
		}
		rc, err := compress.OpenZipReader(ra, ra.Size())
		if err != nil {
			ra.Close()
			return nil, fmt.Errorf("open zip archive %s: %w", path, err)
		}
		return closeBoth{ReadCloser: rc, other: ra}, nil
	}

	raw, err := s.driver.NewInputStream(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open target %s: %w", path, err)
	}
	dr, err := s.codec.NewReader(raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("open decompression stream for %s: %w", path, err)
	}
	return closeBoth{ReadCloser: dr, other: raw}, nil
}

// closeBoth closes both the decompressed reader and the underlying
// stream/handle it was opened from.
type closeBoth struct {
	io.ReadCloser
	other io.Closer
}

func (c closeBoth) Close() error {
	err := c.ReadCloser.Close()
	if oerr := c.other.Close(); err == nil {
		err = oerr
	}
	return err
}
