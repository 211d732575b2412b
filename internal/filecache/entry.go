// Package filecache implements the bounded population of open output
// writers a RestructureWorker routes records through: one entry per output
// path, staged to a local temp file and atomically published on close.
package filecache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dataplatform/restructure/internal/accountant"
	"github.com/dataplatform/restructure/internal/compress"
	"github.com/dataplatform/restructure/internal/format"
	"github.com/dataplatform/restructure/internal/pathfactory"
	"github.com/dataplatform/restructure/internal/storage"
)

const maxCorruptRotations = 100

// entry is one open writer for a single output path. It is never accessed
// from more than one goroutine: a FileCacheStore belongs exclusively to
// one worker.
type entry struct {
	outputPath string
	tempPath   string

	stagingFile *os.File
	writer      io.WriteCloser // compress.Codec.NewWriter over stagingFile
	converter   format.Converter

	lastUse  time.Time
	hasError bool

	// transactions accumulates one record per successful WriteRecord since
	// this entry was opened (or since its last publish), committed to the
	// Accountant only when close publishes the staged bytes.
	transactions []accountant.Transaction

	deduplicate    bool
	distinctFields []string
	ignoreFields   []string
	factory        format.Factory
	codec          compress.Codec
}

// openEntry opens (or reopens, for appending) the staged writer for
// outputPath. If a target already exists at outputPath, its current
// contents are decompressed and copied into the staged file so new
// records are appended to the existing data; a target that fails to
// decompress is quarantined under a `.corrupted[-i]` name and the entry
// starts fresh.
func openEntry(ctx context.Context, driver storage.Driver, tempDir, outputPath string, codec compress.Codec, factory format.Factory, exampleRecord pathfactory.Record, opts Options) (*entry, error) {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	staging, err := os.CreateTemp(tempDir, "filecache-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	writer, err := codec.NewWriter(staging)
	if err != nil {
		staging.Close()
		os.Remove(staging.Name())
		return nil, fmt.Errorf("open compressed writer: %w", err)
	}

	isNew := true
	var existingBytes []byte

	exists, err := driver.Exists(ctx, outputPath)
	if err != nil {
		writer.Close()
		staging.Close()
		os.Remove(staging.Name())
		return nil, fmt.Errorf("check existing target %s: %w", outputPath, err)
	}
	if exists {
		existingBytes, err = readDecompressed(ctx, driver, outputPath, codec)
		if err != nil {
			if quarantineErr := quarantine(ctx, driver, outputPath); quarantineErr != nil {
				writer.Close()
				staging.Close()
				os.Remove(staging.Name())
				return nil, fmt.Errorf("quarantine corrupt target %s after decompress error %v: %w", outputPath, err, quarantineErr)
			}
			existingBytes = nil
			isNew = true
		} else {
			isNew = false
			if _, err := writer.Write(existingBytes); err != nil {
				writer.Close()
				staging.Close()
				os.Remove(staging.Name())
				return nil, fmt.Errorf("replay existing content into staged file: %w", err)
			}
		}
	}

	var existingReader io.Reader
	if existingBytes != nil {
		existingReader = bytes.NewReader(existingBytes)
	}
	converter, err := factory.ConverterFor(writer, exampleRecord, isNew, existingReader)
	if err != nil {
		writer.Close()
		staging.Close()
		os.Remove(staging.Name())
		return nil, fmt.Errorf("build converter for %s: %w", outputPath, err)
	}

	return &entry{
		outputPath:     outputPath,
		tempPath:       staging.Name(),
		stagingFile:    staging,
		writer:         writer,
		converter:      converter,
		lastUse:        opts.now(),
		deduplicate:    opts.Deduplicate,
		distinctFields: opts.DistinctFields,
		ignoreFields:   opts.IgnoreFields,
		factory:        factory,
		codec:          codec,
	}, nil
}

func readDecompressed(ctx context.Context, driver storage.Driver, path string, codec compress.Codec) ([]byte, error) {
	dr, err := openDecompressed(ctx, driver, path, codec)
	if err != nil {
		return nil, err
	}
	defer dr.Close()

	data, err := io.ReadAll(dr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return data, nil
}

// openDecompressed opens path on driver and returns its decompressed
// contents. Zip's central directory lives at the end of the stream, so it
// needs random access: those targets go through the driver's buffered
// (io.ReaderAt) reader and OpenZipReader directly rather than through
// Codec.NewReader, which would otherwise have to buffer the whole stream
// itself to fake random access. Other codecs stream straight from
// NewInputStream.
func openDecompressed(ctx context.Context, driver storage.Driver, path string, codec compress.Codec) (io.ReadCloser, error) {
	if codec.Extension() == "zip" {
		ra, err := driver.NewBufferedReader(ctx, path)
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

	raw, err := driver.NewInputStream(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open target for read: %w", err)
	}
	dr, err := codec.NewReader(raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("open decompression stream: %w", err)
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

// quarantine renames a corrupt target to `<path>.corrupted[-i]`, trying i
// from 0 (bare `.corrupted`) up to maxCorruptRotations-1 (`.corrupted-99`).
// Beyond that the corrupt file is deleted outright per the capped-rotation
// design decision.
func quarantine(ctx context.Context, driver storage.Driver, path string) error {
	for i := 0; i < maxCorruptRotations; i++ {
		candidate := path + ".corrupted"
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d", candidate, i)
		}
		exists, err := driver.Exists(ctx, candidate)
		if err != nil {
			return fmt.Errorf("check quarantine slot %s: %w", candidate, err)
		}
		if exists {
			continue
		}
		if err := driver.Move(ctx, path, candidate); err != nil {
			return fmt.Errorf("move corrupt target to %s: %w", candidate, err)
		}
		return nil
	}
	return driver.Delete(ctx, path)
}

// writeRecord serialises record. Returns false if the converter rejected
// it as schema-incompatible (caller should retry at the next suffix); a
// non-nil error indicates a hard I/O failure.
func (e *entry) writeRecord(ctx context.Context, record pathfactory.Record, txn accountant.Transaction, now time.Time) (bool, error) {
	ok, err := e.converter.WriteRecord(record)
	if err != nil {
		e.hasError = true
		return false, fmt.Errorf("write record to %s: %w", e.outputPath, err)
	}
	if !ok {
		return false, nil
	}
	e.lastUse = now
	e.transactions = append(e.transactions, txn)
	return true, nil
}

// flush pushes buffered converter bytes to the staged file without
// publishing.
func (e *entry) flush() error {
	if err := e.converter.Flush(); err != nil {
		return fmt.Errorf("flush converter for %s: %w", e.outputPath, err)
	}
	return nil
}

// close finalises the entry. On success (hasError unset) it optionally
// deduplicates the staged file, publishes it to outputPath, and returns
// the accumulated transactions for the caller to hand to the Accountant.
// On error, the staged file is discarded and no transactions are
// returned.
func (e *entry) close(ctx context.Context, driver storage.Driver) ([]accountant.Transaction, error) {
	convErr := e.converter.Close()
	writerErr := e.writer.Close()
	syncErr := e.stagingFile.Sync()
	closeErr := e.stagingFile.Close()

	if e.hasError || convErr != nil || writerErr != nil || syncErr != nil || closeErr != nil {
		os.Remove(e.tempPath)
		if convErr != nil {
			return nil, fmt.Errorf("close converter for %s: %w", e.outputPath, convErr)
		}
		if writerErr != nil {
			return nil, fmt.Errorf("close compressed writer for %s: %w", e.outputPath, writerErr)
		}
		if syncErr != nil {
			return nil, fmt.Errorf("sync staged file for %s: %w", e.outputPath, syncErr)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close staged file for %s: %w", e.outputPath, closeErr)
		}
		return nil, fmt.Errorf("discarding %s: entry had a prior write error", e.outputPath)
	}

	publishPath := e.tempPath
	if e.deduplicate {
		dedupPath := e.tempPath + ".dedup"
		if err := e.dedupInPlace(dedupPath); err != nil {
			os.Remove(e.tempPath)
			os.Remove(dedupPath)
			return nil, fmt.Errorf("deduplicate %s: %w", e.outputPath, err)
		}
		os.Remove(e.tempPath)
		publishPath = dedupPath
	}

	if err := driver.Store(ctx, publishPath, e.outputPath); err != nil {
		os.Remove(publishPath)
		return nil, fmt.Errorf("publish %s: %w", e.outputPath, err)
	}

	return e.transactions, nil
}

func (e *entry) dedupInPlace(dedupPath string) error {
	src, err := os.Open(e.tempPath)
	if err != nil {
		return fmt.Errorf("open staged file for dedup: %w", err)
	}
	defer src.Close()

	// src is already a local *os.File, which natively satisfies io.ReaderAt,
	// so the zip codec can decode it directly without going through
	// Codec.NewReader's generic (and here unnecessary) full-stream buffering.
	var decoded io.ReadCloser
	if e.codec.Extension() == "zip" {
		info, statErr := src.Stat()
		if statErr != nil {
			return fmt.Errorf("stat staged file for dedup: %w", statErr)
		}
		decoded, err = compress.OpenZipReader(src, info.Size())
	} else {
		decoded, err = e.codec.NewReader(src)
	}
	if err != nil {
		return fmt.Errorf("open decompression stream for dedup: %w", err)
	}
	defer decoded.Close()

	dst, err := os.Create(dedupPath)
	if err != nil {
		return fmt.Errorf("create dedup output: %w", err)
	}
	defer dst.Close()

	encoded, err := e.codec.NewWriter(dst)
	if err != nil {
		return fmt.Errorf("open compression stream for dedup: %w", err)
	}

	if err := e.factory.Deduplicate(decoded, encoded, e.distinctFields, e.ignoreFields); err != nil {
		encoded.Close()
		return err
	}
	return encoded.Close()
}

// Options configures FileCache entry behavior around deduplication.
type Options struct {
	Deduplicate    bool
	DistinctFields []string
	IgnoreFields   []string

	// nowFunc lets tests substitute a deterministic clock; production
	// callers leave it nil to use time.Now.
	nowFunc func() time.Time
}

func (o Options) now() time.Time {
	if o.nowFunc != nil {
		return o.nowFunc()
	}
	return time.Now()
}
