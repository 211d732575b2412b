// Package restructure implements the C6 RestructureWorker: decoding one
// landing-zone source file and routing its records through a worker-local
// FileCacheStore.
package restructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dataplatform/restructure/internal/accountant"
	"github.com/dataplatform/restructure/internal/avro"
	"github.com/dataplatform/restructure/internal/filecache"
	"github.com/dataplatform/restructure/internal/metrics"
	"github.com/dataplatform/restructure/internal/offsets"
	"github.com/dataplatform/restructure/internal/pathfactory"
	"github.com/dataplatform/restructure/internal/storage"
)

// SourceFile describes one landing-zone file discovered by the
// coordinator: its Kafka-derived offset range, path, and staleness
// metadata used to avoid racing an in-progress sink writer.
type SourceFile struct {
	Topic        string
	Path         string
	Range        offsets.Range
	LastModified time.Time
	Size         int64
}

// BinFunc derives the operational category a record contributes to within
// its hourly bin. Most deployments use a single constant category;
// BinFunc exists so callers can split counters by record shape without
// touching the worker.
type BinFunc func(topic string, record pathfactory.Record) string

// DefaultBinFunc buckets every record under a single "records" category.
func DefaultBinFunc(string, pathfactory.Record) string { return "records" }

// Worker is the C6 RestructureWorker. It owns exactly one FileCacheStore
// and must not be shared across goroutines; the coordinator constructs one
// per pool thread.
type Worker struct {
	driver  storage.Driver
	cache   *filecache.Store
	paths   *pathfactory.Factory
	ledger  accountant.Ledger
	binFn   BinFunc
	logger  *slog.Logger
	metrics *metrics.Metrics

	minimumFileAge time.Duration
	progress       bool
}

// Config configures a Worker.
type Config struct {
	Driver         storage.Driver
	Cache          *filecache.Store
	Paths          *pathfactory.Factory
	Ledger         accountant.Ledger
	BinFn          BinFunc
	MinimumFileAge time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics

	// Progress enables periodic "records processed so far" log lines
	// while scanning a large source file, for operators watching a long
	// backfill interactively.
	Progress bool
}

// progressInterval is how many records elapse between progress log lines.
const progressInterval = 100000

// New builds a Worker from cfg, defaulting BinFn to DefaultBinFunc and
// Logger to slog.Default() when unset.
func New(cfg Config) *Worker {
	binFn := cfg.BinFn
	if binFn == nil {
		binFn = DefaultBinFunc
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		driver:         cfg.Driver,
		cache:          cfg.Cache,
		paths:          cfg.Paths,
		ledger:         cfg.Ledger,
		binFn:          binFn,
		logger:         logger,
		metrics:        cfg.Metrics,
		minimumFileAge: cfg.MinimumFileAge,
		progress:       cfg.Progress,
	}
}

// ProcessFile decodes file and routes every record through the worker's
// FileCacheStore. It returns nil without processing (not an error) when
// the file is skipped: already fully accounted for, too recently modified,
// or empty. A non-nil error means the file was only partially routed; its
// full range is not yet accounted for, so it is offered again on the next
// pass. Records routed before the error are not rolled back: they stay in
// their FileCacheStore entries, and their offsets are committed to the
// Accountant when those entries are published.
func (w *Worker) ProcessFile(ctx context.Context, file SourceFile) error {
	if w.ledger.Contains(file.Range) {
		w.logger.Debug("skip: already processed", "path", file.Path)
		return nil
	}
	if age := time.Since(file.LastModified); age < w.minimumFileAge {
		w.logger.Debug("skip: too recently modified", "path", file.Path, "age", age)
		return nil
	}

	start := time.Now()
	if w.metrics != nil {
		defer func() { w.metrics.ObserveFileProcessDuration(file.Topic, time.Since(start).Seconds()) }()
	}

	rc, err := w.driver.NewInputStream(ctx, file.Path)
	if err != nil {
		if w.metrics != nil {
			w.metrics.IncFilesFailed(file.Topic)
		}
		return fmt.Errorf("open source %s: %w", file.Path, err)
	}
	defer rc.Close()

	reader, err := avro.NewReader(rc)
	if err != nil {
		if w.metrics != nil {
			w.metrics.IncFilesFailed(file.Topic)
		}
		return fmt.Errorf("open avro reader for %s: %w", file.Path, err)
	}

	offset := file.Range.From
	count := 0
	for reader.Next() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("processing %s: %w", file.Path, ctx.Err())
		default:
		}

		record, err := reader.Record()
		if err != nil {
			if w.metrics != nil {
				w.metrics.IncFilesFailed(file.Topic)
			}
			return fmt.Errorf("decode record at offset %d of %s: %w", offset, file.Path, err)
		}

		key, err := w.paths.ObservationKeyFor(record)
		if err != nil {
			if w.metrics != nil {
				w.metrics.IncFilesFailed(file.Topic)
			}
			return fmt.Errorf("derive path key for record at offset %d of %s: %w", offset, file.Path, err)
		}

		txn := accountant.Transaction{
			TopicPartition: file.Range.TopicPartition,
			Offset:         offset,
			Bin: accountant.BinKey{
				Topic:      file.Topic,
				Category:   w.binFn(file.Topic, record),
				TimeBucket: key.TimeBucket,
			},
			Delta: 1,
		}

		if err := w.cache.Write(ctx, file.Topic, record, txn); err != nil {
			if w.metrics != nil {
				w.metrics.IncFilesFailed(file.Topic)
			}
			return fmt.Errorf("route record at offset %d of %s: %w", offset, file.Path, err)
		}

		offset++
		count++
		if w.progress && count%progressInterval == 0 {
			w.logger.Info("restructure progress", "path", file.Path, "records", count)
		}
	}
	if err := reader.Err(); err != nil {
		if w.metrics != nil {
			w.metrics.IncFilesFailed(file.Topic)
		}
		return fmt.Errorf("scan %s: %w", file.Path, err)
	}

	if count == 0 {
		if w.metrics != nil {
			w.metrics.IncFilesEmpty(file.Topic)
		}
		w.logger.Warn("empty source file, skipping", "path", file.Path)
		return nil
	}

	// Cache is reused across files within this worker's lifetime; only
	// flush buffered bytes here, never close/publish.
	if err := w.cache.Flush(); err != nil {
		if w.metrics != nil {
			w.metrics.IncFilesFailed(file.Topic)
		}
		return fmt.Errorf("flush cache after %s: %w", file.Path, err)
	}

	if w.metrics != nil {
		w.metrics.IncFilesProcessed(file.Topic)
		w.metrics.AddOffsetsCommitted(file.Topic, float64(count))
		w.metrics.AddBinsCommitted(file.Topic, float64(count))
	}
	w.logger.Info("restructured source file", "path", file.Path, "records", count)
	return nil
}

// Close publishes every entry still held open in the worker's
// FileCacheStore. Callers must call this once a worker will process no
// further files (end of a coordinator pass), or entries an eviction never
// touched would never commit their accumulated transactions.
func (w *Worker) Close(ctx context.Context) error {
	return w.cache.Close(ctx)
}
