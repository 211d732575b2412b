package cleaner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dataplatform/restructure/internal/accountant"
	"github.com/dataplatform/restructure/internal/avro"
	"github.com/dataplatform/restructure/internal/metrics"
	"github.com/dataplatform/restructure/internal/pathfactory"
	"github.com/dataplatform/restructure/internal/restructure"
	"github.com/dataplatform/restructure/internal/storage"
)

const maxSuffixAttempts = 1000

// Config configures a Cleaner.
type Config struct {
	SourceDriver storage.Driver
	Paths        *pathfactory.Factory
	Cache        *TimestampFileCacheStore
	Accountant   *accountant.Accountant

	// Extension is the combined format+compression extension (e.g.
	// "csv.gz") matching what FileCacheStore published targets with.
	Extension string

	MinAge        time.Duration
	EmitDeleteBin bool
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Cleaner is the C8 component.
type Cleaner struct {
	sourceDriver  storage.Driver
	paths         *pathfactory.Factory
	cache         *TimestampFileCacheStore
	accnt         *accountant.Accountant
	ext           string
	minAge        time.Duration
	emitDeleteBin bool
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// New builds a Cleaner from cfg.
func New(cfg Config) *Cleaner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		sourceDriver:  cfg.SourceDriver,
		paths:         cfg.Paths,
		cache:         cfg.Cache,
		accnt:         cfg.Accountant,
		ext:           cfg.Extension,
		minAge:        cfg.MinAge,
		emitDeleteBin: cfg.EmitDeleteBin,
		logger:        logger,
		metrics:       cfg.Metrics,
	}
}

// Clean evaluates file and, if its offset range is already accounted for,
// it is old enough, and every one of its records verifies FOUND in its
// expected target, deletes the source. It returns false when the file was
// retained for any reason (too young, not yet accounted for, empty,
// verification failure) and true when it was deleted.
func (c *Cleaner) Clean(ctx context.Context, file restructure.SourceFile) (bool, error) {
	if !c.accnt.Contains(file.Range) {
		c.retain(file.Topic, "not_accounted")
		return false, nil
	}
	if age := time.Since(file.LastModified); age < c.minAge {
		c.retain(file.Topic, "too_young")
		return false, nil
	}

	rc, err := c.sourceDriver.NewInputStream(ctx, file.Path)
	if err != nil {
		return false, fmt.Errorf("open source %s: %w", file.Path, err)
	}
	defer rc.Close()

	reader, err := avro.NewReader(rc)
	if err != nil {
		return false, fmt.Errorf("open avro reader for %s: %w", file.Path, err)
	}

	var deleteBins []accountant.Transaction
	offset := file.Range.From
	count := 0
	for reader.Next() {
		record, err := reader.Record()
		if err != nil {
			return false, fmt.Errorf("decode record at offset %d of %s: %w", offset, file.Path, err)
		}

		found, err := c.verify(ctx, file.Topic, record)
		if err != nil {
			return false, fmt.Errorf("verify record at offset %d of %s: %w", offset, file.Path, err)
		}
		if !found {
			c.retain(file.Topic, "not_found_in_target")
			c.logger.Info("retaining source, record not found in target", "path", file.Path, "offset", offset)
			return false, nil
		}

		if c.emitDeleteBin {
			if key, err := c.paths.ObservationKeyFor(record); err == nil {
				deleteBins = append(deleteBins, accountant.Transaction{
					TopicPartition: file.Range.TopicPartition,
					Offset:         offset,
					Bin:            accountant.BinKey{Topic: file.Topic, Category: "deleted", TimeBucket: key.TimeBucket},
					Delta:          -1,
				})
			}
		}

		offset++
		count++
	}
	if err := reader.Err(); err != nil {
		return false, fmt.Errorf("scan %s: %w", file.Path, err)
	}

	if count == 0 {
		c.retain(file.Topic, "empty")
		c.logger.Warn("empty source file, not deleting", "path", file.Path)
		return false, nil
	}

	if err := c.sourceDriver.Delete(ctx, file.Path); err != nil {
		return false, fmt.Errorf("delete source %s: %w", file.Path, err)
	}
	// The offset range itself remains in the Accountant as historical
	// record; only the (optional) delete-bin counters are committed here.
	if c.emitDeleteBin {
		c.accnt.Commit(deleteBins)
	}
	if c.metrics != nil {
		c.metrics.IncSourcesDeleted(file.Topic)
	}
	c.logger.Info("deleted verified source file", "path", file.Path, "records", count)
	return true, nil
}

func (c *Cleaner) retain(topic, reason string) {
	if c.metrics != nil {
		c.metrics.IncSourcesRetained(topic, reason)
	}
}

// verify checks record against the TimestampFileCacheStore, rotating
// suffixes on BAD_SCHEMA exactly as FileCacheStore.Write rotates suffixes
// on write-time schema mismatch.
func (c *Cleaner) verify(ctx context.Context, topic string, record pathfactory.Record) (bool, error) {
	nanos, err := c.paths.TimeValue(record)
	if err != nil {
		return false, fmt.Errorf("extract timestamp: %w", err)
	}

	for suffix := 0; suffix < maxSuffixAttempts; suffix++ {
		path, _, err := c.paths.Path(topic, record, suffix, c.ext)
		if err != nil {
			return false, fmt.Errorf("derive output path: %w", err)
		}

		result, err := c.cache.Query(ctx, path, nanos)
		if err != nil {
			return false, err
		}
		switch result {
		case Found:
			return true, nil
		case NotFound, FileNotFound:
			return false, nil
		case BadSchema:
			continue
		}
	}
	return false, fmt.Errorf("exhausted %d suffixes for topic %s without a matching schema", maxSuffixAttempts, topic)
}
