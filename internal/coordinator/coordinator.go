// Package coordinator implements the C7 TopicCoordinator: discovering
// topics under the source storage root, fencing each with a distributed
// lock, and fanning files out across a worker pool.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/dataplatform/restructure/internal/accountant"
	"github.com/dataplatform/restructure/internal/lock"
	"github.com/dataplatform/restructure/internal/metrics"
	"github.com/dataplatform/restructure/internal/offsets"
	"github.com/dataplatform/restructure/internal/restructure"
	"github.com/dataplatform/restructure/internal/storage"
)

// Config configures a Coordinator. WorkerFactory builds one Worker per
// pool thread; each is reused across every topic that thread processes,
// since a FileCacheStore is deliberately not thread-safe and must belong
// to exactly one goroutine.
type Config struct {
	Driver           storage.Driver
	SourceRoot       string
	Locker           lock.Locker
	LockTTL          time.Duration
	Ledger           accountant.Ledger
	WorkerFactory    func() *restructure.Worker
	NumThreads       int
	MaxFilesPerTopic int
	MinimumFileAge   time.Duration
	ExcludedTopics   []string
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Coordinator is the C7 component.
type Coordinator struct {
	driver           storage.Driver
	sourceRoot       string
	locker           lock.Locker
	lockTTL          time.Duration
	ledger           accountant.Ledger
	workerFactory    func() *restructure.Worker
	numThreads       int
	maxFilesPerTopic int
	minimumFileAge   time.Duration
	excludedTopics   map[string]bool
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// New builds a Coordinator from cfg.
func New(cfg Config) *Coordinator {
	excluded := make(map[string]bool, len(cfg.ExcludedTopics))
	for _, t := range cfg.ExcludedTopics {
		excluded[t] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	numThreads := cfg.NumThreads
	if numThreads < 1 {
		numThreads = 1
	}
	return &Coordinator{
		driver:           cfg.Driver,
		sourceRoot:       cfg.SourceRoot,
		locker:           cfg.Locker,
		lockTTL:          cfg.LockTTL,
		ledger:           cfg.Ledger,
		workerFactory:    cfg.WorkerFactory,
		numThreads:       numThreads,
		maxFilesPerTopic: cfg.MaxFilesPerTopic,
		minimumFileAge:   cfg.MinimumFileAge,
		excludedTopics:   excluded,
		logger:           logger,
		metrics:          cfg.Metrics,
	}
}

// RunOnce discovers topics and processes at most maxFilesPerTopic files
// for each across the worker pool, returning a joined error if any topic
// failed. Lock contention on a topic is not an error: it is logged and
// the topic is skipped for this pass.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	start := time.Now()
	topics, err := c.discoverTopics(ctx)
	if err != nil {
		return fmt.Errorf("discover topics under %s: %w", c.sourceRoot, err)
	}
	if c.metrics != nil {
		c.metrics.SetTopicsDiscovered(float64(len(topics)))
		defer func() { c.metrics.ObserveRestructurePassDuration(time.Since(start).Seconds()) }()
	}

	topicCh := make(chan string)
	errCh := make(chan error, len(topics))

	var wg sync.WaitGroup
	for i := 0; i < c.numThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := c.workerFactory()
			for topic := range topicCh {
				if err := c.processTopic(ctx, worker, topic); err != nil {
					errCh <- fmt.Errorf("topic %s: %w", topic, err)
				}
			}
			if err := worker.Close(context.Background()); err != nil {
				errCh <- fmt.Errorf("close worker: %w", err)
			}
		}()
	}

feed:
	for _, t := range topics {
		select {
		case topicCh <- t:
		case <-ctx.Done():
			break feed
		}
	}
	close(topicCh)
	wg.Wait()
	close(errCh)

	var combined error
	for e := range errCh {
		combined = errors.Join(combined, e)
	}
	return combined
}

// Run calls RunOnce every interval until ctx is cancelled, logging (but not
// propagating) pass errors so one bad topic never stops the service loop.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.RunOnce(ctx); err != nil {
			c.logger.Error("restructure pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) processTopic(ctx context.Context, w *restructure.Worker, topic string) error {
	if c.excludedTopics[topic] {
		return nil
	}

	ok, err := c.locker.TryAcquire(ctx, topic, c.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		if c.metrics != nil {
			c.metrics.IncLockContended(topic)
		}
		c.logger.Info("skipped, locked", "topic", topic)
		return nil
	}
	if c.metrics != nil {
		c.metrics.IncLockAcquired(topic)
	}
	defer func() {
		if err := c.locker.Release(ctx, topic); err != nil {
			c.logger.Error("release lock failed", "topic", topic, "error", err)
			return
		}
		if c.metrics != nil {
			c.metrics.IncLockReleased(topic)
		}
	}()

	files, err := c.listFiles(ctx, topic)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}

	for _, f := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := w.ProcessFile(ctx, f); err != nil {
			return fmt.Errorf("process %s: %w", f.Path, err)
		}
	}
	return nil
}

// listFiles lists every source file under topic's subtree, filters out
// files already contained in the ledger or younger than minimumFileAge,
// sorts by from-offset (files are processed in source-file order), and
// caps the result at maxFilesPerTopic.
func (c *Coordinator) listFiles(ctx context.Context, topic string) ([]restructure.SourceFile, error) {
	topicRoot := path.Join(c.sourceRoot, topic)

	var files []restructure.SourceFile
	err := c.driver.Walk(ctx, topicRoot, -1, func(info storage.FileInfo) error {
		if info.IsDir {
			return nil
		}
		r, err := offsets.ParseFilename(info.Path)
		if err != nil {
			c.logger.Warn("skip unparseable source filename", "path", info.Path, "error", err)
			return nil
		}
		if c.ledger.Contains(r) {
			if c.metrics != nil {
				c.metrics.IncFilesSkipped(topic, "accounted")
			}
			return nil
		}
		if time.Since(info.LastModified) < c.minimumFileAge {
			if c.metrics != nil {
				c.metrics.IncFilesSkipped(topic, "too_young")
			}
			return nil
		}
		files = append(files, restructure.SourceFile{
			Topic:        topic,
			Path:         info.Path,
			Range:        r,
			LastModified: info.LastModified,
			Size:         info.Size,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Range.From < files[j].Range.From })
	if c.maxFilesPerTopic > 0 && len(files) > c.maxFilesPerTopic {
		files = files[:c.maxFilesPerTopic]
	}
	return files, nil
}

// EachCandidateFile discovers topics the same way RunOnce does and offers
// every file under each non-excluded, successfully-locked topic to fn,
// without the ledger/age pre-filtering listFiles applies -- callers (the
// cleaner) need files regardless of ledger state and decide for themselves
// whether a file is ready to act on. A topic already locked by a
// concurrent restructure pass is skipped for this call, not retried.
func (c *Coordinator) EachCandidateFile(ctx context.Context, fn func(restructure.SourceFile) error) error {
	topics, err := c.discoverTopics(ctx)
	if err != nil {
		return fmt.Errorf("discover topics under %s: %w", c.sourceRoot, err)
	}

	for _, topic := range topics {
		if c.excludedTopics[topic] {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ok, err := c.locker.TryAcquire(ctx, topic, c.lockTTL)
		if err != nil {
			return fmt.Errorf("acquire lock for %s: %w", topic, err)
		}
		if !ok {
			if c.metrics != nil {
				c.metrics.IncLockContended(topic)
			}
			c.logger.Info("skipped, locked", "topic", topic)
			continue
		}
		if c.metrics != nil {
			c.metrics.IncLockAcquired(topic)
		}

		err = c.eachFileInTopic(ctx, topic, fn)
		if relErr := c.locker.Release(ctx, topic); relErr != nil {
			c.logger.Error("release lock failed", "topic", topic, "error", relErr)
		} else if c.metrics != nil {
			c.metrics.IncLockReleased(topic)
		}
		if err != nil {
			return fmt.Errorf("topic %s: %w", topic, err)
		}
	}
	return nil
}

func (c *Coordinator) eachFileInTopic(ctx context.Context, topic string, fn func(restructure.SourceFile) error) error {
	topicRoot := path.Join(c.sourceRoot, topic)
	var files []restructure.SourceFile
	err := c.driver.Walk(ctx, topicRoot, -1, func(info storage.FileInfo) error {
		if info.IsDir {
			return nil
		}
		r, err := offsets.ParseFilename(info.Path)
		if err != nil {
			c.logger.Warn("skip unparseable source filename", "path", info.Path, "error", err)
			return nil
		}
		files = append(files, restructure.SourceFile{
			Topic:        topic,
			Path:         info.Path,
			Range:        r,
			LastModified: info.LastModified,
			Size:         info.Size,
		})
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Range.From < files[j].Range.From })

	for _, f := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// discoverTopics lists the source root one level down; each immediate
// subdirectory is one topic.
func (c *Coordinator) discoverTopics(ctx context.Context) ([]string, error) {
	var topics []string
	err := c.driver.Walk(ctx, c.sourceRoot, 1, func(info storage.FileInfo) error {
		if !info.IsDir || info.Path == c.sourceRoot || info.Path == "." {
			return nil
		}
		topics = append(topics, path.Base(info.Path))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(topics)
	return topics, nil
}
