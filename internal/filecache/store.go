package filecache

import (
	"container/list"
	"context"
	"fmt"
	"sort"

	"github.com/dataplatform/restructure/internal/accountant"
	"github.com/dataplatform/restructure/internal/compress"
	"github.com/dataplatform/restructure/internal/format"
	"github.com/dataplatform/restructure/internal/metrics"
	"github.com/dataplatform/restructure/internal/pathfactory"
	"github.com/dataplatform/restructure/internal/storage"
)

const maxSuffixAttempts = 1000

// Store is the C5 FileCacheStore: a bounded population of open entry
// writers, evicted least-recently-used first. It belongs to exactly one
// worker and is not safe for concurrent use.
type Store struct {
	capacity int
	driver   storage.Driver
	tempDir  string
	paths    *pathfactory.Factory
	compress compress.Codec
	format   format.Factory
	accnt    *accountant.Accountant
	opts     Options
	metrics  *metrics.Metrics
	workerID string

	// entries maps output path -> its position in lru, whose Value is a
	// *entry. lru's back is least-recently-used; front is most-recently
	// used, forming the explicit intrusive doubly-linked list the design
	// calls for in place of a comparator-based LRU.
	entries map[string]*list.Element
	lru     *list.List
}

// New builds a FileCacheStore bounded to capacity open entries. workerID
// labels this store's cache-size gauge when m is non-nil; it need not be
// unique beyond distinguishing one worker's series from another's.
func New(capacity int, driver storage.Driver, tempDir string, paths *pathfactory.Factory, codec compress.Codec, formatFactory format.Factory, accnt *accountant.Accountant, opts Options, m *metrics.Metrics, workerID string) *Store {
	return &Store{
		capacity: capacity,
		driver:   driver,
		tempDir:  tempDir,
		paths:    paths,
		compress: codec,
		format:   formatFactory,
		accnt:    accnt,
		opts:     opts,
		metrics:  m,
		workerID: workerID,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Write routes record to the FileCache entry for its derived output path,
// implementing the suffix-rotation algorithm: try suffix 0, and on a
// schema-mismatch response try 1, 2, ... until a compatible entry accepts
// the record or an entry must be newly created.
func (s *Store) Write(ctx context.Context, topic string, record pathfactory.Record, txn accountant.Transaction) error {
	ext := s.format.Extension()
	if e := s.compress.Extension(); e != "" {
		ext = ext + "." + e
	}

	now := s.opts.now()
	for suffix := 0; suffix < maxSuffixAttempts; suffix++ {
		path, _, err := s.paths.Path(topic, record, suffix, ext)
		if err != nil {
			return fmt.Errorf("derive output path: %w", err)
		}

		if el, ok := s.entries[path]; ok {
			en := el.Value.(*entry)
			ok, err := en.writeRecord(ctx, record, txn, now)
			if err != nil {
				return err
			}
			if ok {
				s.lru.MoveToFront(el)
				return nil
			}
			continue // BAD_SCHEMA: rotate suffix
		}

		if err := s.ensureCapacity(ctx, topic); err != nil {
			return fmt.Errorf("evict to make room for %s: %w", path, err)
		}

		en, err := openEntry(ctx, s.driver, s.tempDir, path, s.compress, s.format, record, s.opts)
		if err != nil {
			return fmt.Errorf("open entry %s: %w", path, err)
		}
		ok, err := en.writeRecord(ctx, record, txn, now)
		if err != nil {
			s.discard(ctx, en)
			return err
		}
		if ok {
			el := s.lru.PushFront(en)
			s.entries[path] = el
			s.reportCacheSize()
			return nil
		}
		// A brand new entry rejecting its first record means the target
		// already published at this path has an incompatible schema;
		// discard the entry (leaving that target untouched) and try the
		// next suffix.
		s.discard(ctx, en)
	}
	return fmt.Errorf("exhausted %d suffixes for topic %s without a compatible schema", maxSuffixAttempts, topic)
}

func (s *Store) discard(ctx context.Context, en *entry) {
	en.hasError = true
	en.close(ctx, s.driver) //nolint:errcheck // discard path; error already being reported upstream
}

// ensureCapacity evicts least-recently-used entries until there is room
// for one more, per (lastUse ascending, path lexicographic) ordering.
// container/list already maintains recency order via MoveToFront, so the
// tie-break by path only matters when two entries were pushed in the same
// instant; evicting from the back naturally resolves that by insertion
// order, which openEntry calls issue path-deterministically within a
// single-threaded worker.
func (s *Store) ensureCapacity(ctx context.Context, topic string) error {
	for len(s.entries) >= s.capacity {
		back := s.lru.Back()
		if back == nil {
			return nil
		}
		en := back.Value.(*entry)
		s.lru.Remove(back)
		delete(s.entries, en.outputPath)
		if err := s.publish(ctx, en); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.IncCacheEvictions(topic)
		}
	}
	s.reportCacheSize()
	return nil
}

func (s *Store) reportCacheSize() {
	if s.metrics != nil {
		s.metrics.SetCacheSize(s.workerID, float64(len(s.entries)))
	}
}

func (s *Store) publish(ctx context.Context, en *entry) error {
	transactions, err := en.close(ctx, s.driver)
	if err != nil {
		return fmt.Errorf("close entry %s: %w", en.outputPath, err)
	}
	s.accnt.Commit(transactions)
	return nil
}

// Flush pushes buffered bytes for every open entry without publishing,
// used at end-of-file since the cache is reused across source files.
func (s *Store) Flush() error {
	for el := s.lru.Front(); el != nil; el = el.Next() {
		en := el.Value.(*entry)
		if err := en.flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close publishes and removes every open entry. Order is deterministic
// (lexicographic by path) so tests and logs are reproducible.
func (s *Store) Close(ctx context.Context) error {
	paths := make([]string, 0, len(s.entries))
	for p := range s.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var firstErr error
	for _, p := range paths {
		el := s.entries[p]
		en := el.Value.(*entry)
		s.lru.Remove(el)
		delete(s.entries, p)
		if err := s.publish(ctx, en); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.reportCacheSize()
	return firstErr
}

// Len reports the number of currently open entries, exposed for tests
// verifying capacity-bound eviction.
func (s *Store) Len() int { return len(s.entries) }
