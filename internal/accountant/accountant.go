// Package accountant tracks which Kafka offset ranges have already been
// restructured and how many records landed in each output bin, persisting
// both durably so a restart never reprocesses or double-counts a source
// file.
package accountant

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dataplatform/restructure/internal/offsets"
)

// Transaction is one committed record: the offset it came from and, if it
// contributed to an operational bin, the delta to apply. A FileCache entry
// accumulates these as it accepts records and hands them to the Accountant
// only once its staged output is durably published, so an offset is never
// marked processed before the bytes it produced are safely stored.
type Transaction struct {
	TopicPartition offsets.TopicPartition
	Offset         int64
	Bin            BinKey
	Delta          int64
}

// Ledger is the read side of the offset ledger, handed to callers that only
// need to ask "has this range already been processed?" without taking the
// Accountant's write lock more than necessary.
type Ledger interface {
	Contains(r offsets.Range) bool
}

// Accountant is the C2 component: it owns two authoritative CSV files
// (an offset-range set and a bin counter table) under one temp scratch
// directory, and serialises all mutations behind a single mutex so
// concurrent workers can safely call Process from a worker pool.
type Accountant struct {
	mu sync.Mutex

	tempDir      string
	offsetWriter *durableFile
	binWriter    *durableFile

	offsetSet *offsets.Set
	binCounts bins
}

// Open loads any existing offsets.csv/bins.csv beneath outputDir (creating
// empty state if absent) and starts the durable writer actors that will
// persist future mutations. The temp directory used for atomic publishes is
// created beneath tempDirRoot and removed entirely on Close, mirroring the
// original accounting implementation's single shared scratch directory for
// both files.
func Open(outputDir, tempDirRoot string) (*Accountant, error) {
	scratch, err := os.MkdirTemp(tempDirRoot, "accountant-")
	if err != nil {
		return nil, fmt.Errorf("create accountant scratch dir: %w", err)
	}

	offsetPath := filepath.Join(outputDir, "offsets.csv")
	binPath := filepath.Join(outputDir, "bins.csv")

	offsetSet, err := loadOffsets(offsetPath)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, err
	}
	binCounts, err := loadBins(binPath)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, err
	}

	a := &Accountant{
		tempDir:   scratch,
		offsetSet: offsetSet,
		binCounts: binCounts,
	}
	a.offsetWriter = newDurableFile(offsetPath, scratch, offsetSnapshot{offsetSet.Clone()})
	a.binWriter = newDurableFile(binPath, scratch, binSnapshot{binCounts.clone()})
	return a, nil
}

func loadOffsets(path string) (*offsets.Set, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return offsets.NewSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	set, err := offsets.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return set, nil
}

func loadBins(path string) (bins, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return newBins(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	b, err := readBinsCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

// offsetSnapshot and binSnapshot adapt the domain types to serializable
// without exposing writeTo on the public types themselves.
type offsetSnapshot struct{ set *offsets.Set }

func (s offsetSnapshot) writeTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.set.WriteCSV(f)
}

type binSnapshot struct{ b bins }

func (s binSnapshot) writeTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.b.writeCSV(f)
}

// Process records that the given offset range has been fully restructured
// and that delta records landed in each bin, then asks both durable files
// to persist. Process does not block on the write completing; call Flush
// for that guarantee.
func (a *Accountant) Process(r offsets.Range, deltas map[BinKey]int64) {
	a.mu.Lock()
	a.offsetSet.Add(r)
	offsetCopy := a.offsetSet.Clone()
	for k, d := range deltas {
		a.binCounts.add(k, d)
	}
	binCopy := a.binCounts.clone()
	a.mu.Unlock()

	a.binWriter.Mutate(binSnapshot{binCopy})
	a.binWriter.TriggerWrite()
	a.offsetWriter.Mutate(offsetSnapshot{offsetCopy})
	a.offsetWriter.TriggerWrite()
}

// Commit folds a batch of transactions (typically everything a single
// FileCache entry accumulated before publishing) into the offset set and
// bin counters as a single synchronised merge, then triggers one write of
// each durable file. Each offset is added as its own single-point range;
// offsets.Set's merge-on-add collapses contiguous runs automatically.
func (a *Accountant) Commit(transactions []Transaction) {
	if len(transactions) == 0 {
		return
	}

	a.mu.Lock()
	for _, t := range transactions {
		a.offsetSet.Add(offsets.Range{TopicPartition: t.TopicPartition, From: t.Offset, To: t.Offset})
		if t.Delta != 0 {
			a.binCounts.add(t.Bin, t.Delta)
		}
	}
	offsetCopy := a.offsetSet.Clone()
	binCopy := a.binCounts.clone()
	a.mu.Unlock()

	a.binWriter.Mutate(binSnapshot{binCopy})
	a.binWriter.TriggerWrite()
	a.offsetWriter.Mutate(offsetSnapshot{offsetCopy})
	a.offsetWriter.TriggerWrite()
}

// Contains reports whether r has already been fully processed. Safe to call
// concurrently with Process.
func (a *Accountant) Contains(r offsets.Range) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offsetSet.Contains(r)
}

// Ledger returns a read-only view suitable for handing to worker pools that
// only need Contains.
func (a *Accountant) Ledger() Ledger {
	return a
}

// Flush blocks until every pending mutation is durably persisted.
func (a *Accountant) Flush() error {
	if err := a.binWriter.Flush(); err != nil {
		return fmt.Errorf("flush bins: %w", err)
	}
	if err := a.offsetWriter.Flush(); err != nil {
		return fmt.Errorf("flush offsets: %w", err)
	}
	return nil
}

// Close flushes both files, stops the durable writer actors, and removes
// the shared scratch directory.
func (a *Accountant) Close() error {
	binErr := a.binWriter.Close()
	offErr := a.offsetWriter.Close()
	rmErr := os.RemoveAll(a.tempDir)
	if binErr != nil {
		return fmt.Errorf("close bin writer: %w", binErr)
	}
	if offErr != nil {
		return fmt.Errorf("close offset writer: %w", offErr)
	}
	if rmErr != nil {
		return fmt.Errorf("remove scratch dir %s: %w", a.tempDir, rmErr)
	}
	return nil
}
