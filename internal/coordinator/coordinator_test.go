package coordinator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hamba/avro/v2/ocf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataplatform/restructure/internal/accountant"
	"github.com/dataplatform/restructure/internal/compress"
	"github.com/dataplatform/restructure/internal/filecache"
	"github.com/dataplatform/restructure/internal/format"
	"github.com/dataplatform/restructure/internal/offsets"
	"github.com/dataplatform/restructure/internal/pathfactory"
	"github.com/dataplatform/restructure/internal/restructure"
	"github.com/dataplatform/restructure/internal/storage"
)

// memLocker is an in-memory stand-in for a Redis-backed Locker, sufficient
// to exercise the coordinator's lock-fencing behavior without a live
// Redis instance.
type memLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	calls []string
}

func newMemLocker() *memLocker { return &memLocker{held: make(map[string]bool)} }

func (l *memLocker) TryAcquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "acquire:"+key)
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "release:"+key)
	delete(l.held, key)
	return nil
}

const testSchema = `{
  "type": "record",
  "name": "Wrapper",
  "fields": [
    {"name": "key", "type": {
      "type": "record", "name": "Key",
      "fields": [
        {"name": "projectId", "type": "string"},
        {"name": "userId", "type": "string"},
        {"name": "sourceId", "type": "string"}
      ]
    }},
    {"name": "value", "type": {
      "type": "record", "name": "Value",
      "fields": [
        {"name": "time", "type": "long"},
        {"name": "reading", "type": "double"}
      ]
    }}
  ]
}`

type testKey struct {
	ProjectID string `avro:"projectId"`
	UserID    string `avro:"userId"`
	SourceID  string `avro:"sourceId"`
}

type testValue struct {
	Time    int64   `avro:"time"`
	Reading float64 `avro:"reading"`
}

type testWrapper struct {
	Key   testKey   `avro:"key"`
	Value testValue `avro:"value"`
}

func writeAvroFile(t *testing.T, path string, records []testWrapper) {
	t.Helper()
	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(testSchema, &buf)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, enc.Encode(r))
	}
	require.NoError(t, enc.Close())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestCoordinator_RunOnce_DiscoversAndProcessesTopics(t *testing.T) {
	ctx := context.Background()
	sourceDir := t.TempDir()
	outputDir := t.TempDir()

	writeAvroFile(t, filepath.Join(sourceDir, "topicA", "topicA+0+0+0.avro"), []testWrapper{
		{Key: testKey{ProjectID: "p", UserID: "u", SourceID: "s"}, Value: testValue{Time: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC).UnixNano(), Reading: 1.0}},
	})
	writeAvroFile(t, filepath.Join(sourceDir, "topicB", "topicB+0+0+0.avro"), []testWrapper{
		{Key: testKey{ProjectID: "p", UserID: "u", SourceID: "s"}, Value: testValue{Time: time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC).UnixNano(), Reading: 2.0}},
	})

	sourceDriver, err := storage.NewLocalDriver(sourceDir)
	require.NoError(t, err)
	outputDriver, err := storage.NewLocalDriver(outputDir)
	require.NoError(t, err)

	acc, err := accountant.Open(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { acc.Close() })

	noneCodec, err := compress.ByName("none")
	require.NoError(t, err)
	csvFormat, err := format.ByName("csv")
	require.NoError(t, err)

	workerFactory := func() *restructure.Worker {
		cache := filecache.New(4, outputDriver, t.TempDir(), pathfactory.New(), noneCodec, csvFormat, acc, filecache.Options{}, nil, "test")
		return restructure.New(restructure.Config{
			Driver: sourceDriver,
			Cache:  cache,
			Paths:  pathfactory.New(),
			Ledger: acc.Ledger(),
		})
	}

	locker := newMemLocker()
	c := New(Config{
		Driver:        sourceDriver,
		SourceRoot:    "",
		Locker:        locker,
		LockTTL:       time.Minute,
		Ledger:        acc.Ledger(),
		WorkerFactory: workerFactory,
		NumThreads:    2,
	})

	require.NoError(t, c.RunOnce(ctx))
	require.NoError(t, acc.Flush())

	tpA := offsets.TopicPartition{Topic: "topicA", Partition: 0}
	tpB := offsets.TopicPartition{Topic: "topicB", Partition: 0}
	assert.True(t, acc.Contains(offsets.Range{TopicPartition: tpA, From: 0, To: 0}))
	assert.True(t, acc.Contains(offsets.Range{TopicPartition: tpB, From: 0, To: 0}))

	// Every acquired lock must have been released.
	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Empty(t, locker.held)
}

func TestCoordinator_RunOnce_SkipsLockedTopic(t *testing.T) {
	ctx := context.Background()
	sourceDir := t.TempDir()
	outputDir := t.TempDir()

	writeAvroFile(t, filepath.Join(sourceDir, "topicA", "topicA+0+0+0.avro"), []testWrapper{
		{Key: testKey{ProjectID: "p", UserID: "u", SourceID: "s"}, Value: testValue{Time: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC).UnixNano(), Reading: 1.0}},
	})

	sourceDriver, err := storage.NewLocalDriver(sourceDir)
	require.NoError(t, err)
	outputDriver, err := storage.NewLocalDriver(outputDir)
	require.NoError(t, err)

	acc, err := accountant.Open(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { acc.Close() })

	noneCodec, err := compress.ByName("none")
	require.NoError(t, err)
	csvFormat, err := format.ByName("csv")
	require.NoError(t, err)

	workerFactory := func() *restructure.Worker {
		cache := filecache.New(4, outputDriver, t.TempDir(), pathfactory.New(), noneCodec, csvFormat, acc, filecache.Options{}, nil, "test")
		return restructure.New(restructure.Config{
			Driver: sourceDriver,
			Cache:  cache,
			Paths:  pathfactory.New(),
			Ledger: acc.Ledger(),
		})
	}

	locker := newMemLocker()
	locker.held["topicA"] = true // simulate another process holding the lock

	c := New(Config{
		Driver:        sourceDriver,
		Locker:        locker,
		LockTTL:       time.Minute,
		Ledger:        acc.Ledger(),
		WorkerFactory: workerFactory,
		NumThreads:    1,
	})

	require.NoError(t, c.RunOnce(ctx))
	require.NoError(t, acc.Flush())

	tpA := offsets.TopicPartition{Topic: "topicA", Partition: 0}
	assert.False(t, acc.Contains(offsets.Range{TopicPartition: tpA, From: 0, To: 0}))
}

func TestCoordinator_RunOnce_ExcludedTopicSkipped(t *testing.T) {
	ctx := context.Background()
	sourceDir := t.TempDir()
	outputDir := t.TempDir()

	writeAvroFile(t, filepath.Join(sourceDir, "topicA", "topicA+0+0+0.avro"), []testWrapper{
		{Key: testKey{ProjectID: "p", UserID: "u", SourceID: "s"}, Value: testValue{Time: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC).UnixNano(), Reading: 1.0}},
	})

	sourceDriver, err := storage.NewLocalDriver(sourceDir)
	require.NoError(t, err)
	outputDriver, err := storage.NewLocalDriver(outputDir)
	require.NoError(t, err)

	acc, err := accountant.Open(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { acc.Close() })

	noneCodec, err := compress.ByName("none")
	require.NoError(t, err)
	csvFormat, err := format.ByName("csv")
	require.NoError(t, err)

	workerFactory := func() *restructure.Worker {
		cache := filecache.New(4, outputDriver, t.TempDir(), pathfactory.New(), noneCodec, csvFormat, acc, filecache.Options{}, nil, "test")
		return restructure.New(restructure.Config{
			Driver: sourceDriver,
			Cache:  cache,
			Paths:  pathfactory.New(),
			Ledger: acc.Ledger(),
		})
	}

	locker := newMemLocker()
	c := New(Config{
		Driver:         sourceDriver,
		Locker:         locker,
		LockTTL:        time.Minute,
		Ledger:         acc.Ledger(),
		WorkerFactory:  workerFactory,
		NumThreads:     1,
		ExcludedTopics: []string{"topicA"},
	})

	require.NoError(t, c.RunOnce(ctx))

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Empty(t, locker.calls, "excluded topic should never reach the locker")
}
