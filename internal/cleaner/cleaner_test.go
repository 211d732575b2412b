package cleaner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
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

func recordFor(w testWrapper) pathfactory.Record {
	return pathfactory.Record{
		Key:   map[string]any{"projectId": w.Key.ProjectID, "userId": w.Key.UserID, "sourceId": w.Key.SourceID},
		Value: map[string]any{"time": w.Value.Time, "reading": w.Value.Reading},
	}
}

func TestCleaner_DeletesFullyVerifiedSource(t *testing.T) {
	ctx := context.Background()
	sourceDir := t.TempDir()
	outputDir := t.TempDir()

	records := []testWrapper{
		{Key: testKey{ProjectID: "p", UserID: "u", SourceID: "s"}, Value: testValue{Time: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC).UnixNano(), Reading: 1.0}},
		{Key: testKey{ProjectID: "p", UserID: "u", SourceID: "s"}, Value: testValue{Time: time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC).UnixNano(), Reading: 2.0}},
	}
	sourcePath := filepath.Join(sourceDir, "mytopic+0+0+1.avro")
	writeAvroFile(t, sourcePath, records)

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
	paths := pathfactory.New()

	tp := offsets.TopicPartition{Topic: "mytopic", Partition: 0}

	// Simulate the restructure pass that already produced the target and
	// committed the offset range.
	store := filecache.New(4, outputDriver, t.TempDir(), paths, noneCodec, csvFormat, acc, filecache.Options{}, nil, "test")
	for i, w := range records {
		txn := accountant.Transaction{TopicPartition: tp, Offset: int64(i), Delta: 1}
		require.NoError(t, store.Write(ctx, "mytopic", recordFor(w), txn))
	}
	require.NoError(t, store.Close(ctx))
	require.NoError(t, acc.Flush())
	require.True(t, acc.Contains(offsets.Range{TopicPartition: tp, From: 0, To: 1}))

	cache := NewTimestampFileCacheStore(outputDriver, noneCodec, csvFormat, "time", 1000)
	c := New(Config{
		SourceDriver: sourceDriver,
		Paths:        paths,
		Cache:        cache,
		Accountant:   acc,
		Extension:    "csv",
		MinAge:       0,
	})

	file := restructure.SourceFile{
		Topic:        "mytopic",
		Path:         "mytopic+0+0+1.avro",
		Range:        offsets.Range{TopicPartition: tp, From: 0, To: 1},
		LastModified: time.Now().Add(-8 * 24 * time.Hour),
	}

	deleted, err := c.Clean(ctx, file)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = os.Stat(sourcePath)
	assert.True(t, os.IsNotExist(err), "source should have been deleted")
}

func TestCleaner_RetainsSourceWithMissingRecord(t *testing.T) {
	ctx := context.Background()
	sourceDir := t.TempDir()
	outputDir := t.TempDir()

	written := testWrapper{Key: testKey{ProjectID: "p", UserID: "u", SourceID: "s"}, Value: testValue{Time: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC).UnixNano(), Reading: 1.0}}
	missing := testWrapper{Key: testKey{ProjectID: "p", UserID: "u", SourceID: "s"}, Value: testValue{Time: time.Date(2026, 1, 1, 10, 45, 0, 0, time.UTC).UnixNano(), Reading: 9.0}}

	sourcePath := filepath.Join(sourceDir, "mytopic+0+0+1.avro")
	writeAvroFile(t, sourcePath, []testWrapper{written, missing})

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
	paths := pathfactory.New()

	tp := offsets.TopicPartition{Topic: "mytopic", Partition: 0}

	// Only the first record was ever actually published; pretend both
	// offsets were accounted for (e.g. a bug elsewhere, or a hand-edited
	// offsets file) to exercise the "already contained but NOT_FOUND"
	// retain path.
	store := filecache.New(4, outputDriver, t.TempDir(), paths, noneCodec, csvFormat, acc, filecache.Options{}, nil, "test")
	require.NoError(t, store.Write(ctx, "mytopic", recordFor(written), accountant.Transaction{TopicPartition: tp, Offset: 0, Delta: 1}))
	require.NoError(t, store.Close(ctx))
	acc.Process(offsets.Range{TopicPartition: tp, From: 0, To: 1}, nil)
	require.NoError(t, acc.Flush())

	cache := NewTimestampFileCacheStore(outputDriver, noneCodec, csvFormat, "time", 1000)
	c := New(Config{
		SourceDriver: sourceDriver,
		Paths:        paths,
		Cache:        cache,
		Accountant:   acc,
		Extension:    "csv",
		MinAge:       0,
	})

	file := restructure.SourceFile{
		Topic:        "mytopic",
		Path:         "mytopic+0+0+1.avro",
		Range:        offsets.Range{TopicPartition: tp, From: 0, To: 1},
		LastModified: time.Now().Add(-8 * 24 * time.Hour),
	}

	deleted, err := c.Clean(ctx, file)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = os.Stat(sourcePath)
	assert.NoError(t, err, "source should have been retained")
}

func TestCleaner_RetainsFileYoungerThanMinAge(t *testing.T) {
	ctx := context.Background()
	sourceDir := t.TempDir()
	outputDir := t.TempDir()

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

	tp := offsets.TopicPartition{Topic: "mytopic", Partition: 0}
	acc.Process(offsets.Range{TopicPartition: tp, From: 0, To: 1}, nil)
	require.NoError(t, acc.Flush())

	cache := NewTimestampFileCacheStore(outputDriver, noneCodec, csvFormat, "time", 1000)
	c := New(Config{
		SourceDriver: sourceDriver,
		Paths:        pathfactory.New(),
		Cache:        cache,
		Accountant:   acc,
		Extension:    "csv",
		MinAge:       7 * 24 * time.Hour,
	})

	// No source file on disk -- a non-skip attempt would fail to open it.
	file := restructure.SourceFile{
		Topic:        "mytopic",
		Path:         "mytopic+0+0+1.avro",
		Range:        offsets.Range{TopicPartition: tp, From: 0, To: 1},
		LastModified: time.Now(),
	}
	deleted, err := c.Clean(ctx, file)
	require.NoError(t, err)
	assert.False(t, deleted)
}
