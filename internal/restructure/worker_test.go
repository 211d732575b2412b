package restructure

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

func newTestWorker(t *testing.T, root string) (*Worker, *filecache.Store, *accountant.Accountant, storage.Driver) {
	t.Helper()
	driver, err := storage.NewLocalDriver(root)
	require.NoError(t, err)

	acc, err := accountant.Open(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { acc.Close() })

	noneCodec, err := compress.ByName("none")
	require.NoError(t, err)
	csvFormat, err := format.ByName("csv")
	require.NoError(t, err)

	cache := filecache.New(4, driver, t.TempDir(), pathfactory.New(), noneCodec, csvFormat, acc, filecache.Options{}, nil, "test")

	w := New(Config{
		Driver: driver,
		Cache:  cache,
		Paths:  pathfactory.New(),
		Ledger: acc.Ledger(),
	})
	return w, cache, acc, driver
}

func testTopicPartition() offsets.TopicPartition {
	return offsets.TopicPartition{Topic: "mytopic", Partition: 0}
}

func TestWorker_ProcessFile_RoutesRecordsAndCommitsOnPublish(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	w, cache, acc, _ := newTestWorker(t, root)

	writeAvroFile(t, filepath.Join(root, "mytopic+0+0+1.avro"), []testWrapper{
		{Key: testKey{ProjectID: "p", UserID: "u", SourceID: "s"}, Value: testValue{Time: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC).UnixNano(), Reading: 1.0}},
		{Key: testKey{ProjectID: "p", UserID: "u", SourceID: "s"}, Value: testValue{Time: time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC).UnixNano(), Reading: 2.0}},
	})

	file := SourceFile{
		Topic:        "mytopic",
		Path:         "mytopic+0+0+1.avro",
		Range:        offsets.Range{TopicPartition: testTopicPartition(), From: 0, To: 1},
		LastModified: time.Now().Add(-time.Hour),
	}

	require.NoError(t, w.ProcessFile(ctx, file))

	require.NoError(t, cache.Close(ctx))
	require.NoError(t, acc.Flush())

	tp := testTopicPartition()
	assert.True(t, acc.Contains(offsets.Range{TopicPartition: tp, From: 0, To: 1}))
}

func TestWorker_ProcessFile_SkipsAlreadyProcessedRange(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	w, _, acc, _ := newTestWorker(t, root)

	tp := testTopicPartition()
	r := offsets.Range{TopicPartition: tp, From: 0, To: 1}
	acc.Process(r, nil)
	require.NoError(t, acc.Flush())

	// No source file exists at this path; if the worker did not honor the
	// skip rule it would fail trying to open it.
	file := SourceFile{Topic: "mytopic", Path: "mytopic+0+0+1.avro", Range: r, LastModified: time.Now().Add(-time.Hour)}
	require.NoError(t, w.ProcessFile(ctx, file))
}

func TestWorker_ProcessFile_SkipsTooRecentFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	driver, err := storage.NewLocalDriver(root)
	require.NoError(t, err)

	acc, err := accountant.Open(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { acc.Close() })

	noneCodec, err := compress.ByName("none")
	require.NoError(t, err)
	csvFormat, err := format.ByName("csv")
	require.NoError(t, err)

	cache := filecache.New(4, driver, t.TempDir(), pathfactory.New(), noneCodec, csvFormat, acc, filecache.Options{}, nil, "test")
	w := New(Config{
		Driver:         driver,
		Cache:          cache,
		Paths:          pathfactory.New(),
		Ledger:         acc.Ledger(),
		MinimumFileAge: time.Hour,
	})

	// No file on disk at all -- a non-skip attempt would fail to open it.
	file := SourceFile{
		Topic:        "mytopic",
		Path:         "mytopic+0+0+1.avro",
		Range:        offsets.Range{TopicPartition: testTopicPartition(), From: 0, To: 1},
		LastModified: time.Now(),
	}
	require.NoError(t, w.ProcessFile(ctx, file))
}

func TestWorker_ProcessFile_EmptyFileSkippedNotCommitted(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	w, cache, acc, _ := newTestWorker(t, root)

	writeAvroFile(t, filepath.Join(root, "mytopic+0+0+-1.avro"), nil)

	file := SourceFile{
		Topic:        "mytopic",
		Path:         "mytopic+0+0+-1.avro",
		Range:        offsets.Range{TopicPartition: testTopicPartition(), From: 0, To: -1},
		LastModified: time.Now().Add(-time.Hour),
	}
	require.NoError(t, w.ProcessFile(ctx, file))
	require.NoError(t, cache.Close(ctx))
	require.NoError(t, acc.Flush())

	assert.Equal(t, 0, cache.Len())
	assert.False(t, acc.Contains(offsets.Range{TopicPartition: testTopicPartition(), From: 0, To: 0}))
}
