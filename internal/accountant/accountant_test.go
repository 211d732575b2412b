package accountant

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataplatform/restructure/internal/offsets"
)

func TestAccountant_ProcessThenReopen(t *testing.T) {
	outputDir := t.TempDir()
	tempRoot := t.TempDir()

	a, err := Open(outputDir, tempRoot)
	require.NoError(t, err)

	r := offsets.Range{
		TopicPartition: offsets.TopicPartition{Topic: "mytopic", Partition: 0},
		From:           0,
		To:             99,
	}
	a.Process(r, map[BinKey]int64{
		{Topic: "mytopic", Category: "output", TimeBucket: "20260802_10"}: 100,
	})
	require.NoError(t, a.Flush())
	assert.True(t, a.Contains(r))

	require.NoError(t, a.Close())

	assert.FileExists(t, filepath.Join(outputDir, "offsets.csv"))
	assert.FileExists(t, filepath.Join(outputDir, "bins.csv"))

	reopened, err := Open(outputDir, tempRoot)
	require.NoError(t, err)
	defer reopened.Close()

	assert.True(t, reopened.Contains(r))
}

func TestAccountant_ClosesScratchDir(t *testing.T) {
	outputDir := t.TempDir()
	tempRoot := t.TempDir()

	a, err := Open(outputDir, tempRoot)
	require.NoError(t, err)
	scratch := a.tempDir

	_, statErr := os.Stat(scratch)
	require.NoError(t, statErr)

	require.NoError(t, a.Close())

	_, statErr = os.Stat(scratch)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAccountant_LedgerIsReadOnlyView(t *testing.T) {
	outputDir := t.TempDir()
	tempRoot := t.TempDir()

	a, err := Open(outputDir, tempRoot)
	require.NoError(t, err)
	defer a.Close()

	r := offsets.Range{
		TopicPartition: offsets.TopicPartition{Topic: "t", Partition: 0},
		From:           0,
		To:             0,
	}
	ledger := a.Ledger()
	assert.False(t, ledger.Contains(r))

	a.Process(r, nil)
	assert.True(t, ledger.Contains(r))
}
