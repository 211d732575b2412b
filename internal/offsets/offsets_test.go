package offsets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tp(topic string) TopicPartition {
	return TopicPartition{Topic: topic, Partition: 0}
}

func TestSet_AddMergesAdjacent(t *testing.T) {
	s := NewSet()
	s.Add(Range{TopicPartition: tp("t"), From: 0, To: 1})
	s.Add(Range{TopicPartition: tp("t"), From: 2, To: 3})

	require.Equal(t, 1, s.Size(tp("t")))
	assert.True(t, s.Contains(Range{TopicPartition: tp("t"), From: 0, To: 3}))
}

func TestSet_AddMergesOverlapping(t *testing.T) {
	s := NewSet()
	s.Add(Range{TopicPartition: tp("t"), From: 0, To: 5})
	s.Add(Range{TopicPartition: tp("t"), From: 3, To: 8})

	require.Equal(t, 1, s.Size(tp("t")))
	assert.True(t, s.Contains(Range{TopicPartition: tp("t"), From: 0, To: 8}))
}

func TestSet_AddKeepsDisjointSeparate(t *testing.T) {
	s := NewSet()
	s.Add(Range{TopicPartition: tp("t"), From: 0, To: 1})
	s.Add(Range{TopicPartition: tp("t"), From: 10, To: 11})

	require.Equal(t, 2, s.Size(tp("t")))
	assert.False(t, s.Contains(Range{TopicPartition: tp("t"), From: 0, To: 11}))
	assert.True(t, s.Contains(Range{TopicPartition: tp("t"), From: 0, To: 1}))
}

func TestSet_AddBridgesGap(t *testing.T) {
	s := NewSet()
	s.Add(Range{TopicPartition: tp("t"), From: 0, To: 1})
	s.Add(Range{TopicPartition: tp("t"), From: 10, To: 11})
	s.Add(Range{TopicPartition: tp("t"), From: 2, To: 9})

	require.Equal(t, 1, s.Size(tp("t")))
	assert.True(t, s.Contains(Range{TopicPartition: tp("t"), From: 0, To: 11}))
}

func TestSet_ContainsRequiresFullCoverage(t *testing.T) {
	s := NewSet()
	s.Add(Range{TopicPartition: tp("t"), From: 5, To: 10})

	assert.False(t, s.Contains(Range{TopicPartition: tp("t"), From: 4, To: 10}))
	assert.False(t, s.Contains(Range{TopicPartition: tp("t"), From: 5, To: 11}))
	assert.True(t, s.Contains(Range{TopicPartition: tp("t"), From: 6, To: 9}))
}

func TestSet_CSVRoundTrip(t *testing.T) {
	s := NewSet()
	s.Add(Range{TopicPartition: TopicPartition{Topic: "a", Partition: 0}, From: 0, To: 1})
	s.Add(Range{TopicPartition: TopicPartition{Topic: "a", Partition: 1}, From: 4, To: 9})
	s.Add(Range{TopicPartition: TopicPartition{Topic: "b", Partition: 0}, From: 100, To: 200})

	var buf bytes.Buffer
	require.NoError(t, s.WriteCSV(&buf))

	round, err := ReadCSV(&buf)
	require.NoError(t, err)

	for _, r := range s.Rows() {
		assert.True(t, round.Contains(r))
	}
	for _, r := range round.Rows() {
		assert.True(t, s.Contains(r))
	}
}

func TestParseFormatFilenameRoundTrip(t *testing.T) {
	cases := []string{
		"mytopic+0+0+1.avro",
		"mytopic+3+1000+2000.avro.gz",
		"a.b.c+12+0+0",
	}
	for _, name := range cases {
		r, err := ParseFilename(name)
		require.NoError(t, err, name)
		got := FormatFilename(r)
		back, err := ParseFilename(got)
		require.NoError(t, err)
		assert.Equal(t, r, back)
	}
}

func TestParseFilename_Invalid(t *testing.T) {
	_, err := ParseFilename("not-a-valid-name.avro")
	assert.ErrorIs(t, err, ErrBadFilename)

	_, err = ParseFilename("t+0+5+1.avro")
	assert.ErrorIs(t, err, ErrBadFilename)
}
