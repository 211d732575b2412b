package compress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoneCodec_RoundTrip(t *testing.T) {
	c, err := ByName("none")
	require.NoError(t, err)
	assert.Equal(t, "", c.Extension())

	var buf bytes.Buffer
	w, err := c.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := c.NewReader(&buf)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestGzipCodec_RoundTrip(t *testing.T) {
	c, err := ByName("gzip")
	require.NoError(t, err)
	assert.Equal(t, "gz", c.Extension())

	var buf bytes.Buffer
	w, err := c.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte("some repeated repeated repeated data"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.NotEqual(t, "some repeated repeated repeated data", buf.String())

	r, err := c.NewReader(&buf)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "some repeated repeated repeated data", string(got))
}

func TestZipCodec_RoundTripViaNamedWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewNamedZipWriter(&buf, "records.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte("a,b,c\n1,2,3\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r := bytes.NewReader(buf.Bytes())
	rc, err := OpenZipReader(r, int64(buf.Len()))
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n1,2,3\n", string(got))
}

func TestByName_Unknown(t *testing.T) {
	_, err := ByName("bzip2")
	assert.Error(t, err)
}
