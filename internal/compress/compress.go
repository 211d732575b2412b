// Package compress wraps the compression codecs FileCache entries stage
// their output through: none, gzip and zip.
package compress

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Codec is a named compression scheme applied to a single staged output
// file. Implementations must round-trip: Decompress(Compress(w)) is the
// identity on the written bytes.
type Codec interface {
	// Extension returns the file suffix this codec appends, without a
	// leading dot ("gz", "zip", or "" for none).
	Extension() string

	// NewWriter wraps w so writes are compressed. The returned writer must
	// be closed (via the io.Closer it also implements) to flush trailers.
	NewWriter(w io.Writer) (io.WriteCloser, error)

	// NewReader wraps r so reads are decompressed.
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// ByName resolves a configured compression name to its Codec.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "none":
		return noneCodec{}, nil
	case "gzip":
		return gzipCodec{}, nil
	case "zip":
		return zipCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

type noneCodec struct{}

func (noneCodec) Extension() string { return "" }

func (noneCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (noneCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type gzipCodec struct{}

func (gzipCodec) Extension() string { return "gz" }

func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	return gr, nil
}

// zipCodec stores exactly one member inside a zip container.
// archive/zip requires knowing the entry name up front, so writers made
// through the Codec interface always name the member "data"; callers
// needing a specific entry name should use NewNamedZipWriter directly.
type zipCodec struct{}

func (zipCodec) Extension() string { return "zip" }

func (zipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return NewNamedZipWriter(w, "data")
}

// NewReader buffers r fully in memory so it can satisfy the io.ReaderAt
// OpenZipReader needs: zip's central directory lives at the end of the
// stream, so there is no way to decode a zip archive from a plain
// forward-only io.Reader without first materializing it. Callers that
// already hold a Driver and can obtain an io.ReaderAt directly (avoiding
// the buffering) should prefer Driver.NewBufferedReader + OpenZipReader.
func (zipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("buffer zip stream: %w", err)
	}
	return OpenZipReader(bytes.NewReader(data), int64(len(data)))
}

// zipWriter adapts archive/zip.Writer (which writes to a single named
// entry) to io.WriteCloser.
type zipWriter struct {
	zw     *zip.Writer
	entry  io.Writer
	closer func() error
}

// NewNamedZipWriter opens a zip archive on w containing a single deflated
// entry named entryName, which is what subsequent Write calls populate.
func NewNamedZipWriter(w io.Writer, entryName string) (io.WriteCloser, error) {
	zw := zip.NewWriter(w)
	entry, err := zw.Create(entryName)
	if err != nil {
		return nil, fmt.Errorf("create zip entry %q: %w", entryName, err)
	}
	return &zipWriter{zw: zw, entry: entry, closer: zw.Close}, nil
}

func (z *zipWriter) Write(p []byte) (int, error) { return z.entry.Write(p) }
func (z *zipWriter) Close() error                { return z.closer() }

// OpenZipReader opens the first file entry of a zip archive read from ra.
// Zip's central directory lives at the end of the stream, so random access
// (an io.ReaderAt plus size) is required rather than a plain io.Reader.
func OpenZipReader(ra io.ReaderAt, size int64) (io.ReadCloser, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("open zip archive: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("zip archive has no entries")
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry %q: %w", zr.File[0].Name, err)
	}
	return rc, nil
}
