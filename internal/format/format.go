// Package format implements the RecordConverter contract: turning decoded
// records into serialised bytes on an output writer, and deduplicating a
// staged output file in place before it is published.
package format

import (
	"errors"
	"fmt"
	"io"

	"github.com/dataplatform/restructure/internal/pathfactory"
)

// ErrFieldNotPresent is returned by ExtractTimestamps when field is not
// part of a file's schema (e.g. not a CSV header column), letting the
// cleaner retry verification at the next suffix exactly as
// FileCacheStore.Write retries writes on schema mismatch.
var ErrFieldNotPresent = errors.New("format: field not present in this file's schema")

// Converter writes decoded records to an underlying writer in one wire
// format, reporting schema incompatibility rather than erroring so a
// FileCacheStore can retry the record at a fresh suffix.
type Converter interface {
	// WriteRecord serialises record. It returns false if record's schema is
	// incompatible with the converter's established shape (e.g. a CSV
	// header already fixed to a different field set); the caller should
	// retry at the next suffix rather than treat this as a write error.
	WriteRecord(record pathfactory.Record) (bool, error)

	// Flush pushes any buffered bytes to the underlying writer without
	// closing it.
	Flush() error

	// Close finalises the format (if the format needs a footer) and closes
	// the converter's buffering, but not the underlying writer.
	Close() error
}

// Factory builds a Converter for one staged output file.
type Factory interface {
	// ConverterFor constructs a Converter writing to w. exampleRecord seeds
	// field-set detection for formats with a fixed schema (CSV); isNew
	// indicates the staged file started empty, in which case a header (or
	// format preamble) should be emitted. existingReader, when non-nil,
	// holds the decompressed bytes of a pre-existing target being appended
	// to, so the converter can validate the new records are compatible
	// with what is already there.
	ConverterFor(w io.Writer, exampleRecord pathfactory.Record, isNew bool, existingReader io.Reader) (Converter, error)

	// Extension is the bare format extension ("csv" or "json"), combined
	// by the caller with the compression codec's extension.
	Extension() string

	// Deduplicate rewrites src into dst, keeping only the first occurrence
	// of each distinct combination of distinctFields (ignoring
	// ignoreFields entirely when comparing). Used by FileCache.close when
	// deduplication is enabled.
	Deduplicate(src io.Reader, dst io.Writer, distinctFields, ignoreFields []string) error

	// ExtractTimestamps reads every record in src and returns the integer
	// value of field for each, as a presence set. Used by the cleaner to
	// check record presence in a published target without replaying full
	// record shapes. Returns ErrFieldNotPresent if field isn't part of
	// src's schema.
	ExtractTimestamps(src io.Reader, field string) (map[int64]bool, error)
}

// ByName resolves a configured format name to its Factory.
func ByName(name string) (Factory, error) {
	switch name {
	case "csv":
		return csvFactory{}, nil
	case "json":
		return jsonFactory{}, nil
	default:
		return nil, fmt.Errorf("unknown format %q", name)
	}
}
