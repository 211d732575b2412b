// Package avro is a thin wrapper around the Avro object container file
// reader, translating each wrapped key/value record into the generic
// shape pathfactory and format consume. Avro reader machinery itself is
// an external collaborator; this package only adapts its decoded output.
package avro

import (
	"fmt"
	"io"

	"github.com/hamba/avro/v2/ocf"

	"github.com/dataplatform/restructure/internal/pathfactory"
)

// Reader iterates the records of one Avro container file, each expected to
// be a wrapper record with "key" and "value" sub-records -- the shape the
// upstream Kafka sink writes so every record carries its logical key
// alongside its payload.
type Reader struct {
	dec *ocf.Decoder
}

// NewReader opens an Avro object container file for sequential reading.
// r is consumed as a forward-only stream, so a storage driver's input
// stream can be passed directly.
func NewReader(r io.Reader) (*Reader, error) {
	dec, err := ocf.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("open avro container: %w", err)
	}
	return &Reader{dec: dec}, nil
}

// Next reports whether another record is available. It must be called
// before each Record call, mirroring bufio.Scanner.
func (r *Reader) Next() bool {
	return r.dec.HasNext()
}

// Record decodes the current record into a pathfactory.Record. Returns an
// error if the container's records aren't wrapped in key/value fields.
func (r *Reader) Record() (pathfactory.Record, error) {
	var raw map[string]any
	if err := r.dec.Decode(&raw); err != nil {
		return pathfactory.Record{}, fmt.Errorf("decode avro record: %w", err)
	}

	key, ok := raw["key"].(map[string]any)
	if !ok {
		return pathfactory.Record{}, fmt.Errorf("avro record missing \"key\" wrapper field")
	}
	value, ok := raw["value"].(map[string]any)
	if !ok {
		return pathfactory.Record{}, fmt.Errorf("avro record missing \"value\" wrapper field")
	}
	return pathfactory.Record{Key: key, Value: value}, nil
}

// Err returns the first error encountered while scanning, if any occurred
// after the last successful Next/Record pair.
func (r *Reader) Err() error {
	return r.dec.Error()
}
