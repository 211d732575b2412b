// Package pathfactory derives a deterministic output path and time bucket
// for a decoded Avro record, the sole mapping between a stream record and
// where it lands in the restructured hierarchy.
package pathfactory

import (
	"fmt"
	"strings"
	"time"
)

// Record is the decoded shape a RestructureWorker hands to the path
// factory: the Avro key and value, flattened to plain Go values. Nested
// schemas are expected to already be flattened by the caller's Avro
// wrapper; the factory only ever looks at top-level fields.
type Record struct {
	Key   map[string]any
	Value map[string]any
}

// ObservationKey is the default partitioning key: project, user and source
// identify the logical stream a record belongs to; TimeBucket groups
// records into hourly output files.
type ObservationKey struct {
	ProjectID  string
	UserID     string
	SourceID   string
	TimeBucket string // yyyyMMdd_HH, UTC
}

// Factory computes output paths. It is immutable and safe for concurrent
// use by multiple workers.
type Factory struct {
	projectField string
	userField    string
	sourceField  string
	timeField    string
}

// Option configures a Factory's field extraction strategy.
type Option func(*Factory)

// WithKeyFields overrides which key fields supply project/user/source.
func WithKeyFields(project, user, source string) Option {
	return func(f *Factory) {
		f.projectField = project
		f.userField = user
		f.sourceField = source
	}
}

// WithTimeField overrides which value field supplies the nanosecond
// timestamp used to compute the time bucket.
func WithTimeField(field string) Option {
	return func(f *Factory) { f.timeField = field }
}

// New builds a Factory using the default ObservationKey strategy:
// projectId/userId/sourceId from the record key, a nanosecond epoch "time"
// field from the record value.
func New(opts ...Option) *Factory {
	f := &Factory{
		projectField: "projectId",
		userField:    "userId",
		sourceField:  "sourceId",
		timeField:    "time",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ObservationKeyFor extracts the ObservationKey from a record without
// computing a full path; used by the cleaner, which only needs to group
// records, not write them.
func (f *Factory) ObservationKeyFor(r Record) (ObservationKey, error) {
	project, err := stringField(r.Key, f.projectField)
	if err != nil {
		return ObservationKey{}, err
	}
	user, err := stringField(r.Key, f.userField)
	if err != nil {
		return ObservationKey{}, err
	}
	source, err := stringField(r.Key, f.sourceField)
	if err != nil {
		return ObservationKey{}, err
	}
	nanos, err := int64Field(r.Value, f.timeField)
	if err != nil {
		return ObservationKey{}, err
	}

	return ObservationKey{
		ProjectID:  project,
		UserID:     user,
		SourceID:   source,
		TimeBucket: bucketFor(nanos),
	}, nil
}

// TimeValue extracts the raw nanosecond epoch value this factory uses to
// compute the time bucket, without re-deriving the bucket string. Used by
// the cleaner, which needs a record's exact timestamp to check against the
// set of timestamps already observed in its expected target.
func (f *Factory) TimeValue(r Record) (int64, error) {
	return int64Field(r.Value, f.timeField)
}

// Path derives (output path, time bucket) for a record at the given topic
// and schema-disambiguation suffix. ext is the combined format+compression
// extension (e.g. "csv.gz"), supplied by the caller since the factory has
// no opinion on format or compression.
func (f *Factory) Path(topic string, r Record, suffix int, ext string) (string, string, error) {
	key, err := f.ObservationKeyFor(r)
	if err != nil {
		return "", "", err
	}

	var sb strings.Builder
	sb.WriteString(topic)
	sb.WriteByte('/')
	sb.WriteString(key.ProjectID)
	sb.WriteByte('/')
	sb.WriteString(key.UserID)
	sb.WriteByte('/')
	sb.WriteString(key.SourceID)
	sb.WriteByte('/')
	sb.WriteString(key.TimeBucket)
	if suffix != 0 {
		fmt.Fprintf(&sb, ".%d", suffix)
	}
	if ext != "" {
		sb.WriteByte('.')
		sb.WriteString(ext)
	}
	return sb.String(), key.TimeBucket, nil
}

func bucketFor(nanos int64) string {
	return time.Unix(0, nanos).UTC().Format("20060102_15")
}

func stringField(m map[string]any, field string) (string, error) {
	v, ok := m[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q is %T, not string", field, v)
	}
	return s, nil
}

func int64Field(m map[string]any, field string) (int64, error) {
	v, ok := m[field]
	if !ok {
		return 0, fmt.Errorf("missing field %q", field)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("field %q is %T, not an integer", field, v)
	}
}
