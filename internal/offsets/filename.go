package offsets

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// ParseFilename parses the Kafka Connect sink naming convention
// `<topic>+<partition>+<from>+<to>` (with any extension) into a Range.
func ParseFilename(name string) (Range, error) {
	base := filepath.Base(name)
	// Strip all extensions (e.g. ".avro", ".avro.gz") from the to-offset
	// segment only, so dots inside the topic name are kept.
	if plus := strings.LastIndex(base, "+"); plus >= 0 {
		if dot := strings.IndexByte(base[plus:], '.'); dot >= 0 {
			base = base[:plus+dot]
		}
	}

	parts := strings.Split(base, "+")
	if len(parts) != 4 {
		return Range{}, fmt.Errorf("%w: %q", ErrBadFilename, name)
	}

	partition, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return Range{}, fmt.Errorf("%w: bad partition in %q: %v", ErrBadFilename, name, err)
	}
	from, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: bad from-offset in %q: %v", ErrBadFilename, name, err)
	}
	to, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: bad to-offset in %q: %v", ErrBadFilename, name, err)
	}
	if from > to {
		return Range{}, fmt.Errorf("%w: from %d > to %d in %q", ErrBadFilename, from, to, name)
	}

	return Range{
		TopicPartition: TopicPartition{Topic: parts[0], Partition: int32(partition)},
		From:           from,
		To:             to,
	}, nil
}

// FormatFilename is the inverse of ParseFilename, producing the bare
// `<topic>+<partition>+<from>+<to>` stem (without extension).
func FormatFilename(r Range) string {
	return fmt.Sprintf("%s+%d+%d+%d", r.Topic, r.Partition, r.From, r.To)
}
