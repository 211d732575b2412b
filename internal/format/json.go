package format

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/dataplatform/restructure/internal/pathfactory"
)

type jsonFactory struct{}

func (jsonFactory) Extension() string { return "json" }

// jsonConverter emits newline-delimited JSON objects. JSON has no fixed
// column set, so every record is accepted regardless of its field shape.
type jsonConverter struct {
	enc *json.Encoder
}

func (jsonFactory) ConverterFor(w io.Writer, _ pathfactory.Record, _ bool, _ io.Reader) (Converter, error) {
	return &jsonConverter{enc: json.NewEncoder(w)}, nil
}

func (c *jsonConverter) WriteRecord(r pathfactory.Record) (bool, error) {
	if err := c.enc.Encode(r.Value); err != nil {
		return false, fmt.Errorf("encode json record: %w", err)
	}
	return true, nil
}

func (c *jsonConverter) Flush() error { return nil }
func (c *jsonConverter) Close() error { return nil }

// Deduplicate reads src as NDJSON, stable-sorts by the JSON-encoded value
// of distinctFields (or the whole object, minus ignoreFields, when
// distinctFields is empty), then keeps the first occurrence of each key.
func (jsonFactory) Deduplicate(src io.Reader, dst io.Writer, distinctFields, ignoreFields []string) error {
	ignore := make(map[string]bool, len(ignoreFields))
	for _, f := range ignoreFields {
		ignore[f] = true
	}

	type row struct {
		key   string
		value map[string]any
		order int
	}

	var rows []row
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for i := 0; sc.Scan(); i++ {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			return fmt.Errorf("parse json line %d: %w", i, err)
		}
		rows = append(rows, row{key: dedupeKey(obj, distinctFields, ignore), value: obj, order: i})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan ndjson: %w", err)
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	var kept []row
	var lastKey string
	seenAny := false
	for _, r := range rows {
		if seenAny && r.key == lastKey {
			continue
		}
		kept = append(kept, r)
		lastKey = r.key
		seenAny = true
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].order < kept[j].order })

	enc := json.NewEncoder(dst)
	for _, r := range kept {
		if err := enc.Encode(r.value); err != nil {
			return fmt.Errorf("write dedup json row: %w", err)
		}
	}
	return nil
}

// ExtractTimestamps reads src as NDJSON and parses field's value from each
// line as an integer, decoding with json.Number so large nanosecond epoch
// values survive without float64 precision loss.
func (jsonFactory) ExtractTimestamps(src io.Reader, field string) (map[int64]bool, error) {
	out := make(map[int64]bool)
	found := false

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for i := 0; sc.Scan(); i++ {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("parse json line %d: %w", i, err)
		}
		raw, ok := obj[field]
		if !ok {
			continue
		}
		found = true
		num, ok := raw.(json.Number)
		if !ok {
			continue
		}
		v, err := num.Int64()
		if err != nil {
			continue
		}
		out[v] = true
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ndjson: %w", err)
	}
	if !found {
		return nil, ErrFieldNotPresent
	}
	return out, nil
}

func dedupeKey(obj map[string]any, distinctFields []string, ignore map[string]bool) string {
	fields := distinctFields
	if len(fields) == 0 {
		fields = make([]string, 0, len(obj))
		for k := range obj {
			if !ignore[k] {
				fields = append(fields, k)
			}
		}
		sort.Strings(fields)
	}
	key := make(map[string]any, len(fields))
	for _, f := range fields {
		key[f] = obj[f]
	}
	b, _ := json.Marshal(key)
	return string(b)
}
