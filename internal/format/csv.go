package format

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/dataplatform/restructure/internal/pathfactory"
)

type csvFactory struct{}

func (csvFactory) Extension() string { return "csv" }

// csvConverter writes one fixed column set, determined either from a
// pre-existing target's header (when appending) or from the first
// record's value fields (when starting fresh). Any later record whose
// field set doesn't exactly match is rejected as a schema mismatch so the
// caller can retry at a new suffix.
type csvConverter struct {
	cw     *csv.Writer
	fields []string
}

func (csvFactory) ConverterFor(w io.Writer, exampleRecord pathfactory.Record, isNew bool, existingReader io.Reader) (Converter, error) {
	var fields []string
	if existingReader != nil {
		header, err := readCSVHeader(existingReader)
		if err != nil {
			return nil, fmt.Errorf("read existing csv header: %w", err)
		}
		fields = header
	} else {
		fields = sortedKeys(exampleRecord.Value)
	}

	cw := csv.NewWriter(w)
	if isNew {
		if err := cw.Write(fields); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	return &csvConverter{cw: cw, fields: fields}, nil
}

func readCSVHeader(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return header, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *csvConverter) WriteRecord(r pathfactory.Record) (bool, error) {
	if len(r.Value) != len(c.fields) {
		return false, nil
	}
	row := make([]string, len(c.fields))
	for i, f := range c.fields {
		v, ok := r.Value[f]
		if !ok {
			return false, nil
		}
		row[i] = fmt.Sprint(v)
	}
	if err := c.cw.Write(row); err != nil {
		return false, fmt.Errorf("write csv row: %w", err)
	}
	return true, nil
}

func (c *csvConverter) Flush() error {
	c.cw.Flush()
	return c.cw.Error()
}

func (c *csvConverter) Close() error {
	return c.Flush()
}

// Deduplicate reads src as a header + data rows, stable-sorts the rows by
// the concatenation of distinctFields (falling back to every column except
// ignoreFields when distinctFields is empty), then keeps only the first
// row of each run of equal keys, preserving that row's original relative
// order against other surviving rows.
func (csvFactory) Deduplicate(src io.Reader, dst io.Writer, distinctFields, ignoreFields []string) error {
	cr := csv.NewReader(src)
	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}

	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		colIdx[h] = i
	}

	keyCols := distinctFields
	if len(keyCols) == 0 {
		ignore := make(map[string]bool, len(ignoreFields))
		for _, f := range ignoreFields {
			ignore[f] = true
		}
		for _, h := range header {
			if !ignore[h] {
				keyCols = append(keyCols, h)
			}
		}
	}

	type row struct {
		key    string
		fields []string
		order  int
	}
	var rows []row
	for i := 0; ; i++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read csv row %d: %w", i, err)
		}
		var key string
		for _, col := range keyCols {
			idx, ok := colIdx[col]
			if !ok || idx >= len(rec) {
				continue
			}
			key += "\x00" + rec[idx]
		}
		rows = append(rows, row{key: key, fields: rec, order: i})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	cw := csv.NewWriter(dst)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write dedup header: %w", err)
	}
	var lastKey string
	seenAny := false
	kept := make([]row, 0, len(rows))
	for _, r := range rows {
		if seenAny && r.key == lastKey {
			continue
		}
		kept = append(kept, r)
		lastKey = r.key
		seenAny = true
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].order < kept[j].order })
	for _, r := range kept {
		if err := cw.Write(r.fields); err != nil {
			return fmt.Errorf("write dedup row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExtractTimestamps reads src's header to find field's column, then
// parses every row's value in that column as an integer.
func (csvFactory) ExtractTimestamps(src io.Reader, field string) (map[int64]bool, error) {
	cr := csv.NewReader(src)
	header, err := cr.Read()
	if err == io.EOF {
		return map[int64]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	idx := -1
	for i, h := range header {
		if h == field {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrFieldNotPresent
	}

	out := make(map[int64]bool)
	for i := 0; ; i++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", i, err)
		}
		if idx >= len(rec) {
			continue
		}
		v, err := strconv.ParseInt(rec[idx], 10, 64)
		if err != nil {
			continue
		}
		out[v] = true
	}
	return out, nil
}
