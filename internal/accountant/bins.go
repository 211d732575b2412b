package accountant

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// BinKey identifies an hourly operational counter bucket.
type BinKey struct {
	Topic      string
	Category   string
	TimeBucket string // yyyyMMdd_HH, matching pathfactory's bucket format
}

// bins is the in-memory counter map, keyed by BinKey.
type bins map[BinKey]int64

func newBins() bins {
	return make(bins)
}

func (b bins) add(k BinKey, delta int64) {
	b[k] += delta
}

func (b bins) clone() bins {
	out := make(bins, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// writeCSV serialises bins as `topic,device,category,time,count` rows. The
// "device" column is carried from the original wire format but this
// restructurer has no per-device dimension, so it is always empty.
func (b bins) writeCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"topic", "device", "category", "time", "count"}); err != nil {
		return fmt.Errorf("write bins header: %w", err)
	}
	for k, count := range b {
		row := []string{k.Topic, "", k.Category, k.TimeBucket, strconv.FormatInt(count, 10)}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write bins row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func readBinsCSV(r io.Reader) (bins, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 5

	header, err := cr.Read()
	if err == io.EOF {
		return newBins(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bins header: %w", err)
	}
	if len(header) != 5 || header[0] != "topic" {
		return nil, fmt.Errorf("unexpected bins header: %v", header)
	}

	b := newBins()
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bins row: %w", err)
		}
		count, err := strconv.ParseInt(rec[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse bin count %q: %w", rec[4], err)
		}
		k := BinKey{Topic: rec[0], Category: rec[2], TimeBucket: rec[3]}
		b.add(k, count)
	}
	return b, nil
}
