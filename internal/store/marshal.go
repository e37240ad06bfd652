package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/pxarchive/internal/artwork"
)

// marshalRecord serializes the record blob. Ordinal and existence are also
// stored as columns; the columns win on read.
func marshalRecord(rec artwork.Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	return string(data), nil
}

func unmarshalRecord(blob string, ordinal int64, existence bool) (artwork.Record, error) {
	var rec artwork.Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return artwork.Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	rec.Ordinal = ordinal
	rec.Existence = existence
	return rec, nil
}
