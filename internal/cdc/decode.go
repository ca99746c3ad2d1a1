package cdc

import (
	"fmt"

	"github.com/katasec/dstream-sink-mssql/internal/stream"
	"github.com/katasec/dstream-sink-mssql/pkg/cdc"
)

// DecodeBatch decodes every raw record of a micro-batch into a ChangeEvent,
// preserving batch arrival order. A single malformed record fails the whole
// batch so the checkpoint never advances past bad data.
func DecodeBatch(records []stream.Record, primaryKey string) ([]cdc.ChangeEvent, error) {
	events := make([]cdc.ChangeEvent, 0, len(records))
	for _, rec := range records {
		ev, err := cdc.DecodeChangeEvent(rec.Value, primaryKey)
		if err != nil {
			return nil, fmt.Errorf("record at %s[%d]@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
