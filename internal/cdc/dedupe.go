package cdc

import (
	"github.com/katasec/dstream-sink-mssql/pkg/cdc"
)

// Dedupe collapses a micro-batch to at most one event per key, keeping the
// event with the greatest source timestamp. Events with equal timestamps
// resolve to the one seen last in batch arrival order, so re-delivery of the
// winning event never changes the outcome. Output is in first-seen key order.
func Dedupe(events []cdc.ChangeEvent) []cdc.ChangeEvent {
	if len(events) == 0 {
		return nil
	}

	latest := make(map[any]int, len(events))
	keyOrder := make([]any, 0, len(events))

	for i, ev := range events {
		j, seen := latest[ev.Key]
		if !seen {
			latest[ev.Key] = i
			keyOrder = append(keyOrder, ev.Key)
			continue
		}
		if !ev.Timestamp.Before(events[j].Timestamp) {
			latest[ev.Key] = i
		}
	}

	deduped := make([]cdc.ChangeEvent, 0, len(keyOrder))
	for _, key := range keyOrder {
		deduped = append(deduped, events[latest[key]])
	}
	return deduped
}
