package cdc

import (
	"fmt"

	"github.com/katasec/dstream-sink-mssql/internal/db"
	"github.com/katasec/dstream-sink-mssql/pkg/cdc"
)

// Row is one upsert row projected onto the destination column set
type Row struct {
	Key    any
	Values map[string]any
}

// ChangeSet partitions a deduped batch into the rows to merge and the keys
// to delete. The two sets are disjoint by key because dedup leaves at most
// one event per key.
type ChangeSet struct {
	Upserts    []Row
	DeleteKeys []any
}

// Empty reports whether the batch requires no merge work at all
func (c *ChangeSet) Empty() bool {
	return len(c.Upserts) == 0 && len(c.DeleteKeys) == 0
}

// SchemaMismatchError reports an upsert row missing a value for a NOT NULL
// destination column. It fails the batch without advancing the checkpoint.
type SchemaMismatchError struct {
	Column string
	Key    any
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("required column %q has no value in change event for key %v", e.Column, e.Key)
}

// Classify splits deduped events into upserts and deletes. Upsert rows are
// projected onto the destination schema: event fields outside the column set
// are dropped, absent nullable columns become NULL, and an absent NOT NULL
// column is a SchemaMismatchError. Deletes carry only their key.
func Classify(events []cdc.ChangeEvent, schema []db.Column, primaryKey string) (*ChangeSet, error) {
	set := &ChangeSet{}

	for _, ev := range events {
		if ev.Op == cdc.Delete {
			set.DeleteKeys = append(set.DeleteKeys, ev.Key)
			continue
		}

		values := make(map[string]any, len(schema))
		for _, col := range schema {
			v, ok := ev.Data[col.Name]
			if (!ok || v == nil) && !col.Nullable {
				return nil, &SchemaMismatchError{Column: col.Name, Key: ev.Key}
			}
			if !ok {
				values[col.Name] = nil
				continue
			}
			values[col.Name] = v
		}
		set.Upserts = append(set.Upserts, Row{Key: ev.Key, Values: values})
	}

	return set, nil
}
