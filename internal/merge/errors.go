package merge

import (
	"fmt"
)

// TableIdent identifies the destination table
type TableIdent struct {
	Database string
	Schema   string
	Name     string
}

// Qualified returns the bracket-quoted three-part table name for SQL text
func (t TableIdent) Qualified() string {
	return fmt.Sprintf("[%s].[%s].[%s]", t.Database, t.Schema, t.Name)
}

func (t TableIdent) String() string {
	return fmt.Sprintf("%s.%s.%s", t.Database, t.Schema, t.Name)
}

// TableNotFoundError means the destination table is not provisioned. It is
// fatal: the runner aborts rather than accumulate unmergeable batches.
type TableNotFoundError struct {
	Table TableIdent
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("table %s does not exist", e.Table)
}

// MergeError wraps a failed merge transaction with its table and kind. The
// batch fails without advancing the checkpoint and is retried by the runner.
type MergeError struct {
	Table TableIdent
	Kind  string // "upsert" or "delete"
	Err   error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("%s merge into %s failed: %v", e.Kind, e.Table, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}
