package merge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/katasec/dstream-sink-mssql/internal/cdc"
	"github.com/katasec/dstream-sink-mssql/internal/cdc/utils"
	"github.com/katasec/dstream-sink-mssql/internal/db"
	"github.com/katasec/dstream-sink-mssql/internal/locking"
	"github.com/katasec/dstream-sink-mssql/internal/logging"
)

const (
	lockRetryInterval    = 1 * time.Second
	lockRetryMaxInterval = 30 * time.Second
)

// Executor applies classified change sets to the destination table. Each
// apply call runs one MERGE statement in one transaction while holding the
// table's commit lock; the lock is released on every exit path.
type Executor struct {
	dbConn     *sql.DB
	table      TableIdent
	primaryKey string
	columns    []db.Column
	locker     locking.DistributedLocker
}

// NewExecutor initializes an Executor bound to one destination table
func NewExecutor(dbConn *sql.DB, table TableIdent, primaryKey string, columns []db.Column, locker locking.DistributedLocker) *Executor {
	return &Executor{
		dbConn:     dbConn,
		table:      table,
		primaryKey: primaryKey,
		columns:    columns,
		locker:     locker,
	}
}

// ApplyUpserts merges rows into the destination table: rows present by key
// have every column replaced with the incoming values, rows absent by key
// are inserted. An empty set returns without touching the lock or the store.
func (e *Executor) ApplyUpserts(ctx context.Context, rows []cdc.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	query, args := e.buildUpsertMerge(rows)
	return e.applyLocked(ctx, "upsert", query, args, len(rows))
}

// ApplyDeletes removes the rows whose key appears in keys. Keys with no
// matching row are a silent no-op. An empty set returns without touching
// the lock or the store.
func (e *Executor) ApplyDeletes(ctx context.Context, keys []any) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	query, args := e.buildDeleteMerge(keys)
	return e.applyLocked(ctx, "delete", query, args, len(keys))
}

// applyLocked runs one merge under the commit lock. Lock acquisition blocks
// with backoff while another writer holds the lease; the merge itself is not
// retried here, failures surface to the runner.
func (e *Executor) applyLocked(ctx context.Context, kind, query string, args []any, size int) (int64, error) {
	log := logging.GetLogger()

	leaseID, err := e.acquireCommitLock(ctx)
	if err != nil {
		return 0, &MergeError{Table: e.table, Kind: kind, Err: err}
	}
	defer func() {
		// Release with a fresh context so a cancelled batch still unlocks
		if relErr := e.locker.ReleaseLock(context.Background(), leaseID); relErr != nil {
			log.Error("Failed to release commit lock", "table", e.table.String(), "error", relErr)
		}
	}()

	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	e.locker.StartLockRenewal(renewCtx)

	affected, err := e.execMerge(ctx, query, args)
	if err != nil {
		log.Error("Merge transaction failed", "table", e.table.String(), "kind", kind, "rows", size, "error", err)
		return 0, &MergeError{Table: e.table, Kind: kind, Err: err}
	}

	log.Info("Merge applied", "table", e.table.String(), "kind", kind, "rows", size, "affected", affected)
	return affected, nil
}

func (e *Executor) acquireCommitLock(ctx context.Context) (string, error) {
	backoff := utils.NewBackoffManager(lockRetryInterval, lockRetryMaxInterval)
	for {
		leaseID, err := e.locker.AcquireLock(ctx)
		if err != nil {
			return "", err
		}
		if leaseID != "" {
			return leaseID, nil
		}

		// Held by another writer; wait and retry
		if err := backoff.Wait(ctx); err != nil {
			return "", err
		}
		backoff.IncreaseInterval()
	}
}

func (e *Executor) execMerge(ctx context.Context, query string, args []any) (int64, error) {
	tx, err := e.dbConn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	affected, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return affected, nil
}

// buildUpsertMerge builds a single MERGE with one VALUES row per upsert,
// replacing all columns of matched rows and inserting unmatched ones.
func (e *Executor) buildUpsertMerge(rows []cdc.Row) (string, []any) {
	quoted := make([]string, len(e.columns))
	srcRefs := make([]string, len(e.columns))
	var setList []string
	for i, col := range e.columns {
		quoted[i] = "[" + col.Name + "]"
		srcRefs[i] = "source.[" + col.Name + "]"
		if col.Name != e.primaryKey {
			setList = append(setList, fmt.Sprintf("[%s] = source.[%s]", col.Name, col.Name))
		}
	}

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*len(e.columns))
	n := 1
	for _, row := range rows {
		placeholders := make([]string, len(e.columns))
		for i, col := range e.columns {
			placeholders[i] = fmt.Sprintf("@p%d", n)
			args = append(args, row.Values[col.Name])
			n++
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
	}

	// A key-only table has nothing to update on match
	matchedClause := ""
	if len(setList) > 0 {
		matchedClause = fmt.Sprintf("\n\tWHEN MATCHED THEN\n\t\tUPDATE SET %s", strings.Join(setList, ", "))
	}

	query := fmt.Sprintf(`
	MERGE INTO %s WITH (HOLDLOCK) AS target
	USING (VALUES %s) AS source (%s)
	ON target.[%s] = source.[%s]%s
	WHEN NOT MATCHED THEN
		INSERT (%s)
		VALUES (%s);`,
		e.table.Qualified(),
		strings.Join(values, ", "),
		strings.Join(quoted, ", "),
		e.primaryKey, e.primaryKey,
		matchedClause,
		strings.Join(quoted, ", "),
		strings.Join(srcRefs, ", "),
	)
	return query, args
}

// buildDeleteMerge builds a single MERGE that deletes matched keys; keys
// with no matching row fall through without effect.
func (e *Executor) buildDeleteMerge(keys []any) (string, []any) {
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		placeholders[i] = fmt.Sprintf("(@p%d)", i+1)
		args[i] = key
	}

	query := fmt.Sprintf(`
	MERGE INTO %s WITH (HOLDLOCK) AS target
	USING (VALUES %s) AS source ([%s])
	ON target.[%s] = source.[%s]
	WHEN MATCHED THEN
		DELETE;`,
		e.table.Qualified(),
		strings.Join(placeholders, ", "),
		e.primaryKey,
		e.primaryKey, e.primaryKey,
	)
	return query, args
}
