package merge

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/katasec/dstream-sink-mssql/internal/db"
)

// Guard validates the destination table is provisioned before a batch runs
type Guard struct {
	dbConn *sql.DB
	table  TableIdent
}

// NewGuard initializes a Guard for the destination table
func NewGuard(dbConn *sql.DB, table TableIdent) *Guard {
	return &Guard{dbConn: dbConn, table: table}
}

// EnsureTableExists fails fast with a TableNotFoundError when the
// destination table is absent from the catalog.
func (g *Guard) EnsureTableExists(ctx context.Context) error {
	exists, err := db.TableExists(g.dbConn, g.table.Schema, g.table.Name)
	if err != nil {
		return fmt.Errorf("failed to check existence of %s: %w", g.table, err)
	}
	if !exists {
		return &TableNotFoundError{Table: g.table}
	}
	return nil
}
