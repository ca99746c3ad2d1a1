package db

import (
	"database/sql"
)

// Column describes one destination table column. Nullable drives whether a
// change event may omit the column.
type Column struct {
	Name     string
	Nullable bool
}

// TableExists reports whether the table is present in the destination schema
func TableExists(db *sql.DB, schema, tableName string) (bool, error) {
	query := `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @tableName`
	var count int
	err := db.QueryRow(query, sql.Named("schema", schema), sql.Named("tableName", tableName)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetTableSchema fetches the destination table's column set in ordinal order
func GetTableSchema(db *sql.DB, schema, tableName string) ([]Column, error) {
	query := `SELECT COLUMN_NAME, IS_NULLABLE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @tableName ORDER BY ORDINAL_POSITION`
	rows, err := db.Query(query, sql.Named("schema", schema), sql.Named("tableName", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var name, nullable string
		if err := rows.Scan(&name, &nullable); err != nil {
			return nil, err
		}
		columns = append(columns, Column{Name: name, Nullable: nullable == "YES"})
	}
	return columns, rows.Err()
}
