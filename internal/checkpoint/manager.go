package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/katasec/dstream-sink-mssql/internal/logging"
)

// Default checkpoint table name
const defaultCheckpointTableName = "cdc_sink_offsets"

// Position records the next offset to consume per stream partition. It is
// the durable marker of the last fully committed batch.
type Position map[int]int64

// Clone returns a copy safe to retain across batches
func (p Position) Clone() Position {
	clone := make(Position, len(p))
	for partition, offset := range p {
		clone[partition] = offset
	}
	return clone
}

// Manager persists stream positions on the destination server so a restarted
// job resumes from the last batch whose merges fully committed.
type Manager struct {
	dbConn          *sql.DB
	sourceName      string
	checkpointTable string
}

// NewManager initializes a new checkpoint Manager
func NewManager(dbConn *sql.DB, sourceName string, checkpointTableName ...string) *Manager {
	// Use provided checkpoint table name if supplied; otherwise, use default
	cpTable := defaultCheckpointTableName
	if len(checkpointTableName) > 0 && checkpointTableName[0] != "" {
		cpTable = checkpointTableName[0]
	}

	return &Manager{
		dbConn:          dbConn,
		sourceName:      sourceName,
		checkpointTable: cpTable,
	}
}

// InitializeCheckpointTable creates the checkpoint table if it does not exist
func (c *Manager) InitializeCheckpointTable() error {
	query := fmt.Sprintf(`
	IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
	BEGIN
		CREATE TABLE %s (
			source_name NVARCHAR(255) PRIMARY KEY,
			position NVARCHAR(MAX),
			updated_at DATETIME DEFAULT GETDATE()
		);
	END`, c.checkpointTable, c.checkpointTable)

	_, err := c.dbConn.Exec(query)
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", c.checkpointTable, err)
	}

	logging.GetLogger().Info("Initialized checkpoints table", "table", c.checkpointTable)
	return nil
}

// Load retrieves the last committed position for the source. A source with
// no checkpoint yet yields an empty Position so the stream starts per the
// configured offset policy.
func (c *Manager) Load() (Position, error) {
	log := logging.GetLogger()

	var encoded string
	query := fmt.Sprintf("SELECT position FROM %s WHERE source_name = @sourceName", c.checkpointTable)
	err := c.dbConn.QueryRow(query, sql.Named("sourceName", c.sourceName)).Scan(&encoded)
	if err == sql.ErrNoRows {
		log.Info("No previous position, starting per configured offset policy", "source", c.sourceName)
		return Position{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load position for %s: %w", c.sourceName, err)
	}

	var pos Position
	if err := json.Unmarshal([]byte(encoded), &pos); err != nil {
		return nil, fmt.Errorf("failed to decode position for %s: %w", c.sourceName, err)
	}

	log.Info("Resuming from last position", "source", c.sourceName, "position", encoded)
	return pos, nil
}

// Save updates the committed position for the source. Callers must only
// invoke this after the batch's merges have all committed.
func (c *Manager) Save(pos Position) error {
	encoded, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to encode position for %s: %w", c.sourceName, err)
	}

	upsertQuery := fmt.Sprintf(`
	MERGE INTO %s AS target
	USING (VALUES (@sourceName, @position, GETDATE())) AS source (source_name, position, updated_at)
	ON target.source_name = source.source_name
	WHEN MATCHED THEN
		UPDATE SET position = source.position, updated_at = source.updated_at
	WHEN NOT MATCHED THEN
		INSERT (source_name, position, updated_at)
		VALUES (source.source_name, source.position, source.updated_at);`, c.checkpointTable)

	_, err = c.dbConn.Exec(
		upsertQuery,
		sql.Named("sourceName", c.sourceName),
		sql.Named("position", string(encoded)),
	)
	if err != nil {
		return fmt.Errorf("failed to save position for %s: %w", c.sourceName, err)
	}

	logging.GetLogger().Info("Saved new position", "source", c.sourceName, "position", string(encoded))
	return nil
}
