package locking

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-sink-mssql/internal/utils"
)

// LockerFactory creates instances of DistributedLocker based on the configuration
type LockerFactory struct {
	lockType           string
	connectionString   string
	containerName      string
	dbConnectionString string // Destination connection string for server name extraction
}

// NewLockerFactory initializes a new LockerFactory
func NewLockerFactory(lockType, connectionString, containerName, dbConnectionString string) *LockerFactory {
	return &LockerFactory{
		lockType:           lockType,
		connectionString:   connectionString,
		containerName:      containerName,
		dbConnectionString: dbConnectionString,
	}
}

// CreateLocker creates a DistributedLocker scoped to the qualified table name
func (f *LockerFactory) CreateLocker(qualifiedTable string) (DistributedLocker, error) {
	switch f.lockType {
	case "azure_blob":
		return NewBlobLocker(
			f.connectionString,
			f.containerName,
			f.GetLockName(qualifiedTable),
		)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.lockType)
	}
}

// GetLockName returns the lock name for a qualified table name based on the
// locker type. Blob locks are namespaced under the destination server so two
// servers with the same table name never share a lock.
func (f *LockerFactory) GetLockName(qualifiedTable string) string {
	switch f.lockType {
	case "azure_blob":
		if f.dbConnectionString != "" {
			serverName, err := utils.ExtractServerNameFromConnectionString(f.dbConnectionString)
			if err == nil && serverName != "" {
				return strings.ToLower(serverName) + "/" + GetBlobLockName(qualifiedTable)
			}
		}
		// Fall back to the default naming if we can't extract the server name
		return GetBlobLockName(qualifiedTable)
	default:
		return qualifiedTable
	}
}
