// distributed_locker.go
package locking

import (
	"context"
)

// DistributedLocker defines an interface for a distributed locking mechanism
// guarding merge commits against a single destination table. A locker is
// bound to one lock name at construction time.
type DistributedLocker interface {
	// AcquireLock tries to acquire the lock and returns a lease ID if successful.
	// An empty lease ID with a nil error means the lock is held elsewhere.
	AcquireLock(ctx context.Context) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID.
	ReleaseLock(ctx context.Context, leaseID string) error

	// RenewLock extends the currently held lease.
	RenewLock(ctx context.Context) error

	// StartLockRenewal starts a background process to renew the lock
	// periodically until ctx is done.
	StartLockRenewal(ctx context.Context)
}
