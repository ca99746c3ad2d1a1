package locking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/google/uuid"

	"github.com/katasec/dstream-sink-mssql/internal/logging"
)

// Lease TTL for the commit lock. A crashed holder's lease expires on its own;
// leases older than twice the TTL are treated as stale and broken.
const defaultLeaseTTL = 60 * time.Second

// BlobLocker serializes merge commits through an Azure blob lease. One lock
// blob exists per destination table; whoever holds its lease owns the commit.
type BlobLocker struct {
	containerName string
	lockName      string
	leaseTTL      time.Duration

	azblobClient    *azblob.Client
	blobLeaseClient *lease.BlobClient
}

// NewBlobLocker ensures the lock blob exists and prepares a lease client
// with a fresh proposed lease ID.
func NewBlobLocker(connectionString, containerName, lockName string) (*BlobLocker, error) {

	// Create azblobClient and create container
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(context.TODO(), containerName, nil)
	if err != nil && !strings.Contains(err.Error(), "ContainerAlreadyExists") {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	// Create block blob client and upload empty blob
	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	_, err = blockblobClient.UploadBuffer(context.TODO(), []byte{}, nil)
	if err != nil && !strings.Contains(err.Error(), "BlobAlreadyExists") && !strings.Contains(err.Error(), "412 There is currently a lease") {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	proposedLeaseID := uuid.NewString()
	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, &lease.BlobClientOptions{LeaseID: &proposedLeaseID})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName: containerName,
		lockName:      lockName,
		leaseTTL:      defaultLeaseTTL,

		azblobClient:    azblobClient,
		blobLeaseClient: blobLeaseClient,
	}, nil
}

// AcquireLock tries to acquire a lease on the lock blob. A lease already
// held by another writer yields an empty lease ID so the caller can back off
// and retry; a stale lease past twice the TTL is broken and re-acquired.
func (bl *BlobLocker) AcquireLock(ctx context.Context) (string, error) {
	logger := logging.GetLogger()

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.leaseTTL.Seconds()), nil)
	if err != nil {
		if !strings.Contains(err.Error(), "There is already a lease present") {
			return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
		}

		// Get the blob's properties to check the age of the existing lease
		blobClient := bl.azblobClient.ServiceClient().NewContainerClient(bl.containerName).NewBlobClient(bl.lockName)
		props, err := blobClient.GetProperties(ctx, nil)
		if err != nil {
			return "", fmt.Errorf("failed to get blob properties for %s: %w", bl.lockName, err)
		}

		lockAge := time.Since(*props.LastModified)
		if lockAge <= 2*bl.leaseTTL {
			logger.Debug("Commit lock held elsewhere", "lock", bl.lockName, "ageSeconds", lockAge.Seconds())
			return "", nil
		}

		logger.Info("Breaking stale commit lock", "lock", bl.lockName, "lastModified", props.LastModified.Format(time.RFC3339))
		_, err = bl.blobLeaseClient.BreakLease(ctx, nil)
		if err != nil {
			return "", fmt.Errorf("failed to break lease for %s: %w", bl.lockName, err)
		}

		// Wait a moment for the lease to be fully broken
		time.Sleep(time.Second)

		resp, err = bl.blobLeaseClient.AcquireLease(ctx, int32(bl.leaseTTL.Seconds()), nil)
		if err != nil {
			return "", fmt.Errorf("failed to acquire lease after breaking for %s: %w", bl.lockName, err)
		}
	}

	logger.Debug("Commit lock acquired", "lock", bl.lockName, "leaseID", *resp.LeaseID)
	return *resp.LeaseID, nil
}

// RenewLock extends the currently held lease
func (bl *BlobLocker) RenewLock(ctx context.Context) error {
	_, err := bl.blobLeaseClient.RenewLease(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to renew lock for blob %s: %w", bl.lockName, err)
	}
	return nil
}

// ReleaseLock releases the lease so the next writer can commit
func (bl *BlobLocker) ReleaseLock(ctx context.Context, leaseID string) error {
	logger := logging.GetLogger()

	_, err := bl.blobLeaseClient.ReleaseLease(ctx, &lease.BlobReleaseOptions{})
	if err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}

	logger.Debug("Commit lock released", "lock", bl.lockName, "leaseID", leaseID)
	return nil
}

// StartLockRenewal renews the held lease at half the TTL until ctx is done
func (bl *BlobLocker) StartLockRenewal(ctx context.Context) {
	logger := logging.GetLogger()

	go func() {
		ticker := time.NewTicker(bl.leaseTTL / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx); err != nil {
					logger.Error("Failed to renew commit lock", "lock", bl.lockName, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// GetBlobLockName returns the lock blob name for a qualified table name
// using the blob locker naming convention.
func GetBlobLockName(qualifiedTable string) string {
	return qualifiedTable + ".lock"
}
