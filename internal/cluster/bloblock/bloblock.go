package bloblock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/google/uuid"

	"routeflow/internal/cluster"
	"routeflow/internal/storage"
)

// Locker holds named locks as leases on empty blobs, one blob per lock
// name. The lease id is fixed per Locker so a repeated Acquire by the same
// process renews instead of failing.
type Locker struct {
	client    *azblob.Client
	container string
	leaseID   string
	seconds   int32

	mu     sync.Mutex
	leases map[string]*lease.BlobClient
}

var _ cluster.Locker = (*Locker)(nil)

func New(ctx context.Context, connectionString, container string, ttl time.Duration) (*Locker, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	_, err = client.CreateContainer(ctx, container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("create container %s: %w", container, err)
	}
	return &Locker{
		client:    client,
		container: container,
		leaseID:   uuid.NewString(),
		seconds:   leaseSeconds(ttl),
		leases:    make(map[string]*lease.BlobClient),
	}, nil
}

// leaseSeconds clamps ttl to the lease durations blob storage accepts.
func leaseSeconds(ttl time.Duration) int32 {
	s := int32(ttl / time.Second)
	switch {
	case s < 15:
		return 15
	case s > 60:
		return 60
	default:
		return s
	}
}

func blobName(lockName string) string {
	return lockName + ".lock"
}

func (l *Locker) leaseFor(ctx context.Context, name string) (*lease.BlobClient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lc, ok := l.leases[name]; ok {
		return lc, nil
	}
	bb := l.client.ServiceClient().NewContainerClient(l.container).NewBlockBlobClient(blobName(name))
	_, err := bb.UploadBuffer(ctx, []byte{}, &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet, bloberror.LeaseIDMissing) {
		return nil, fmt.Errorf("ensure lock blob %s: %w", name, err)
	}
	lc, err := lease.NewBlobClient(bb, &lease.BlobClientOptions{LeaseID: to.Ptr(l.leaseID)})
	if err != nil {
		return nil, fmt.Errorf("lease client %s: %w", name, err)
	}
	l.leases[name] = lc
	return lc, nil
}

func (l *Locker) Acquire(ctx context.Context, name string) (bool, error) {
	lc, err := l.leaseFor(ctx, name)
	if err != nil {
		return false, err
	}
	_, err = lc.AcquireLease(ctx, l.seconds, nil)
	if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return true, nil
}

func (l *Locker) Refresh(ctx context.Context, name string) error {
	lc, err := l.leaseFor(ctx, name)
	if err != nil {
		return err
	}
	_, err = lc.RenewLease(ctx, nil)
	return l.leaseErr("refresh", name, err)
}

func (l *Locker) Release(ctx context.Context, name string) error {
	lc, err := l.leaseFor(ctx, name)
	if err != nil {
		return err
	}
	_, err = lc.ReleaseLease(ctx, nil)
	return l.leaseErr("release", name, err)
}

func (l *Locker) leaseErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if bloberror.HasCode(err,
		bloberror.LeaseIDMismatchWithLeaseOperation,
		bloberror.LeaseNotPresentWithLeaseOperation,
		bloberror.LeaseIsBrokenAndCannotBeRenewed,
		bloberror.LeaseLost,
	) {
		return fmt.Errorf("%s lock %s: %w", op, name, storage.ErrLockNotHeld)
	}
	return fmt.Errorf("%s lock %s: %w", op, name, err)
}
