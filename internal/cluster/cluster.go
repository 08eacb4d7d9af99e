package cluster

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"routeflow/internal/storage"
)

// LockRoute guards the routing job.
const LockRoute = "ROUTE"

// Locker is a named, cluster wide advisory lock. Acquire does not block: it
// reports false when another owner holds the lock.
type Locker interface {
	Acquire(ctx context.Context, name string) (bool, error)
	Refresh(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
}

// NewOwnerID identifies one process as a lock owner.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "routeflow"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString())
}

// Local is an in-process lock for single instance deployments.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

func (l *Local) Acquire(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return false, nil
	}
	l.held[name] = true
	return true, nil
}

func (l *Local) Refresh(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[name] {
		return fmt.Errorf("refresh %s: %w", name, storage.ErrLockNotHeld)
	}
	return nil
}

func (l *Local) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[name] {
		return fmt.Errorf("release %s: %w", name, storage.ErrLockNotHeld)
	}
	delete(l.held, name)
	return nil
}

// Table is a lease lock kept in a shared database table. A lease that is not
// refreshed within its ttl can be taken over by another owner.
type Table struct {
	store storage.LockStore
	owner string
	ttl   time.Duration
}

func NewTable(store storage.LockStore, owner string, ttl time.Duration) *Table {
	if owner == "" {
		owner = NewOwnerID()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Table{store: store, owner: owner, ttl: ttl}
}

func (t *Table) Owner() string { return t.owner }

func (t *Table) Acquire(ctx context.Context, name string) (bool, error) {
	return t.store.TryLock(ctx, name, t.owner, t.ttl)
}

func (t *Table) Refresh(ctx context.Context, name string) error {
	return t.store.RefreshLock(ctx, name, t.owner, t.ttl)
}

func (t *Table) Release(ctx context.Context, name string) error {
	return t.store.ReleaseLock(ctx, name, t.owner)
}
