package raftengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"routeflow/internal/cluster"
	"routeflow/internal/storage"
)

// Locker is a cluster lock backed by the replicated lease table. Only the
// raft leader can hold a lock; followers report it as taken.
type Locker struct {
	e     *Engine
	owner string
	ttl   time.Duration
}

var _ cluster.Locker = (*Locker)(nil)

func NewLocker(e *Engine, owner string, ttl time.Duration) *Locker {
	if owner == "" {
		owner = cluster.NewOwnerID()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{e: e, owner: owner, ttl: ttl}
}

func (l *Locker) Acquire(ctx context.Context, name string) (bool, error) {
	ok, err := l.e.Propose(ctx, LockCommand{Op: OpAcquire, Name: name, Owner: l.owner, TTLNs: l.ttl.Nanoseconds()})
	if errors.Is(err, ErrNotLeader) {
		return false, nil
	}
	return ok, err
}

func (l *Locker) Refresh(ctx context.Context, name string) error {
	return l.expect(ctx, OpRefresh, name)
}

func (l *Locker) Release(ctx context.Context, name string) error {
	return l.expect(ctx, OpRelease, name)
}

func (l *Locker) expect(ctx context.Context, op Op, name string) error {
	ok, err := l.e.Propose(ctx, LockCommand{Op: op, Name: name, Owner: l.owner, TTLNs: l.ttl.Nanoseconds()})
	if errors.Is(err, ErrNotLeader) {
		return fmt.Errorf("%s %s: %w", op, name, storage.ErrLockNotHeld)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", op, name, storage.ErrLockNotHeld)
	}
	return nil
}
