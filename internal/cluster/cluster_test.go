package cluster_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"routeflow/internal/cluster"
	"routeflow/internal/storage"
	"routeflow/internal/storage/sqlite"
)

func TestLocalIsExclusive(t *testing.T) {
	ctx := context.Background()
	l := cluster.NewLocal()
	if ok, err := l.Acquire(ctx, cluster.LockRoute); err != nil || !ok {
		t.Fatalf("first acquire ok=%v err=%v", ok, err)
	}
	if ok, _ := l.Acquire(ctx, cluster.LockRoute); ok {
		t.Fatalf("second acquire must fail while held")
	}
	if err := l.Refresh(ctx, cluster.LockRoute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := l.Release(ctx, cluster.LockRoute); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx, cluster.LockRoute); !errors.Is(err, storage.ErrLockNotHeld) {
		t.Fatalf("double release: %v", err)
	}
	if ok, _ := l.Acquire(ctx, cluster.LockRoute); !ok {
		t.Fatalf("acquire after release must succeed")
	}
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTableLockOwners(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := cluster.NewTable(store, "node-a", time.Minute)
	b := cluster.NewTable(store, "node-b", time.Minute)

	if ok, err := a.Acquire(ctx, cluster.LockRoute); err != nil || !ok {
		t.Fatalf("a acquire ok=%v err=%v", ok, err)
	}
	if ok, err := a.Acquire(ctx, cluster.LockRoute); err != nil || !ok {
		t.Fatalf("reacquire by owner ok=%v err=%v", ok, err)
	}
	if ok, err := b.Acquire(ctx, cluster.LockRoute); err != nil || ok {
		t.Fatalf("b acquire while held ok=%v err=%v", ok, err)
	}
	if err := b.Refresh(ctx, cluster.LockRoute); !errors.Is(err, storage.ErrLockNotHeld) {
		t.Fatalf("b refresh: %v", err)
	}
	if err := b.Release(ctx, cluster.LockRoute); !errors.Is(err, storage.ErrLockNotHeld) {
		t.Fatalf("b release: %v", err)
	}
	if err := a.Release(ctx, cluster.LockRoute); err != nil {
		t.Fatalf("a release: %v", err)
	}
	if ok, err := b.Acquire(ctx, cluster.LockRoute); err != nil || !ok {
		t.Fatalf("b acquire after release ok=%v err=%v", ok, err)
	}
}

func TestTableLockExpires(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := cluster.NewTable(store, "node-a", 50*time.Millisecond)
	b := cluster.NewTable(store, "node-b", time.Minute)

	if ok, _ := a.Acquire(ctx, cluster.LockRoute); !ok {
		t.Fatalf("a acquire failed")
	}
	time.Sleep(120 * time.Millisecond)
	if ok, err := b.Acquire(ctx, cluster.LockRoute); err != nil || !ok {
		t.Fatalf("takeover of expired lease ok=%v err=%v", ok, err)
	}
	if err := a.Refresh(ctx, cluster.LockRoute); !errors.Is(err, storage.ErrLockNotHeld) {
		t.Fatalf("stale owner refresh: %v", err)
	}
}

func TestOwnerIDsAreUnique(t *testing.T) {
	if cluster.NewOwnerID() == cluster.NewOwnerID() {
		t.Fatalf("owner ids collide")
	}
	if cluster.NewTable(nil, "", 0).Owner() == "" {
		t.Fatalf("table lock needs a generated owner")
	}
}
