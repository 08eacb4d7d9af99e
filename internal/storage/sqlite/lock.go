package sqlite

import (
	"context"
	"fmt"
	"time"

	"routeflow/internal/storage"
)

func (s *Store) TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO cluster_lock(lock_name, owner, lock_time_utc_ns, expires_at_utc_ns) VALUES (?, ?, ?, ?)
ON CONFLICT(lock_name) DO UPDATE SET
	owner=excluded.owner, lock_time_utc_ns=excluded.lock_time_utc_ns, expires_at_utc_ns=excluded.expires_at_utc_ns
WHERE cluster_lock.owner IS NULL OR cluster_lock.owner = excluded.owner OR cluster_lock.expires_at_utc_ns < ?`,
		name, owner, now.UnixNano(), now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) RefreshLock(ctx context.Context, name, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE cluster_lock SET expires_at_utc_ns=? WHERE lock_name=? AND owner=?`,
		s.now().UTC().Add(ttl).UnixNano(), name, owner)
	if err != nil {
		return fmt.Errorf("refresh lock %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("refresh lock %s for %s: %w", name, owner, storage.ErrLockNotHeld)
	}
	return nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, owner string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE cluster_lock SET owner=NULL, expires_at_utc_ns=NULL WHERE lock_name=? AND owner=?`, name, owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("release lock %s for %s: %w", name, owner, storage.ErrLockNotHeld)
	}
	return nil
}
