package pglock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"routeflow/internal/cluster"
	"routeflow/internal/storage"
)

// Locker maps named locks onto postgres session advisory locks. A held lock
// pins one pool connection until it is released; losing that session loses
// the lock.
type Locker struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[string]*pgxpool.Conn
}

var _ cluster.Locker = (*Locker)(nil)

func Open(ctx context.Context, dsn string) (*Locker, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

func New(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool, held: make(map[string]*pgxpool.Conn)}
}

func (l *Locker) Acquire(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return true, nil
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.held[name] = conn
	return true, nil
}

func (l *Locker) Refresh(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	conn, ok := l.held[name]
	if !ok {
		return fmt.Errorf("refresh lock %s: %w", name, storage.ErrLockNotHeld)
	}
	if err := conn.Ping(ctx); err != nil {
		delete(l.held, name)
		conn.Release()
		return fmt.Errorf("refresh lock %s: session lost (%v): %w", name, err, storage.ErrLockNotHeld)
	}
	return nil
}

func (l *Locker) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	conn, ok := l.held[name]
	if !ok {
		return fmt.Errorf("release lock %s: %w", name, storage.ErrLockNotHeld)
	}
	delete(l.held, name)
	defer conn.Release()
	var unlocked bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, name).Scan(&unlocked); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	if !unlocked {
		return fmt.Errorf("release lock %s: %w", name, storage.ErrLockNotHeld)
	}
	return nil
}

// Close releases every held lock and closes the pool.
func (l *Locker) Close() {
	l.mu.Lock()
	for name, conn := range l.held {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, name)
		conn.Release()
		delete(l.held, name)
	}
	l.mu.Unlock()
	l.pool.Close()
}
