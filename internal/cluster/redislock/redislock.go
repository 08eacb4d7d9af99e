package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"routeflow/internal/cluster"
	"routeflow/internal/storage"
)

const keyPrefix = "routeflow:lock:"

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker holds named leases as redis keys whose value is the owner id.
type Locker struct {
	rdb   redis.UniversalClient
	owner string
	ttl   time.Duration
}

var _ cluster.Locker = (*Locker)(nil)

func New(rdb redis.UniversalClient, owner string, ttl time.Duration) *Locker {
	if owner == "" {
		owner = cluster.NewOwnerID()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{rdb: rdb, owner: owner, ttl: ttl}
}

func (l *Locker) Acquire(ctx context.Context, name string) (bool, error) {
	key := keyPrefix + name
	ok, err := l.rdb.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if ok {
		return true, nil
	}
	// reentrant for the current owner
	cur, err := l.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if cur != l.owner {
		return false, nil
	}
	return true, l.Refresh(ctx, name)
}

func (l *Locker) Refresh(ctx context.Context, name string) error {
	return l.run(ctx, refreshScript, "refresh", name, l.owner, l.ttl.Milliseconds())
}

func (l *Locker) Release(ctx context.Context, name string) error {
	return l.run(ctx, releaseScript, "release", name, l.owner)
}

func (l *Locker) run(ctx context.Context, s *redis.Script, op, name string, args ...any) error {
	n, err := s.Run(ctx, l.rdb, []string{keyPrefix + name}, args...).Int64()
	if err != nil {
		return fmt.Errorf("%s lock %s: %w", op, name, err)
	}
	if n == 0 {
		return fmt.Errorf("%s lock %s for %s: %w", op, name, l.owner, storage.ErrLockNotHeld)
	}
	return nil
}
