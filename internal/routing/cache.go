package routing

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ttlCache is a get-or-compute cache whose entries expire after ttl. Compute
// runs under the cache mutex so concurrent misses on a key compute once.
type ttlCache[T any] struct {
	mu  sync.Mutex
	c   *gocache.Cache
	ttl time.Duration
}

func newTTLCache[T any](ttl time.Duration) *ttlCache[T] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ttlCache[T]{c: gocache.New(ttl, 2*ttl), ttl: ttl}
}

func (c *ttlCache[T]) GetOrCompute(key string, compute func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.c.Get(key); ok {
		return v.(T), nil
	}
	v, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}
	c.c.Set(key, v, c.ttl)
	return v, nil
}

func (c *ttlCache[T]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c.Flush()
}
