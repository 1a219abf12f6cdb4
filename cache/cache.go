package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

type cacheItem[V any] struct {
	value     V
	expiresAt int64 // UnixNano, 0 means no expiration
}

func (item *cacheItem[V]) IsExpired() bool {
	if item.expiresAt == 0 {
		return false
	}
	return time.Now().UnixNano() > item.expiresAt
}

// Cache is a thread-safe, generic cache with TTL support. Without a TTL an
// entry lives as long as the cache.
type Cache[K comparable, V any] struct {
	store         sync.Map
	defaultTTL    time.Duration
	janitorOnce   sync.Once
	janitorTicker *time.Ticker
	stopJanitorCh chan struct{}
	itemCount     atomic.Int64

	// computeMu serialises GetOrCompute so that a value is computed once.
	computeMu sync.Mutex
}

type Option[K comparable, V any] func(*Cache[K, V])

// WithDefaultTTL sets the TTL used by Set.
func WithDefaultTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.defaultTTL = ttl
	}
}

// WithJanitorInterval sets how often expired items are swept. The janitor
// starts with the first item stored with a TTL.
func WithJanitorInterval[K comparable, V any](interval time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) {
		if interval > 0 {
			c.janitorTicker = time.NewTicker(interval)
			c.stopJanitorCh = make(chan struct{})
		}
	}
}

func NewCache[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		janitorTicker: time.NewTicker(5 * time.Minute),
		stopJanitorCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache[K, V]) startJanitor() {
	c.janitorOnce.Do(func() {
		go func() {
			for {
				select {
				case <-c.janitorTicker.C:
					c.DeleteExpired()
				case <-c.stopJanitorCh:
					c.janitorTicker.Stop()
					return
				}
			}
		}()
	})
}

func (c *Cache[K, V]) Set(k K, v V) {
	c.SetWithTTL(k, v, c.defaultTTL)
}

// SetWithTTL stores v for ttl. Zero never expires, a negative ttl removes
// the key.
func (c *Cache[K, V]) SetWithTTL(k K, v V, ttl time.Duration) {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
		c.startJanitor()
	} else if ttl < 0 {
		c.Delete(k)
		return
	}

	item := &cacheItem[V]{value: v, expiresAt: expiresAt}
	if _, loaded := c.store.Swap(k, item); !loaded {
		c.itemCount.Add(1)
	}
}

// Get returns the value and true if the key exists and has not expired.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	var zeroV V
	loaded, ok := c.store.Load(k)
	if !ok {
		return zeroV, false
	}
	item := loaded.(*cacheItem[V])
	if item.IsExpired() {
		c.Delete(k)
		return zeroV, false
	}
	return item.value, true
}

// GetOrSet returns the existing value, or stores v. loaded reports which.
func (c *Cache[K, V]) GetOrSet(k K, v V) (V, bool) {
	if existing, found := c.Get(k); found {
		return existing, true
	}
	c.Set(k, v)
	return v, false
}

// GetOrCompute returns the cached value or stores the result of compute.
// A failed compute stores nothing. Concurrent callers for a missing key
// wait for the first one instead of computing again.
func (c *Cache[K, V]) GetOrCompute(k K, compute func() (V, error)) (V, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	c.computeMu.Lock()
	defer c.computeMu.Unlock()
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return v, err
	}
	c.Set(k, v)
	return v, nil
}

func (c *Cache[K, V]) Delete(k K) {
	if _, loaded := c.store.LoadAndDelete(k); loaded {
		c.itemCount.Add(-1)
	}
}

// DeleteExpired sweeps expired items. The janitor calls it periodically.
func (c *Cache[K, V]) DeleteExpired() {
	c.store.Range(func(key, value any) bool {
		if value.(*cacheItem[V]).IsExpired() {
			c.Delete(key.(K))
		}
		return true
	})
}

// Range calls f for every unexpired item until f returns false. The order
// is unspecified.
func (c *Cache[K, V]) Range(f func(key K, value V) bool) {
	c.store.Range(func(key, value any) bool {
		item := value.(*cacheItem[V])
		if item.IsExpired() {
			return true
		}
		return f(key.(K), item.value)
	})
}

// Clean removes all items.
func (c *Cache[K, V]) Clean() {
	c.store.Range(func(key, _ any) bool {
		c.Delete(key.(K))
		return true
	})
}

// Len counts expired items that have not been swept yet.
func (c *Cache[K, V]) Len() int64 {
	return c.itemCount.Load()
}

// Close stops the janitor.
func (c *Cache[K, V]) Close() {
	select {
	case c.stopJanitorCh <- struct{}{}:
	default:
	}
}
