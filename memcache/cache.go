// Package memcache provides an in-process LRU cache with count, cost and age
// limits. Evicted values are handed to a serial release worker so user
// release hooks never run under the cache lock, and trims deliberately yield
// to readers instead of holding the lock for a whole eviction pass.
package memcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// trimRetryDelay is how long a trim loop sleeps after losing a try-lock race.
const trimRetryDelay = 10 * time.Millisecond

// Cache is a thread-safe LRU cache over typed keys and values.
//
// All state mutations happen under one mutex. Lookups never fail and writes
// never fail; a full cache evicts from the tail to make room.
type Cache[K comparable, V any] struct {
	name             string
	countLimit       int
	costLimit        int
	ageLimit         time.Duration
	autoTrimInterval time.Duration

	releaseAsync  bool
	releaseOnMain bool
	mainExec      func(func())
	onRelease     func(K, V)

	removeAllOnMemoryPressure bool
	removeAllOnBackground     bool
	onMemoryPressure          func()
	onBackground              func()

	log *logrus.Entry

	mu  sync.Mutex
	lru *lruIndex[K, V]

	releasec    chan func()
	trimc       chan struct{}
	stop        chan struct{}
	closeOnce   sync.Once
	unsubscribe func()
}

// New instantiates a ready-to-use cache. A nil cfg is equivalent to
// DefaultConfig.
func New[K comparable, V any](cfg *Config[K, V]) *Cache[K, V] {
	if cfg == nil {
		cfg = DefaultConfig[K, V]()
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	name := cfg.Name
	if name == "" {
		name = "memcache"
	}
	c := &Cache[K, V]{
		name:                      name,
		countLimit:                cfg.CountLimit,
		costLimit:                 cfg.CostLimit,
		ageLimit:                  cfg.AgeLimit,
		autoTrimInterval:          cfg.AutoTrimInterval,
		releaseAsync:              cfg.ReleaseAsynchronously,
		releaseOnMain:             cfg.ReleaseOnMainThread,
		mainExec:                  cfg.MainExecutor,
		onRelease:                 cfg.OnRelease,
		removeAllOnMemoryPressure: cfg.RemoveAllOnMemoryPressure,
		removeAllOnBackground:     cfg.RemoveAllOnBackground,
		onMemoryPressure:          cfg.OnMemoryPressure,
		onBackground:              cfg.OnBackground,
		log:                       log.WithField("cache", name),
		lru:                       newLRUIndex[K, V](),
		releasec:                  make(chan func(), 16),
		trimc:                     make(chan struct{}, 1),
		stop:                      make(chan struct{}),
	}
	if cfg.Notifier != nil {
		c.unsubscribe = cfg.Notifier.Subscribe(c.handleSignal)
	}
	go c.releaseWorker()
	go c.trimWorker()
	if c.autoTrimInterval > 0 {
		go c.autoTrimLoop()
	}
	return c
}

// Contains reports whether key is cached, without touching recency order.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	_, ok := c.lru.get(key)
	c.mu.Unlock()
	return ok
}

// Get returns the value for key and promotes it to most-recently-used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	node, ok := c.lru.get(key)
	if !ok {
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	node.Data.time = time.Now()
	c.lru.bringToHead(node)
	v := node.Data.value
	c.mu.Unlock()
	return v, true
}

// Set inserts or replaces the value for key. cost is the caller-supplied
// weight summed against CostLimit; pass 0 when cost limiting is unused.
//
// Exceeding CostLimit schedules an asynchronous cost trim; exceeding
// CountLimit evicts one tail entry before returning.
func (c *Cache[K, V]) Set(key K, value V, cost int) {
	now := time.Now()
	var evicted []entry[K, V]

	c.mu.Lock()
	if node, ok := c.lru.get(key); ok {
		// Adjust the cost sum by the delta so it stays equal to the
		// sum of entry costs.
		c.lru.totalCost += cost - node.Data.cost
		node.Data.value = value
		node.Data.cost = cost
		node.Data.time = now
		c.lru.bringToHead(node)
	} else {
		c.lru.insertAtHead(entry[K, V]{key: key, value: value, cost: cost, time: now})
	}
	scheduleCostTrim := c.costLimit > 0 && c.lru.totalCost > c.costLimit
	if c.countLimit > 0 && c.lru.totalCount > c.countLimit {
		if n, ok := c.lru.removeTail(); ok {
			evicted = append(evicted, n.Data)
		}
	}
	c.mu.Unlock()

	if scheduleCostTrim {
		select {
		case c.trimc <- struct{}{}:
		default:
		}
	}
	c.release(evicted)
}

// SetValue is Set with zero cost.
func (c *Cache[K, V]) SetValue(key K, value V) {
	c.Set(key, value, 0)
}

// Remove evicts key, if present.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	node, ok := c.lru.get(key)
	if ok {
		c.lru.remove(node)
	}
	c.mu.Unlock()
	if ok {
		c.release([]entry[K, V]{node.Data})
	}
}

// RemoveAll evicts every entry. The old index map is destroyed on the
// release worker, not on the caller.
func (c *Cache[K, V]) RemoveAll() {
	c.mu.Lock()
	old := c.lru.removeAll()
	c.mu.Unlock()
	c.releaseMap(old)
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	n := c.lru.totalCount
	c.mu.Unlock()
	return n
}

// Cost returns the sum of entry costs.
func (c *Cache[K, V]) Cost() int {
	c.mu.Lock()
	n := c.lru.totalCost
	c.mu.Unlock()
	return n
}

// Name returns the configured diagnostics name.
func (c *Cache[K, V]) Name() string {
	return c.name
}

func (c *Cache[K, V]) String() string {
	c.mu.Lock()
	count, cost := c.lru.totalCount, c.lru.totalCost
	c.mu.Unlock()
	return fmt.Sprintf("memcache.Cache(%s: count=%d cost=%d)", c.name, count, cost)
}

// Close stops the background workers and detaches the signal subscription.
// Cached entries are not released; callers wanting release hooks to run
// should RemoveAll first.
func (c *Cache[K, V]) Close() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		close(c.stop)
	})
}

// TrimToCount evicts tail entries until at most limit remain. limit <= 0
// clears the cache.
func (c *Cache[K, V]) TrimToCount(limit int) {
	if limit <= 0 {
		c.RemoveAll()
		return
	}
	c.trim(func(l *lruIndex[K, V]) bool {
		return l.totalCount > limit
	})
}

// TrimToCost evicts tail entries until the cost sum is at most limit.
// limit <= 0 clears the cache.
func (c *Cache[K, V]) TrimToCost(limit int) {
	if limit <= 0 {
		c.RemoveAll()
		return
	}
	c.trim(func(l *lruIndex[K, V]) bool {
		return l.totalCost > limit
	})
}

// TrimToAge evicts tail entries whose last touch is older than age.
// age <= 0 clears the cache.
func (c *Cache[K, V]) TrimToAge(age time.Duration) {
	if age <= 0 {
		c.RemoveAll()
		return
	}
	c.trim(func(l *lruIndex[K, V]) bool {
		tail := l.list.Tail()
		if tail == nil {
			return false
		}
		return time.Since(tail.Data.time) > age
	})
}

// trim evicts one tail entry per lock acquisition while over reports the
// index is still past its limit. The lock is never held across a release
// hook, and a lost try-lock race backs off briefly so long evictions yield
// to readers.
func (c *Cache[K, V]) trim(over func(*lruIndex[K, V]) bool) {
	c.mu.Lock()
	within := !over(c.lru)
	c.mu.Unlock()
	if within {
		return
	}

	var holder []entry[K, V]
	for !within {
		if c.mu.TryLock() {
			if over(c.lru) {
				if n, ok := c.lru.removeTail(); ok {
					holder = append(holder, n.Data)
				} else {
					within = true
				}
			} else {
				within = true
			}
			c.mu.Unlock()
		} else {
			time.Sleep(trimRetryDelay)
		}
	}
	if len(holder) > 0 {
		c.log.WithField("evicted", len(holder)).Debug("trimmed entries")
	}
	c.release(holder)
}

// trimWorker serializes the asynchronous cost trims scheduled by Set.
func (c *Cache[K, V]) trimWorker() {
	for {
		select {
		case <-c.trimc:
			if c.costLimit > 0 {
				c.TrimToCost(c.costLimit)
			}
		case <-c.stop:
			return
		}
	}
}

// autoTrimLoop re-arms itself every autoTrimInterval and runs the cost,
// count and age trims in that order. It exits when the cache is closed.
func (c *Cache[K, V]) autoTrimLoop() {
	t := time.NewTicker(c.autoTrimInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if c.costLimit > 0 {
				c.TrimToCost(c.costLimit)
			}
			if c.countLimit > 0 {
				c.TrimToCount(c.countLimit)
			}
			if c.ageLimit > 0 {
				c.TrimToAge(c.ageLimit)
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Cache[K, V]) handleSignal(s Signal) {
	switch s {
	case SignalMemoryPressure:
		if c.onMemoryPressure != nil {
			c.onMemoryPressure()
		}
		if c.removeAllOnMemoryPressure {
			c.log.Debug("clearing on memory pressure")
			c.RemoveAll()
		}
	case SignalBackground:
		if c.onBackground != nil {
			c.onBackground()
		}
		if c.removeAllOnBackground {
			c.log.Debug("clearing on background transition")
			c.RemoveAll()
		}
	}
}
