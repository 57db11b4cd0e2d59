package memcache

import "github.com/tiercache/tiercache/internal/doublelist"

// releaseMode is the resolved destination for an eviction batch.
type releaseMode int

const (
	releaseInPlace releaseMode = iota
	releaseAsync
	releaseMain
)

// releasePolicy resolves the two release flags into one destination.
// Asynchronous release dominates; main-thread release applies only when
// asynchronous release is off and a main executor is wired.
func (c *Cache[K, V]) releasePolicy() releaseMode {
	if c.releaseAsync {
		return releaseAsync
	}
	if c.releaseOnMain && c.mainExec != nil {
		return releaseMain
	}
	return releaseInPlace
}

// release routes an eviction batch per the release policy. The batch and
// the entries it references are dropped, and OnRelease runs once per entry,
// at the chosen destination.
func (c *Cache[K, V]) release(batch []entry[K, V]) {
	if len(batch) == 0 {
		return
	}
	c.dispatch(func() {
		if c.onRelease != nil {
			for _, e := range batch {
				c.onRelease(e.key, e.value)
			}
		}
	})
}

// releaseMap routes a swapped-out index map from removeAll.
func (c *Cache[K, V]) releaseMap(old map[K]*doublelist.Node[entry[K, V]]) {
	if len(old) == 0 {
		return
	}
	c.dispatch(func() {
		if c.onRelease != nil {
			for _, n := range old {
				c.onRelease(n.Data.key, n.Data.value)
			}
		}
	})
}

func (c *Cache[K, V]) dispatch(fn func()) {
	switch c.releasePolicy() {
	case releaseAsync:
		select {
		case c.releasec <- fn:
		case <-c.stop:
			fn()
		}
	case releaseMain:
		c.mainExec(fn)
	default:
		fn()
	}
}

// releaseWorker drains the serial release queue. One worker per cache, so
// release hooks for a single cache never run concurrently with each other.
func (c *Cache[K, V]) releaseWorker() {
	for {
		select {
		case fn := <-c.releasec:
			fn()
		case <-c.stop:
			return
		}
	}
}
