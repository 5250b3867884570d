// ABOUTME: TTL cache of recently handled backend callback ids
// ABOUTME: Bounded by size with oldest-first eviction; expired ids are swept periodically

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	markAt time.Time
}

// Cache remembers keys for a fixed window. Insertion order is kept in a list
// so eviction at capacity is O(1).
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSweepInterval starts a background sweep of expired keys every d.
// A zero interval disables the sweep; expired keys are then only dropped lazily.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = d }
}

// New creates a cache holding at most maxSize keys for ttl each.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:      make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxSize:    maxSize,
		now:        time.Now,
		sweepEvery: time.Minute,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepEvery > 0 {
		go c.sweepLoop()
	}
	return c
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark returns true if key is a duplicate. Otherwise it records key
// and returns false. Check and mark happen under one lock.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Len returns the number of keys held, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) liveLocked(key string) bool {
	el, ok := c.index[key]
	if !ok {
		return false
	}
	if c.now().Sub(el.Value.(*entry).markAt) < c.ttl {
		return true
	}
	c.order.Remove(el)
	delete(c.index, key)
	return false
}

func (c *Cache) markLocked(key string) {
	for c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).key)
	}
	c.index[key] = c.order.PushBack(&entry{key: key, markAt: c.now()})
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Entries are in mark order, so it stops at the
// first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*entry)
		if now.Sub(e.markAt) < c.ttl {
			return
		}
		c.order.Remove(el)
		delete(c.index, e.key)
	}
}
