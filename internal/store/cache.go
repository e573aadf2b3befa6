package store

import (
	"container/list"
	"sync"
	"time"

	"hubcursor/feed-aggregator/internal/clock"
	"hubcursor/feed-aggregator/internal/metrics"
)

// entryOverhead approximates the bookkeeping bytes held per entry.
const entryOverhead = 96

type Options[T any] struct {
	Name     string // metrics label
	Capacity int
	TTL      time.Duration // default for Set calls with ttl <= 0
	Clock    clock.Clock
	Sizer    func(T) int
	Metrics  *metrics.Metrics
}

type Stats struct {
	Name           string `json:"name"`
	Size           int    `json:"size"`
	Capacity       int    `json:"capacity"`
	ExpiredCount   int    `json:"expiredCount"`
	MemoryEstimate int    `json:"memoryEstimate"`
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	Evictions      uint64 `json:"evictions"`
	Expirations    uint64 `json:"expirations"`
}

// Cache is a TTL-bound store with frequency/recency eviction. When full it
// evicts the entry with the lowest hitCount / (msSinceLastAccess + 1).
// Expired entries are invisible to readers and removed lazily on access or by
// the sweeper. All operations hold one mutex.
type Cache[T any] struct {
	mu    sync.Mutex
	opts  Options[T]
	ll    *list.List // most-recent access at front
	items map[string]*list.Element

	hits, misses, evictions, expirations uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type entry[T any] struct {
	key        string
	value      T
	createdAt  time.Time
	lastAccess time.Time
	hitCount   uint64
	ttl        time.Duration
}

func (e *entry[T]) expired(now time.Time) bool { return now.Sub(e.createdAt) >= e.ttl }

func New[T any](opts Options[T]) *Cache[T] {
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	return &Cache[T]{
		opts:  opts,
		ll:    list.New(),
		items: make(map[string]*list.Element, opts.Capacity),
	}
}

func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	el, ok := c.items[key]
	if !ok {
		c.misses++
		c.opts.Metrics.CacheLookup(c.opts.Name, "miss")
		return zero, false
	}
	en := el.Value.(*entry[T])
	now := c.opts.Clock.Now()
	if en.expired(now) {
		c.removeLocked(el)
		c.expirations++
		c.misses++
		c.opts.Metrics.CacheLookup(c.opts.Name, "expired")
		c.opts.Metrics.CacheEvicted(c.opts.Name, "ttl", 1)
		return zero, false
	}
	en.hitCount++
	en.lastAccess = now
	c.ll.MoveToFront(el)
	c.hits++
	c.opts.Metrics.CacheLookup(c.opts.Name, "hit")
	return en.value, true
}

// Has reports whether a live entry exists without counting as an access.
func (c *Cache[T]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	if el.Value.(*entry[T]).expired(c.opts.Clock.Now()) {
		c.removeLocked(el)
		c.expirations++
		c.opts.Metrics.CacheEvicted(c.opts.Name, "ttl", 1)
		return false
	}
	return true
}

// Set stores value under key. A ttl <= 0 uses the cache default.
func (c *Cache[T]) Set(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.TTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Clock.Now()
	if el, ok := c.items[key]; ok {
		en := el.Value.(*entry[T])
		en.value = value
		en.createdAt = now
		en.lastAccess = now
		en.ttl = ttl
		c.ll.MoveToFront(el)
		return
	}
	if c.ll.Len() >= c.opts.Capacity {
		c.sweepLocked(now)
	}
	for c.ll.Len() >= c.opts.Capacity {
		c.evictLocked(now)
	}
	el := c.ll.PushFront(&entry[T]{key: key, value: value, createdAt: now, lastAccess: now, ttl: ttl})
	c.items[key] = el
	c.opts.Metrics.SetCacheEntries(c.opts.Name, c.ll.Len())
}

func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Clear drops every entry. Counters are kept.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element, c.opts.Capacity)
	c.opts.Metrics.SetCacheEntries(c.opts.Name, 0)
}

func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Clock.Now()
	s := Stats{
		Name:        c.opts.Name,
		Size:        c.ll.Len(),
		Capacity:    c.opts.Capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	for el := c.ll.Front(); el != nil; el = el.Next() {
		en := el.Value.(*entry[T])
		if en.expired(now) {
			s.ExpiredCount++
		}
		s.MemoryEstimate += entryOverhead + len(en.key)
		if c.opts.Sizer != nil {
			s.MemoryEstimate += c.opts.Sizer(en.value)
		}
	}
	return s
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.opts.Clock.Now())
}

// StartSweeper runs Sweep every interval until Close.
func (c *Cache[T]) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache[T]) Close() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		stop, done := c.stop, c.done
		c.mu.Unlock()
		if stop == nil {
			return
		}
		close(stop)
		<-done
	})
}

func (c *Cache[T]) sweepLocked(now time.Time) int {
	n := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*entry[T]).expired(now) {
			c.removeLocked(el)
			n++
		}
		el = prev
	}
	if n > 0 {
		c.expirations += uint64(n)
		c.opts.Metrics.CacheEvicted(c.opts.Name, "ttl", n)
	}
	return n
}

// evictLocked removes the lowest-scoring entry. Scanning from the back makes
// the least recently accessed entry win ties.
func (c *Cache[T]) evictLocked(now time.Time) {
	var (
		victim    *list.Element
		bestScore float64
	)
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		s := score(el.Value.(*entry[T]), now)
		if victim == nil || s < bestScore {
			victim, bestScore = el, s
		}
	}
	if victim == nil {
		return
	}
	c.removeLocked(victim)
	c.evictions++
	c.opts.Metrics.CacheEvicted(c.opts.Name, "capacity", 1)
}

func score[T any](e *entry[T], now time.Time) float64 {
	age := now.Sub(e.lastAccess).Milliseconds()
	if age < 0 {
		age = 0
	}
	return float64(e.hitCount) / float64(age+1)
}

func (c *Cache[T]) removeLocked(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry[T]).key)
	c.opts.Metrics.SetCacheEntries(c.opts.Name, c.ll.Len())
}
