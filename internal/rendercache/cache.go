// Package rendercache keeps rendered buffers keyed by what produced them, so
// a repeated render request (undo back to a previous snapshot, panning back
// over a region) is served without touching the GPU.
//
// The cache is an LRU bounded by a byte budget rather than an entry count:
// preview buffers vary from a few KB (thumbnails) to tens of MB (1:1 crops).
package rendercache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/darkroom/pkg/types"
)

// Key identifies a render result. Two requests with equal keys produce
// bit-identical buffers.
type Key struct {
	Image    types.ImageID
	Snapshot uint64
	Crop     types.Rect
	Target   types.Resolution
	Profile  string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%016x/%s@%s/%s", k.Image, k.Snapshot, k.Crop, k.Target, k.Profile)
}

// EvictFunc is called once for every buffer that leaves the cache, whether by
// eviction, Remove, replacement or Clear. It runs without the cache lock held.
type EvictFunc func(Key, *types.Buffer)

type entry struct {
	key  Key
	buf  *types.Buffer
	size int64
	tick uint64 // last use
	elem *list.Element
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Entries   int
	UsedBytes int64
	Budget    int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Rejected  uint64
	HitRate   float64
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	lru     *list.List // front = most recently used
	used    int64
	budget  int64
	tick    uint64
	onEvict EvictFunc

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a cache holding at most budget bytes. onEvict may be nil.
func New(budget int64, onEvict EvictFunc) *Cache {
	return &Cache{
		entries: make(map[Key]*entry),
		lru:     list.New(),
		budget:  max(budget, 0),
		onEvict: onEvict,
	}
}

// Get returns the buffer for key and marks it most recently used.
func (c *Cache) Get(key Key) (*types.Buffer, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.touch(e)
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.buf, true
}

// Contains reports whether key is cached without touching its recency.
func (c *Cache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Put stores buf under key, evicting least recently used entries until it
// fits. It returns false, leaving ownership of buf with the caller, when buf
// alone exceeds the budget.
func (c *Cache) Put(key Key, buf *types.Buffer) bool {
	if buf == nil {
		return false
	}
	size := buf.Bytes()
	if size > c.budget {
		c.rejected.Add(1)
		return false
	}

	var released []*entry

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		if old.buf == buf {
			c.touch(old)
			c.mu.Unlock()
			return true
		}
		c.unlink(old)
		released = append(released, old)
	}
	for c.used+size > c.budget {
		back := c.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*entry)
		c.unlink(victim)
		released = append(released, victim)
		c.evictions.Add(1)
	}

	e := &entry{key: key, buf: buf, size: size}
	e.elem = c.lru.PushFront(e)
	c.tick++
	e.tick = c.tick
	c.entries[key] = e
	c.used += size
	c.mu.Unlock()

	c.release(released)
	return true
}

// Remove drops key from the cache.
func (c *Cache) Remove(key Key) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.unlink(e)
	}
	c.mu.Unlock()

	if ok {
		c.release([]*entry{e})
	}
	return ok
}

// RemoveImage drops every entry rendered from image and returns how many
// were removed.
func (c *Cache) RemoveImage(image types.ImageID) int {
	var released []*entry

	c.mu.Lock()
	for key, e := range c.entries {
		if key.Image == image {
			c.unlink(e)
			released = append(released, e)
		}
	}
	c.mu.Unlock()

	c.release(released)
	return len(released)
}

// Trim evicts least recently used entries until at most target bytes are in
// use. Used to give memory back to the device after an out-of-memory error.
func (c *Cache) Trim(target int64) int {
	var released []*entry

	c.mu.Lock()
	for c.used > max(target, 0) {
		back := c.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*entry)
		c.unlink(victim)
		released = append(released, victim)
		c.evictions.Add(1)
	}
	c.mu.Unlock()

	c.release(released)
	return len(released)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	released := make([]*entry, 0, len(c.entries))
	for e := c.lru.Front(); e != nil; e = e.Next() {
		released = append(released, e.Value.(*entry))
	}
	c.entries = make(map[Key]*entry)
	c.lru.Init()
	c.used = 0
	c.mu.Unlock()

	c.release(released)
}

// Keys lists cached keys from most to least recently used.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]Key, 0, c.lru.Len())
	for e := c.lru.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*entry).key)
	}
	return keys
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *Cache) Budget() int64 { return c.budget }

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{Entries: len(c.entries), UsedBytes: c.used, Budget: c.budget}
	c.mu.Unlock()

	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	s.Rejected = c.rejected.Load()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// touch must be called with c.mu held.
func (c *Cache) touch(e *entry) {
	c.lru.MoveToFront(e.elem)
	c.tick++
	e.tick = c.tick
}

// unlink must be called with c.mu held.
func (c *Cache) unlink(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.used -= e.size
}

func (c *Cache) release(es []*entry) {
	if c.onEvict == nil {
		return
	}
	for _, e := range es {
		c.onEvict(e.key, e.buf)
	}
}
