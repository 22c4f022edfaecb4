package diskstore

import (
	"container/list"
	"sync"

	"github.com/imxstore/imx/internal/handle"
	"github.com/imxstore/imx/internal/vfs"
)

// fdCache caches recently accessed files' descriptors with an LRU
// bound, to avoid repeated open/close on hot sensors. Its size is a
// performance knob only; correctness does not depend on its value.
type fdCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[handle.Handle]*list.Element
}

type fdCacheEntry struct {
	h handle.Handle
	f vfs.File
}

func newFDCache(capacity int) *fdCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &fdCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[handle.Handle]*list.Element),
	}
}

// get returns the cached file for h, if present, promoting it to
// most-recently-used.
func (c *fdCache) get(h handle.Handle) (vfs.File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[h]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*fdCacheEntry).f, true
}

// put inserts f for h, evicting the least-recently-used entry (closing
// its file) if the cache is over capacity. If h is already present,
// the old file is closed and replaced.
func (c *fdCache) put(h handle.Handle, f vfs.File) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[h]; ok {
		el.Value.(*fdCacheEntry).f.Close()
		el.Value.(*fdCacheEntry).f = f
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&fdCacheEntry{h: h, f: f})
	c.items[h] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*fdCacheEntry)
		entry.f.Close()
		delete(c.items, entry.h)
		c.ll.Remove(oldest)
	}
}

// evict removes h from the cache, closing its file if present.
func (c *fdCache) evict(h handle.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[h]
	if !ok {
		return
	}
	el.Value.(*fdCacheEntry).f.Close()
	delete(c.items, h)
	c.ll.Remove(el)
}

// closeAll closes every cached file, for shutdown.
func (c *fdCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.ll.Front(); el != nil; el = el.Next() {
		el.Value.(*fdCacheEntry).f.Close()
	}
	c.ll.Init()
	c.items = make(map[handle.Handle]*list.Element)
}
