package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryEntry is one LRU element.
type memoryEntry struct {
	key   string
	entry Entry
}

// MemoryTier is a bounded in-process LRU with per-entry expiry.
type MemoryTier struct {
	maxEntries int
	now        func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front = most recently used
}

// NewMemoryTier returns a MemoryTier holding at most maxEntries keys
// (minimum 1). A nil clock uses time.Now.
func NewMemoryTier(maxEntries int, now func() time.Time) *MemoryTier {
	if maxEntries < 1 {
		maxEntries = 1
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryTier{
		maxEntries: maxEntries,
		now:        now,
		items:      make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// Name implements Tier.
func (m *MemoryTier) Name() string { return "memory" }

// Get implements Tier. Expired entries are removed on access.
func (m *MemoryTier) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	me := el.Value.(*memoryEntry)
	if me.entry.Expired(m.now()) {
		m.remove(el)
		return Entry{}, false, nil
	}
	m.lru.MoveToFront(el)
	return me.entry, true, nil
}

// Set implements Tier, evicting the least recently used key when full.
func (m *MemoryTier) Set(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		el.Value.(*memoryEntry).entry = e
		m.lru.MoveToFront(el)
		return nil
	}
	for m.lru.Len() >= m.maxEntries {
		m.remove(m.lru.Back())
	}
	m.items[key] = m.lru.PushFront(&memoryEntry{key: key, entry: e})
	return nil
}

// Len returns the number of stored keys, including not-yet-collected expired
// ones.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

func (m *MemoryTier) remove(el *list.Element) {
	if el == nil {
		return
	}
	m.lru.Remove(el)
	delete(m.items, el.Value.(*memoryEntry).key)
}
