package sync

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultTrackerCapacity bounds the number of scopes tracked per entity kind.
const DefaultTrackerCapacity = 100

// Tracker is a fixed-capacity map ordered by insertion and access.
// Adding past capacity evicts the least recently used entry and hands it to onEvict.
type Tracker[V any] struct {
	mu    sync.Mutex
	cache *lru.Cache[string, V]
}

// NewTracker creates a Tracker. A non-positive capacity falls back to DefaultTrackerCapacity.
// onEvict runs synchronously inside the call that caused the eviction and must not call back
// into the tracker.
func NewTracker[V any](capacity int, onEvict func(key string, value V)) *Tracker[V] {
	if capacity <= 0 {
		capacity = DefaultTrackerCapacity
	}
	// NewWithEvict only fails for a non-positive size.
	cache, _ := lru.NewWithEvict[string, V](capacity, onEvict)
	return &Tracker[V]{cache: cache}
}

// GetOrCreate returns the value for key, marking it most recently used, or creates and
// stores it. created reports whether create was called.
func (t *Tracker[V]) GetOrCreate(key string, create func() V) (value V, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.cache.Get(key); ok {
		return v, false
	}
	v := create()
	t.cache.Add(key, v)
	return v, true
}

// Get returns the value for key and marks it most recently used.
func (t *Tracker[V]) Get(key string) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Get(key)
}

// Peek returns the value for key without touching its recency.
func (t *Tracker[V]) Peek(key string) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Peek(key)
}

// Remove drops key, running onEvict for it.
func (t *Tracker[V]) Remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Remove(key)
}

// RemoveIf drops key, running onEvict for it, only when match accepts its current value.
func (t *Tracker[V]) RemoveIf(key string, match func(V) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.cache.Peek(key)
	if !ok || !match(v) {
		return false
	}
	return t.cache.Remove(key)
}

// Keys returns the keys from least to most recently used.
func (t *Tracker[V]) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Keys()
}

// Values returns the values from least to most recently used.
func (t *Tracker[V]) Values() []V {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Values()
}

// Len returns the number of tracked entries.
func (t *Tracker[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}

// Purge removes every entry, running onEvict for each.
func (t *Tracker[V]) Purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Purge()
}
