// Package boundedmap implements a generic map capped by item count and
// entry age, used for request-scoped correlations (spec.md §4.9).
//
// Grounded on the original conmon-rs BoundedHashMap
// (original_source/conmon-rs/server/src/bounded_hashmap.rs): Go's generics
// let us express the same <K, V> shape the Rust version has, where the
// teacher predates generics (go 1.16) and could not.
package boundedmap

import (
	"sync"
	"time"
)

const (
	// DefaultMaxItems is the default capacity (spec.md §4.9).
	DefaultMaxItems = 1000
	// DefaultMaxDuration is the default entry lifetime (spec.md §4.9).
	DefaultMaxDuration = time.Hour
)

type entry[V any] struct {
	value    V
	inserted time.Time
}

// Map is a capped, TTL-evicting map. The zero value is not usable; use New.
type Map[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]entry[V]
	maxItems   int
	maxDur     time.Duration
	now        func() time.Time
}

// New creates a Map with the given caps. maxItems <= 0 and maxDur <= 0 fall
// back to the package defaults.
func New[K comparable, V any](maxItems int, maxDur time.Duration) *Map[K, V] {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if maxDur <= 0 {
		maxDur = DefaultMaxDuration
	}
	return &Map[K, V]{
		items:    make(map[K]entry[V]),
		maxItems: maxItems,
		maxDur:   maxDur,
		now:      time.Now,
	}
}

// Insert stores (k, v), first sweeping TTL-expired entries and then, if
// still full, evicting the single oldest entry (spec.md §4.9 step 1-3).
// Returns the previous value for k, if any and not expired.
func (m *Map[K, V]) Insert(k K, v V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	for key, e := range m.items {
		if now.Sub(e.inserted) > m.maxDur {
			delete(m.items, key)
		}
	}

	if len(m.items) >= m.maxItems {
		var oldestKey K
		var oldestTime time.Time
		first := true
		for key, e := range m.items {
			if first || e.inserted.Before(oldestTime) {
				oldestKey, oldestTime = key, e.inserted
				first = false
			}
		}
		if !first {
			delete(m.items, oldestKey)
		}
	}

	prev, had := m.items[k]
	m.items[k] = entry[V]{value: v, inserted: now}
	if had && now.Sub(prev.inserted) <= m.maxDur {
		return prev.value, true
	}
	var zero V
	return zero, false
}

// Remove deletes and returns the value for k, unless it has expired, in
// which case it is treated as absent (and still removed).
func (m *Map[K, V]) Remove(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[k]
	if !ok {
		var zero V
		return zero, false
	}
	delete(m.items, k)
	if m.now().Sub(e.inserted) > m.maxDur {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Len reports the current number of entries, including not-yet-swept
// expired ones.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
