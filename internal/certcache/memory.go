package certcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kdhira/mitm-forward-proxy/internal/ca"
)

// DefaultMaxEntries is the bound applied when MemoryBackend is constructed
// with maxEntries <= 0.
const DefaultMaxEntries = 1000

// MemoryBackend is a bounded in-process certificate cache backed by a plain
// map. Recency is tracked per-entry with an atomic last-used timestamp
// rather than a doubly-linked list, so Get only needs a read lock and never
// blocks other concurrent readers. Eviction does a linear scan for the
// least-recently-used entry, but only runs on the insert that pushes the
// map over maxEntries, so the common Get path stays O(1).
type MemoryBackend struct {
	maxEntries int

	mu      sync.RWMutex
	entries map[string]*memoryEntry

	hits   atomic.Int64
	misses atomic.Int64
}

type memoryEntry struct {
	leaf     *ca.LeafCertificate
	lastUsed atomic.Int64 // UnixNano
}

// NewMemoryBackend constructs a bounded LRU backend.
func NewMemoryBackend(maxEntries int) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryBackend{
		maxEntries: maxEntries,
		entries:    make(map[string]*memoryEntry),
	}
}

func (m *MemoryBackend) Get(_ context.Context, host string) (*ca.LeafCertificate, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[host]
	m.mu.RUnlock()

	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	entry.lastUsed.Store(time.Now().UnixNano())
	m.hits.Add(1)
	return entry.leaf, true, nil
}

func (m *MemoryBackend) Put(_ context.Context, host string, leaf *ca.LeafCertificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[host]; ok {
		entry.leaf = leaf
		entry.lastUsed.Store(time.Now().UnixNano())
		return nil
	}

	entry := &memoryEntry{leaf: leaf}
	entry.lastUsed.Store(time.Now().UnixNano())
	m.entries[host] = entry

	for len(m.entries) > m.maxEntries {
		m.evictLocked()
	}
	return nil
}

// evictLocked removes the least-recently-used entry. Must be called with
// m.mu held for writing. O(n) in the map size, but only reached on the
// insert that exceeds maxEntries.
func (m *MemoryBackend) evictLocked() {
	var oldestHost string
	var oldestTime int64 = 1<<63 - 1
	for host, entry := range m.entries {
		t := entry.lastUsed.Load()
		if t < oldestTime {
			oldestTime = t
			oldestHost = host
		}
	}
	if oldestHost != "" {
		delete(m.entries, oldestHost)
	}
}

func (m *MemoryBackend) Invalidate(_ context.Context, host string) error {
	m.mu.Lock()
	delete(m.entries, host)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]*memoryEntry)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Stats() Stats {
	m.mu.RLock()
	size := len(m.entries)
	m.mu.RUnlock()
	return Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Size:    size,
		Backend: "memory",
	}
}
