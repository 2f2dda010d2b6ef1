// Package certcache maps host -> leaf certificate with two interchangeable
// backends (bounded in-process LRU, shared remote KV) behind one contract,
// plus an at-most-once minting guard shared by both: a bounded,
// recency-evicted in-process backend and a pluggable remote backend for
// sharing minted leaves across proxy instances.
package certcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kdhira/mitm-forward-proxy/internal/ca"
)

// ErrCacheUnavailable is returned by NewRemoteBackend when the backend cannot be
// reached at construction time; callers should fall back to the in-process
// backend and log a warning rather than fail the process.
var ErrCacheUnavailable = errors.New("certcache: remote backend unavailable")

// DefaultSafetyMargin is how far ahead of expiry an entry is treated as
// already invalid.
const DefaultSafetyMargin = 60 * time.Second

// Stats reports point-in-time cache counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Size    int
	Backend string
}

// Backend is the capability set both the in-process LRU and the remote KV
// backend implement; Cache composes a Backend with the shared at-most-once
// minting guard so callers never talk to a Backend directly.
type Backend interface {
	Get(ctx context.Context, host string) (*ca.LeafCertificate, bool, error)
	Put(ctx context.Context, host string, leaf *ca.LeafCertificate) error
	Invalidate(ctx context.Context, host string) error
	Clear(ctx context.Context) error
	Stats() Stats
}

// MintFunc mints a fresh leaf certificate for host; it is supplied by the
// caller (normally ca.CA.Mint) so this package has no compile-time
// dependency direction issue with internal/ca beyond the LeafCertificate
// type.
type MintFunc func(host string) (*ca.LeafCertificate, error)

// Cache wraps a Backend with at-most-once-mint coordination: concurrent
// misses for the same host collapse into a single MintFunc call.
type Cache struct {
	backend      Backend
	safetyMargin time.Duration

	mu       sync.Mutex
	inflight map[string]*inflightMint
}

type inflightMint struct {
	done chan struct{}
	leaf *ca.LeafCertificate
	err  error
}

// New wraps a backend with the shared minting guard. safetyMargin <= 0
// uses DefaultSafetyMargin.
func New(backend Backend, safetyMargin time.Duration) *Cache {
	if safetyMargin <= 0 {
		safetyMargin = DefaultSafetyMargin
	}
	return &Cache{
		backend:      backend,
		safetyMargin: safetyMargin,
		inflight:     make(map[string]*inflightMint),
	}
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// Get returns the cached leaf for host, or (nil, false) on a miss or if the
// cached entry is within safetyMargin of expiry (treated the same as absent).
func (c *Cache) Get(ctx context.Context, host string) (*ca.LeafCertificate, bool) {
	leaf, ok, err := c.backend.Get(ctx, normalizeHost(host))
	if err != nil || !ok {
		return nil, false
	}
	if time.Now().Add(c.safetyMargin).After(leaf.NotAfter) {
		return nil, false
	}
	return leaf, true
}

// Put stores leaf for host, replacing any existing entry (idempotent).
func (c *Cache) Put(ctx context.Context, host string, leaf *ca.LeafCertificate) error {
	return c.backend.Put(ctx, normalizeHost(host), leaf)
}

// Invalidate removes host's cached entry, if any.
func (c *Cache) Invalidate(ctx context.Context, host string) error {
	return c.backend.Invalidate(ctx, normalizeHost(host))
}

// Clear removes every cached entry.
func (c *Cache) Clear(ctx context.Context) error {
	return c.backend.Clear(ctx)
}

// Stats returns the backend's current counters.
func (c *Cache) Stats() Stats { return c.backend.Stats() }

// GetOrMint returns a cache hit immediately; on a miss, exactly one
// concurrent caller per host invokes mint and stores the result, while the
// rest block on that same result.
func (c *Cache) GetOrMint(ctx context.Context, host string, mint MintFunc) (*ca.LeafCertificate, error) {
	key := normalizeHost(host)

	if leaf, ok := c.Get(ctx, key); ok {
		return leaf, nil
	}

	c.mu.Lock()
	if existing, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-existing.done
		return existing.leaf, existing.err
	}
	im := &inflightMint{done: make(chan struct{})}
	c.inflight[key] = im
	c.mu.Unlock()

	// Double-check under the at-most-once guard: another caller may have
	// populated the cache between our first Get and winning the inflight
	// race (e.g. a remote backend write from another process).
	if leaf, ok := c.Get(ctx, key); ok {
		im.leaf = leaf
		c.finishInflight(key, im)
		return leaf, nil
	}

	leaf, err := mint(key)
	if err == nil {
		if putErr := c.Put(ctx, key, leaf); putErr != nil {
			// A failed write-through does not fail the mint; the caller
			// still gets a usable leaf for this request, just not a
			// cached one for the next.
			err = nil
		}
	}

	im.leaf = leaf
	im.err = err
	c.finishInflight(key, im)
	return leaf, err
}

func (c *Cache) finishInflight(key string, im *inflightMint) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(im.done)
}
