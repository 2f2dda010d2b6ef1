package certcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kdhira/mitm-forward-proxy/internal/ca"
)

// recordVersion is the schema tag written alongside every serialized leaf
// so future format changes are detectable.
const recordVersion = 1

// record is the versioned wire format stored under <prefix>:<host> in the
// remote backend.
type record struct {
	Version       int      `json:"v"`
	ChainDER      [][]byte `json:"chain_der"`
	KeyDER        []byte   `json:"key_der"`
	NotAfterEpoch int64    `json:"not_after_epoch_ms"`
}

// ErrUnsupportedRecordVersion is returned when a stored record carries a
// schema version this build does not understand.
var ErrUnsupportedRecordVersion = fmt.Errorf("certcache: unsupported remote record version")

// RemoteBackend stores leaves in a shared Redis-compatible KV store keyed
// by prefix:host with a TTL equal to the leaf's own remaining lifetime. It
// is grounded on github.com/redis/go-redis/v9, which the pack's
// gravitational-teleport and martian-cloud-tharsis-api modules both depend
// on for exactly this kind of shared cache role.
type RemoteBackend struct {
	client *redis.Client
	prefix string

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRemoteBackend dials url and pings it once to fail fast at startup if
// the backend is unreachable; callers should fall back to MemoryBackend and
// log a warning on error.
func NewRemoteBackend(ctx context.Context, url, prefix string) (*RemoteBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrCacheUnavailable, err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrCacheUnavailable, err)
	}

	if prefix == "" {
		prefix = "mitm-proxy:cert"
	}
	return &RemoteBackend{client: client, prefix: prefix}, nil
}

func (r *RemoteBackend) key(host string) string {
	return r.prefix + ":" + host
}

func (r *RemoteBackend) Get(ctx context.Context, host string) (*ca.LeafCertificate, bool, error) {
	raw, err := r.client.Get(ctx, r.key(host)).Bytes()
	if err == redis.Nil {
		r.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("certcache: remote get: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("certcache: decode remote record: %w", err)
	}
	if rec.Version != recordVersion {
		return nil, false, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedRecordVersion, rec.Version, recordVersion)
	}

	leaf, err := recordToLeaf(rec)
	if err != nil {
		return nil, false, err
	}
	r.hits.Add(1)
	return leaf, true, nil
}

func (r *RemoteBackend) Put(ctx context.Context, host string, leaf *ca.LeafCertificate) error {
	rec := leafToRecord(leaf)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("certcache: encode remote record: %w", err)
	}

	ttl := time.Until(leaf.NotAfter)
	if ttl <= 0 {
		// Already expired by the time we'd write it; nothing useful to cache.
		return nil
	}
	if err := r.client.Set(ctx, r.key(host), payload, ttl).Err(); err != nil {
		return fmt.Errorf("certcache: remote put: %w", err)
	}
	return nil
}

func (r *RemoteBackend) Invalidate(ctx context.Context, host string) error {
	if err := r.client.Del(ctx, r.key(host)).Err(); err != nil {
		return fmt.Errorf("certcache: remote invalidate: %w", err)
	}
	return nil
}

func (r *RemoteBackend) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("certcache: remote scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("certcache: remote clear: %w", err)
	}
	return nil
}

// Stats reports hit/miss counters observed by this process. The remote
// backend has no proxy-enforced size bound — it relies entirely on the
// backend's own key expiry — so Size is always reported as -1.
func (r *RemoteBackend) Stats() Stats {
	return Stats{
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
		Size:    -1,
		Backend: "remote",
	}
}

// Close releases the underlying Redis client's connections.
func (r *RemoteBackend) Close() error {
	return r.client.Close()
}

func leafToRecord(leaf *ca.LeafCertificate) record {
	return record{
		Version:       recordVersion,
		ChainDER:      leaf.ChainDER,
		KeyDER:        x509MarshalPKCS1(leaf.Key),
		NotAfterEpoch: leaf.NotAfter.UnixMilli(),
	}
}

func recordToLeaf(rec record) (*ca.LeafCertificate, error) {
	key, err := x509ParsePKCS1(rec.KeyDER)
	if err != nil {
		return nil, fmt.Errorf("certcache: decode leaf key: %w", err)
	}
	parsed, err := x509ParseCertificate(rec.ChainDER[0])
	if err != nil {
		return nil, fmt.Errorf("certcache: decode leaf cert: %w", err)
	}
	return &ca.LeafCertificate{
		ChainDER: rec.ChainDER,
		Key:      key,
		NotAfter: time.UnixMilli(rec.NotAfterEpoch),
		Parsed:   parsed,
	}, nil
}
