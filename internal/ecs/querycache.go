package ecs

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ireland-samantha/forgefleet/infrastructure/cache"
)

// InvalidationMode selects how a QueryCache decides a cached query result is
// stale.
type InvalidationMode int

const (
	// PerTick clears the entire cache on BeginTick; callers that drive a
	// fixed simulation step use this so within-tick queries observe a
	// consistent snapshot without per-write bookkeeping.
	PerTick InvalidationMode = iota
	// Persistent keeps entries across ticks and evicts only the entries
	// whose key contains a component that was just written.
	Persistent
)

// persistentCacheTTL is effectively "forever" for the Persistent mode: the
// cache never expires an entry on its own, only explicit invalidation does.
const persistentCacheTTL = 24 * 365 * time.Hour

// QueryCache decorates a Store with a cache of getEntitiesWithComponents
// results, keyed by the sorted component key tuple. It reuses
// infrastructure/cache's TTL map as the backing store and layers its own
// per-component index on top so a write can evict exactly the entries whose
// key mentions the written component.
type QueryCache struct {
	store *Store
	mode  InvalidationMode

	backing *cache.Cache

	mu    sync.Mutex
	index map[ComponentKey]map[string]struct{}

	hits   uint64
	misses uint64
}

// NewQueryCache wraps store with a query cache using the given invalidation
// policy.
func NewQueryCache(store *Store, mode InvalidationMode) *QueryCache {
	return &QueryCache{
		store:   store,
		mode:    mode,
		backing: cache.NewCache(cache.CacheConfig{DefaultTTL: persistentCacheTTL, CleanupInterval: persistentCacheTTL}),
		index:   make(map[ComponentKey]map[string]struct{}),
	}
}

func cacheKeyFor(keys []ComponentKey) string {
	sorted := make([]string, len(keys))
	for i, k := range keys {
		sorted[i] = k.String()
	}
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

// Query returns the entities matching every key, consulting the cache
// first.
func (q *QueryCache) Query(keys ...ComponentKey) []int {
	cacheKey := cacheKeyFor(keys)

	if v, ok := q.backing.Get(cacheKey); ok {
		atomic.AddUint64(&q.hits, 1)
		return v.([]int)
	}

	atomic.AddUint64(&q.misses, 1)
	result := q.store.GetEntitiesWithComponents(keys...)

	q.backing.Set(cacheKey, result, 0)

	q.mu.Lock()
	for _, k := range keys {
		set, ok := q.index[k]
		if !ok {
			set = make(map[string]struct{})
			q.index[k] = set
		}
		set[cacheKey] = struct{}{}
	}
	q.mu.Unlock()

	return result
}

// BeginTick clears the whole cache under PerTick policy. It is a no-op
// under Persistent policy, where writes drive invalidation instead.
func (q *QueryCache) BeginTick() {
	if q.mode != PerTick {
		return
	}
	q.backing.InvalidateAll()
	q.mu.Lock()
	q.index = make(map[ComponentKey]map[string]struct{})
	q.mu.Unlock()
}

func (q *QueryCache) invalidateWrite(key ComponentKey) {
	if q.mode != Persistent {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	set, ok := q.index[key]
	if !ok {
		return
	}
	for cacheKey := range set {
		q.backing.Invalidate(cacheKey)
	}
	delete(q.index, key)
}

// AttachComponent attaches the component on the underlying store, then
// evicts cache entries that depend on key.
func (q *QueryCache) AttachComponent(entity int, key ComponentKey, value float32) error {
	if err := q.store.AttachComponent(entity, key, value); err != nil {
		return err
	}
	q.invalidateWrite(key)
	return nil
}

// AttachComponents attaches a batch of components on the underlying store,
// then evicts cache entries for every written key.
func (q *QueryCache) AttachComponents(entity int, keys []ComponentKey, values []float32) error {
	if err := q.store.AttachComponents(entity, keys, values); err != nil {
		return err
	}
	for _, key := range keys {
		q.invalidateWrite(key)
	}
	return nil
}

// Store exposes the decorated store for read operations that do not need
// caching (CreateEntity, DeleteEntity, GetComponent, and friends).
func (q *QueryCache) Store() *Store {
	return q.store
}

// HitCount and MissCount report cumulative cache statistics for
// observability.
func (q *QueryCache) HitCount() uint64 { return atomic.LoadUint64(&q.hits) }

// MissCount reports cumulative cache misses.
func (q *QueryCache) MissCount() uint64 { return atomic.LoadUint64(&q.misses) }
