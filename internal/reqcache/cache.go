// Package reqcache is a keyed TTL cache that coalesces concurrent loads of the
// same key into one producer call.
package reqcache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL applies when Fetch is called with a non-positive ttl.
const DefaultTTL = 120 * time.Second

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return systemClock{}
}

// Producer loads the value for a key. Its result is shared by every caller
// attached to the same flight, so it runs detached from any one caller's cancellation.
type Producer[V any] func(ctx context.Context) (V, error)

// Config configures a Cache.
type Config struct {
	Clock  Clock
	Logger *zap.Logger
}

type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

func (cached entry[V]) freshAt(now time.Time) bool {
	return now.Sub(cached.storedAt) < cached.ttl
}

// Cache is safe for concurrent use. Expired entries are evicted lazily on read.
type Cache[V any] struct {
	clock  Clock
	logger *zap.Logger
	group  singleflight.Group

	mutex       sync.Mutex
	entries     map[string]entry[V]
	subscribers map[string]int
	// inFlight holds the generation of the load currently running for a key.
	inFlight map[string]uint64
	// generations is bumped when a key is invalidated mid-flight so later
	// callers start a new flight instead of joining the stale one.
	generations map[string]uint64
}

// New builds an empty Cache.
func New[V any](config Config) *Cache[V] {
	clock := config.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[V]{
		clock:       clock,
		logger:      logger,
		entries:     make(map[string]entry[V]),
		subscribers: make(map[string]int),
		inFlight:    make(map[string]uint64),
		generations: make(map[string]uint64),
	}
}

// Fetch returns the fresh cached value for key, joins the in-flight load for key,
// or starts one. Failures are never cached. A caller whose ctx ends stops waiting
// with ctx.Err() while the shared load continues for the other subscribers.
func (cache *Cache[V]) Fetch(ctx context.Context, key string, ttl time.Duration, producer Producer[V]) (V, error) {
	var zero V
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	cache.mutex.Lock()
	if value, ok := cache.freshLocked(key); ok {
		cache.mutex.Unlock()
		return value, nil
	}
	cache.subscribers[key]++
	generation := cache.generations[key]
	cache.mutex.Unlock()
	defer cache.detach(key)

	detached := context.WithoutCancel(ctx)
	flightKey := key + "#" + strconv.FormatUint(generation, 10)
	resultChannel := cache.group.DoChan(flightKey, func() (any, error) {
		return cache.load(detached, key, generation, ttl, producer)
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case result := <-resultChannel:
		if result.Err != nil {
			return zero, result.Err
		}
		value, _ := result.Val.(V)
		return value, nil
	}
}

func (cache *Cache[V]) load(ctx context.Context, key string, generation uint64, ttl time.Duration, producer Producer[V]) (any, error) {
	cache.mutex.Lock()
	if value, ok := cache.freshLocked(key); ok {
		cache.mutex.Unlock()
		return value, nil
	}
	if cache.generations[key] == generation {
		cache.inFlight[key] = generation
	}
	cache.mutex.Unlock()

	value, err := producer(ctx)

	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if running, ok := cache.inFlight[key]; ok && running == generation {
		delete(cache.inFlight, key)
	}
	if err != nil {
		cache.logger.Debug("cache producer failed",
			zap.String("code", "reqcache.fetch.producer_failed"),
			zap.String("key", key),
			zap.Error(err))
		return nil, err
	}
	if cache.generations[key] != generation {
		cache.logger.Debug("discarding result invalidated in flight",
			zap.String("code", "reqcache.fetch.stale"),
			zap.String("key", key))
		return value, nil
	}
	cache.entries[key] = entry[V]{value: value, storedAt: cache.clock.Now(), ttl: ttl}
	return value, nil
}

func (cache *Cache[V]) freshLocked(key string) (V, bool) {
	var zero V
	cached, ok := cache.entries[key]
	if !ok {
		return zero, false
	}
	if !cached.freshAt(cache.clock.Now()) {
		delete(cache.entries, key)
		return zero, false
	}
	return cached.value, true
}

func (cache *Cache[V]) detach(key string) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.subscribers[key]--
	if cache.subscribers[key] <= 0 {
		delete(cache.subscribers, key)
	}
}

// Invalidate drops entries whose key starts with prefix; an empty prefix drops all.
// Loads for matching keys that are already in flight still settle for their
// subscribers but their results are not stored, and later Fetch calls for those
// keys start a new load. Returns the number of dropped entries.
func (cache *Cache[V]) Invalidate(prefix string) int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	removed := 0
	for key := range cache.entries {
		if strings.HasPrefix(key, prefix) {
			delete(cache.entries, key)
			removed++
		}
	}
	for key := range cache.inFlight {
		if strings.HasPrefix(key, prefix) {
			delete(cache.inFlight, key)
			cache.generations[key]++
		}
	}
	cache.logger.Debug("cache invalidated",
		zap.String("code", "reqcache.invalidate"),
		zap.String("prefix", prefix),
		zap.Int("removed", removed))
	return removed
}

// Subscribers reports how many callers are waiting on key.
func (cache *Cache[V]) Subscribers(key string) int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return cache.subscribers[key]
}

// Len reports the number of stored entries, including expired ones not yet evicted.
func (cache *Cache[V]) Len() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return len(cache.entries)
}
