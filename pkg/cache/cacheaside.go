package cache

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL applies when a caller passes a non-positive TTL.
	DefaultTTL = 3 * time.Hour
	// DefaultSlowThreshold is the store latency above which a warning is logged.
	DefaultSlowThreshold = 100 * time.Millisecond
)

const (
	oTELCacheHit         = "Cache.GetSet hit"
	oTELCacheMiss        = "Cache.GetSet miss"
	oTELCacheComputeFail = "Cache.GetSet compute failed"
	oTELCacheStored      = "Cache.GetSet stored"
)

// ComputeFunc produces the value to cache on a miss.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

// Options tune a Cache. The zero value is usable.
type Options struct {
	// Prefix namespaces every key, e.g. per environment.
	Prefix string
	// DefaultTTL replaces non-positive TTLs; 0 => DefaultTTL.
	DefaultTTL time.Duration
	// SlowThreshold controls the slow-operation warning; 0 => DefaultSlowThreshold.
	SlowThreshold time.Duration
	// Coalesce makes concurrent misses on the same key share one computation.
	// The shared computation ignores the first caller's cancellation; a
	// cancelled caller stops waiting and the others still get the result.
	Coalesce bool
}

// Cache is a typed cache-aside view over a shared Store.
//
// Concurrent GetSet calls for the same key may each run compute unless
// Options.Coalesce is set; the store keeps whichever write lands last.
type Cache[V any] struct {
	store  Store
	codec  Codec[V]
	opts   Options
	logger zerolog.Logger
	group  *singleflight.Group
}

// New creates a cache over store. A nil store disables caching; a nil codec means JSON.
func New[V any](store Store, codec Codec[V], opts Options, logger zerolog.Logger) *Cache[V] {
	if store == nil {
		store = NopStore{}
	}
	if codec == nil {
		codec = JSONCodec[V]{}
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = DefaultSlowThreshold
	}
	c := &Cache[V]{
		store:  store,
		codec:  codec,
		opts:   opts,
		logger: logger.With().Str("component", "Cache").Logger(),
	}
	if opts.Coalesce {
		c.group = &singleflight.Group{}
	}
	return c
}

// Enabled reports whether a real backing store is configured.
func (c *Cache[V]) Enabled() bool {
	_, nop := c.store.(NopStore)
	return !nop
}

func (c *Cache[V]) key(key string) string {
	return c.opts.Prefix + key
}

func (c *Cache[V]) warnIfSlow(op, key string, started time.Time) {
	if elapsed := time.Since(started); elapsed > c.opts.SlowThreshold {
		c.logger.Warn().Str("op", op).Str("key", key).Dur("duration", elapsed).Msg("Slow cache operation.")
	}
}

// Get returns the decoded value stored under key. A clean miss returns ok=false
// and no error.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	full := c.key(key)

	started := time.Now()
	raw, ok, err := c.store.Get(ctx, full)
	c.warnIfSlow("get", full, started)
	if err != nil {
		return zero, false, fmt.Errorf("%w: get %s: %w", ErrStoreUnavailable, full, err)
	}
	if !ok {
		c.logger.Debug().Str("key", full).Msg("Cache not found.")
		return zero, false, nil
	}

	value, err := c.codec.Decode(raw)
	if err != nil {
		return zero, false, fmt.Errorf("failed to decode cached %s: %w", full, err)
	}
	c.logger.Debug().Str("key", full).Msg("Returning cached value.")
	return value, true, nil
}

// Set stores value under key. A nil value (nil pointer, map, slice or
// interface) deletes the key instead and reports whether a deletion happened.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) (bool, error) {
	if isNil(value) {
		return c.Delete(ctx, key)
	}
	full := c.key(key)
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	raw, err := c.codec.Encode(value)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", full, err)
	}

	started := time.Now()
	ok, err := c.store.Set(ctx, full, raw, ttl)
	c.warnIfSlow("set", full, started)
	if err != nil {
		return false, fmt.Errorf("%w: set %s: %w", ErrStoreUnavailable, full, err)
	}
	return ok, nil
}

// Delete removes key and reports whether it existed.
func (c *Cache[V]) Delete(ctx context.Context, key string) (bool, error) {
	full := c.key(key)
	c.logger.Debug().Str("key", full).Msg("Removing cached value.")

	started := time.Now()
	existed, err := c.store.Delete(ctx, full)
	c.warnIfSlow("del", full, started)
	if err != nil {
		return false, fmt.Errorf("%w: del %s: %w", ErrStoreUnavailable, full, err)
	}
	return existed, nil
}

// GetSet returns the cached value for key or, on a miss, runs compute, stores
// its result with ttl and returns it. Errors from compute are returned as is
// and nothing is stored.
func (c *Cache[V]) GetSet(ctx context.Context, key string, compute ComputeFunc[V], ttl time.Duration) (V, error) {
	span := trace.SpanFromContext(ctx)
	attrs := trace.WithAttributes(attribute.String("cache.key", c.key(key)))

	value, ok, err := c.Get(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}
	if ok {
		span.AddEvent(oTELCacheHit, attrs)
		return value, nil
	}
	span.AddEvent(oTELCacheMiss, attrs)

	if c.group == nil {
		return c.fill(ctx, key, compute, ttl)
	}

	// The shared computation outlives any single caller's cancellation.
	fillCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.key(key), func() (interface{}, error) {
		return c.fill(fillCtx, key, compute, ttl)
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug().Str("key", c.key(key)).Msg("Shared in-flight computation.")
		}
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		value, _ = res.Val.(V)
		return value, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (c *Cache[V]) fill(ctx context.Context, key string, compute ComputeFunc[V], ttl time.Duration) (V, error) {
	span := trace.SpanFromContext(ctx)
	attrs := trace.WithAttributes(attribute.String("cache.key", c.key(key)))

	value, err := compute(ctx)
	if err != nil {
		span.AddEvent(oTELCacheComputeFail, attrs)
		var zero V
		return zero, err
	}

	stored, err := c.Set(ctx, key, value, ttl)
	if err != nil {
		var zero V
		return zero, err
	}
	if stored {
		span.AddEvent(oTELCacheStored, attrs)
	}
	return value, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
