// Package cache provides the key/value stores and the cache-aside engine used to
// memoize slow upstream lookups.
package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrStoreUnavailable wraps any transport or server failure reported by a Store.
// It is never used for a clean miss.
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Store is a byte-oriented key/value store with per-entry expiry.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value with the given TTL and reports whether the store acknowledged it.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	io.Closer
}

// NopStore is the "cache disabled" store used when no backend is configured.
// Every lookup misses and every write is rejected.
type NopStore struct{}

func (NopStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NopStore) Set(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, nil
}
func (NopStore) Delete(context.Context, string) (bool, error) { return false, nil }
func (NopStore) Close() error                                 { return nil }
