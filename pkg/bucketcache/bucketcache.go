// Package bucketcache implements a write-once cache in object storage for
// immutable, content-addressed results such as the dependency tree of a
// specific package version.
package bucketcache

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultContentType is used when Options.ContentType is empty.
const DefaultContentType = "application/octet-stream"

var (
	ErrListFailed = errors.New("failed to list")
	ErrReadFailed = errors.New("failed to read")
	ErrSaveFailed = errors.New("failed to save")
)

// ObjectStore is the minimal object storage contract used by Cache.
type ObjectStore interface {
	// Exists lists bucket with key as prefix, capped at one result, and
	// reports whether that result is key itself.
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// Read returns the object body.
	Read(ctx context.Context, bucket, key string) ([]byte, error)
	// Write uploads body under key with the given content type and metadata.
	Write(ctx context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error
}

// ComputeFunc produces the object body on a miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Options control a single Fetch.
type Options struct {
	// SkipBodyIfExists returns a presence confirmation instead of downloading
	// an object that already exists.
	SkipBodyIfExists bool
	ContentType      string
	Metadata         map[string]string
}

// Object is the outcome of Fetch.
type Object struct {
	Key string
	// Body is nil when the body was skipped.
	Body []byte
	// Existed is true when the object was already in the bucket.
	Existed bool
	// BodySkipped is true when Existed and the caller asked not to download it.
	BodySkipped bool
}

// Cache is a cache-aside engine over an ObjectStore. Objects are never overwritten.
type Cache struct {
	store  ObjectStore
	logger zerolog.Logger
}

// New creates a Cache. A nil store disables caching entirely.
func New(store ObjectStore, logger zerolog.Logger) *Cache {
	return &Cache{
		store:  store,
		logger: logger.With().Str("component", "BucketCache").Logger(),
	}
}

// Fetch returns the object stored under key in bucket or, when it does not
// exist, runs compute and uploads the result. With no bucket (or no store)
// compute is called directly.
func (c *Cache) Fetch(ctx context.Context, compute ComputeFunc, bucket, key string, opts Options) (*Object, error) {
	if bucket == "" || c.store == nil {
		body, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return &Object{Key: key, Body: body}, nil
	}

	span := trace.SpanFromContext(ctx)
	attrs := trace.WithAttributes(attribute.String("bucket", bucket), attribute.String("key", key))

	exists, err := c.store.Exists(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", ErrListFailed, bucket, key, err)
	}

	if exists {
		span.AddEvent("BucketCache.Fetch hit", attrs)
		c.logger.Info().Str("bucket", bucket).Str("key", key).Msg("Found existing object.")
		if opts.SkipBodyIfExists {
			return &Object{Key: key, Existed: true, BodySkipped: true}, nil
		}
		body, err := c.store.Read(ctx, bucket, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %w", ErrReadFailed, bucket, key, err)
		}
		return &Object{Key: key, Body: body, Existed: true}, nil
	}

	span.AddEvent("BucketCache.Fetch miss", attrs)
	body, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	c.logger.Info().Str("bucket", bucket).Str("key", key).Int("bytes", len(body)).Msg("Writing object.")
	if err := c.store.Write(ctx, bucket, key, body, contentType, opts.Metadata); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", ErrSaveFailed, bucket, key, err)
	}
	c.logger.Info().Str("bucket", bucket).Str("key", key).Msg("Cached in bucket.")
	return &Object{Key: key, Body: body}, nil
}

// TreeKey returns the object key for a package version's dependency tree:
// <prefix>/<year>/<name>-<version>.json.
func TreeKey(prefix string, year int, name, version string) string {
	return path.Join(prefix, strconv.Itoa(year), name+"-"+version+".json")
}
