package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/huksley/gotdiff/pkg/bucketcache"
	"github.com/huksley/gotdiff/pkg/cache"
	"github.com/huksley/gotdiff/pkg/config"
	"github.com/huksley/gotdiff/pkg/query"
	"github.com/huksley/gotdiff/pkg/registry"
	"github.com/huksley/gotdiff/pkg/resolver"
	"github.com/rs/zerolog"
)

// app holds the process-wide handles. They are created once at startup and
// released by Close.
type app struct {
	store        cache.Store
	orchestrator *query.Orchestrator
	closers      []func() error
	logger       zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}

	store, err := a.newStore(ctx, cfg.Cache)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	objects, err := newObjectStore(ctx, cfg.Bucket, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	command := cfg.Resolver.Command
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("cannot locate own executable for the tree resolver: %w", err)
		}
		command = []string{self, "tree"}
	}
	res, err := resolver.NewCommand(command, cfg.Resolver.Timeout, int(cfg.Resolver.MaxOutput), logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	requester := registry.NewRequester(cfg.Upstream.HTTPTimeout, logger)
	a.orchestrator, err = query.New(
		store,
		registry.NewNPMClient(requester, cfg.Upstream.RegistryURL, logger),
		registry.NewGitHubClient(requester, cfg.Upstream.GitHubAPIURL, cfg.Upstream.GitHubToken, logger),
		res,
		bucketcache.New(objects, logger),
		query.Config{
			TTL:   cfg.QueryTTL,
			Codec: cfg.Cache.Codec,
			Cache: cache.Options{
				Prefix:        cfg.Cache.Prefix,
				DefaultTTL:    cfg.Cache.DefaultTTL,
				SlowThreshold: cfg.Cache.SlowThreshold,
				Coalesce:      cfg.Cache.Coalesce,
			},
			Bucket:       cfg.Bucket.Name,
			BucketPrefix: cfg.Bucket.Prefix,
		},
		logger,
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) newStore(ctx context.Context, cfg config.Cache) (cache.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return cache.NewRedisStore(ctx, cache.RedisConfig{URL: cfg.RedisURL, Token: cfg.RedisToken}, a.logger)
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return cache.NewFirestoreStore(&cache.FirestoreConfig{
			ProjectID:      cfg.FirestoreProject,
			CollectionName: cfg.FirestoreCollection,
		}, client, a.logger)
	case config.BackendMemory:
		return cache.NewInMemoryStore(), nil
	default:
		a.logger.Warn().Msg("No cache backend configured, every query hits the upstreams.")
		return cache.NopStore{}, nil
	}
}

// newObjectStore returns nil when no bucket is configured.
func newObjectStore(ctx context.Context, cfg config.Bucket, logger zerolog.Logger) (bucketcache.ObjectStore, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	switch cfg.Provider {
	case config.ProviderGCS:
		return bucketcache.NewGCSStore(ctx, logger)
	default:
		return bucketcache.NewS3Store(ctx, logger)
	}
}

// Close releases handles in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Error().Err(err).Msg("Error during teardown.")
		return err
	}
	return nil
}
