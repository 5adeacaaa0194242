// Package query composes the cached package metadata, release list and
// dependency tree of an npm package into one comparison document.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/huksley/gotdiff/pkg/batch"
	"github.com/huksley/gotdiff/pkg/bucketcache"
	"github.com/huksley/gotdiff/pkg/cache"
	"github.com/huksley/gotdiff/pkg/registry"
	"github.com/huksley/gotdiff/pkg/resolver"
	"github.com/rs/zerolog"
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultPackage     = "next"
	DefaultConcurrency = 4
	npmPackageURL      = "https://npmjs.com/package/"
)

// PackumentKey, ReleasesKey and TreeKey are the cache keys of the three lookups.
func PackumentKey(name string) string { return name + "-package" }
func ReleasesKey(name string) string  { return name + "-releases3" }
func TreeKey(name, version string) string {
	return name + "_package_lock6_" + version
}

// PackumentSource fetches registry documents.
type PackumentSource interface {
	Packument(ctx context.Context, name string) (*registry.Packument, error)
}

// ReleaseSource lists repository releases.
type ReleaseSource interface {
	Releases(ctx context.Context, owner, repo string) ([]registry.Release, error)
}

// Config tunes an Orchestrator.
type Config struct {
	// TTL applies to all three lookups; 0 => DefaultTTL.
	TTL time.Duration
	// Codec names the cache value codec ("json" or "msgpack").
	Codec string
	Cache cache.Options
	// Bucket and BucketPrefix locate dependency trees in object storage. An
	// empty Bucket skips the object store.
	Bucket       string
	BucketPrefix string
}

// Response is the comparison document served for a package.
type Response struct {
	Name           string             `json:"name"`
	AllVersions    []string           `json:"allVersions"`
	LatestVersions []string           `json:"latestVersions"`
	Latest         string             `json:"latest,omitempty"`
	Older          string             `json:"older,omitempty"`
	LatestPackage  json.RawMessage    `json:"latestPackage,omitempty"`
	OlderPackage   json.RawMessage    `json:"olderPackage,omitempty"`
	Packages       []json.RawMessage  `json:"packages"`
	Releases       []registry.Release `json:"releases"`
	LatestRelease  *registry.Release  `json:"latestRelease"`
	URL            string             `json:"url,omitempty"`
	NPMURL         string             `json:"npmUrl"`
	Footprint      *int64             `json:"footprint,omitempty"`
	Dependencies   []string           `json:"dependencies"`
	SizeDelta      *SizeDelta         `json:"sizeDelta,omitempty"`
}

// Orchestrator answers package queries through the caches.
type Orchestrator struct {
	packuments *cache.Cache[*registry.Packument]
	releases   *cache.Cache[[]registry.Release]
	trees      *cache.Cache[json.RawMessage]
	bucket     *bucketcache.Cache

	npm      PackumentSource
	github   ReleaseSource
	resolver resolver.Resolver

	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates an Orchestrator. All three caches share store; a nil bucket
// disables the object store layer.
func New(
	store cache.Store,
	npm PackumentSource,
	github ReleaseSource,
	res resolver.Resolver,
	bucket *bucketcache.Cache,
	cfg Config,
	logger zerolog.Logger,
) (*Orchestrator, error) {
	if npm == nil || github == nil || res == nil {
		return nil, errors.New("query: registry, release source and resolver are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if bucket == nil {
		bucket = bucketcache.New(nil, logger)
	}

	packumentCodec, err := cache.CodecFor[*registry.Packument](cfg.Codec)
	if err != nil {
		return nil, err
	}
	releaseCodec, err := cache.CodecFor[[]registry.Release](cfg.Codec)
	if err != nil {
		return nil, err
	}
	treeCodec, err := cache.CodecFor[json.RawMessage](cfg.Codec)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		packuments: cache.New(store, packumentCodec, cfg.Cache, logger),
		releases:   cache.New(store, releaseCodec, cfg.Cache, logger),
		trees:      cache.New(store, treeCodec, cfg.Cache, logger),
		bucket:     bucket,
		npm:        npm,
		github:     github,
		resolver:   res,
		cfg:        cfg,
		logger:     logger.With().Str("component", "Orchestrator").Logger(),
		now:        time.Now,
	}, nil
}

// Query builds the comparison document for name.
func (o *Orchestrator) Query(ctx context.Context, name string) (*Response, error) {
	if name == "" {
		name = DefaultPackage
	}
	log := o.logger.With().Str("package", name).Logger()

	start := time.Now()
	doc, err := o.packuments.GetSet(ctx, PackumentKey(name), func(ctx context.Context) (*registry.Packument, error) {
		return o.npm.Packument(ctx, name)
	}, o.cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", name, err)
	}
	log.Info().Dur("latency", time.Since(start)).Msg("Query registry done.")

	versions := make([]string, 0, len(doc.Versions))
	for v := range doc.Versions {
		versions = append(versions, v)
	}
	all := StableVersions(versions)
	resp := &Response{
		Name:           name,
		AllVersions:    all,
		LatestVersions: LastN(all, LatestVersionsLimit),
		NPMURL:         npmPackageURL + name,
		Dependencies:   []string{},
	}
	if doc.Name != "" {
		resp.Name = doc.Name
	}
	if n := len(all); n > 0 {
		resp.Latest = all[n-1]
		if n > 1 {
			resp.Older = all[n-2]
		}
	}
	resp.LatestPackage = doc.Versions[resp.Latest]
	resp.OlderPackage = doc.Versions[resp.Older]
	resp.Packages = make([]json.RawMessage, 0, len(resp.LatestVersions))
	for _, v := range resp.LatestVersions {
		resp.Packages = append(resp.Packages, doc.Versions[v])
	}

	latest, err := parseManifest(resp.Latest, resp.LatestPackage)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", name, err)
	}
	older, err := parseManifest(resp.Older, resp.OlderPackage)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", name, err)
	}
	resp.SizeDelta = CompareSizes(older, latest)
	if latest != nil {
		resp.URL = NormalizeRepoURL(latest.Repository.URL)
	}

	releases, err := o.fetchReleases(ctx, name, resp.URL)
	if err != nil {
		return nil, fmt.Errorf("releases of %s: %w", name, err)
	}
	resp.Releases = releases
	resp.LatestRelease = MatchRelease(releases, name, resp.Latest)
	log.Info().Int("releases", len(releases)).Str("latest", resp.Latest).Msg("Releases resolved.")

	if resp.Latest == "" {
		return resp, nil
	}

	lock, err := o.fetchTree(ctx, name, resp.Latest)
	if err != nil {
		return nil, err
	}
	resp.Footprint = lock.Size
	resp.Dependencies = lock.Dependencies(name)
	log.Info().Int("dependencies", len(resp.Dependencies)).Msg("Package queried.")
	return resp, nil
}

// fetchReleases never fails because of GitHub: an unreachable or unknown
// repository caches an empty list. Only cache store errors are returned.
func (o *Orchestrator) fetchReleases(ctx context.Context, name, repoURL string) ([]registry.Release, error) {
	releases, err := o.releases.GetSet(ctx, ReleasesKey(name), func(ctx context.Context) ([]registry.Release, error) {
		owner, repo, ok := GitHubRepo(repoURL)
		if !ok {
			return []registry.Release{}, nil
		}
		list, err := o.github.Releases(ctx, owner, repo)
		if err != nil {
			o.logger.Warn().Err(err).Str("package", name).Str("url", repoURL).Msg("Failed to get releases.")
			return []registry.Release{}, nil
		}
		if list == nil {
			list = []registry.Release{}
		}
		return list, nil
	}, o.cfg.TTL)
	if err != nil {
		return nil, err
	}
	if releases == nil {
		releases = []registry.Release{}
	}
	return releases, nil
}

func (o *Orchestrator) fetchTree(ctx context.Context, name, version string) (*Lockfile, error) {
	start := time.Now()
	raw, err := o.trees.GetSet(ctx, TreeKey(name, version), func(ctx context.Context) (json.RawMessage, error) {
		key := bucketcache.TreeKey(o.cfg.BucketPrefix, o.now().UTC().Year(), name, version)
		obj, err := o.bucket.Fetch(ctx, func(ctx context.Context) ([]byte, error) {
			return o.resolver.Resolve(ctx, name, version)
		}, o.cfg.Bucket, key, bucketcache.Options{
			ContentType: "application/json",
			Metadata:    map[string]string{"package": name, "version": version},
		})
		if err != nil {
			return nil, err
		}
		if !json.Valid(obj.Body) {
			return nil, &resolver.Error{Name: name, Version: version, Err: errors.New("output is not JSON")}
		}
		return json.RawMessage(obj.Body), nil
	}, o.cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("tree of %s@%s: %w", name, version, err)
	}
	o.logger.Info().Str("package", name).Dur("latency", time.Since(start)).Int("bytes", len(raw)).Msg("Fetched tree.")

	lock, err := ParseLockfile(raw)
	if err != nil {
		return nil, fmt.Errorf("tree of %s@%s: %w", name, version, err)
	}
	return lock, nil
}

// Warm runs Query for every name with at most concurrency queries in flight,
// stopping at the first failure.
func (o *Orchestrator) Warm(ctx context.Context, names []string, concurrency int) error {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	o.logger.Info().Int("packages", len(names)).Int("concurrency", concurrency).Msg("Warming caches.")
	return batch.Run(ctx, names, concurrency, func(ctx context.Context, name string) error {
		_, err := o.Query(ctx, name)
		return err
	}, o.logger)
}
