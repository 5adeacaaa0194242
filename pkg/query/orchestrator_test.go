package query_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huksley/gotdiff/pkg/bucketcache"
	"github.com/huksley/gotdiff/pkg/cache"
	"github.com/huksley/gotdiff/pkg/query"
	"github.com/huksley/gotdiff/pkg/registry"
	"github.com/huksley/gotdiff/pkg/resolver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const widgetPackument = `{
	"name": "widget",
	"versions": {
		"1.0.0": {"name": "widget", "version": "1.0.0", "dist": {"unpackedSize": 800, "fileCount": 4}},
		"1.1.0": {"name": "widget", "version": "1.1.0",
			"repository": {"type": "git", "url": "git+https://github.com/acme/widget.git"},
			"dist": {"unpackedSize": 1000, "fileCount": 10}},
		"1.2.0": {"name": "widget", "version": "1.2.0",
			"repository": {"type": "git", "url": "git+https://github.com/acme/widget.git"},
			"dist": {"unpackedSize": 1500, "fileCount": 12}},
		"2.0.0-beta.1": {"name": "widget", "version": "2.0.0-beta.1"}
	}
}`

const widgetLockfile = `{
	"__size": 20480,
	"packages": {
		"": {},
		"node_modules/widget": {"version": "1.2.0"},
		"node_modules/tiny": {"version": "1.0.0"},
		"node_modules/react": {"version": "18.2.0", "peer": true}
	}
}`

type fakeNPM struct {
	calls atomic.Int32
	err   error
}

func (f *fakeNPM) Packument(_ context.Context, name string) (*registry.Packument, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	var doc registry.Packument
	if err := json.Unmarshal([]byte(widgetPackument), &doc); err != nil {
		return nil, err
	}
	doc.Name = name
	return &doc, nil
}

type fakeGitHub struct {
	mu       sync.Mutex
	calls    int
	owner    string
	repo     string
	releases []registry.Release
	err      error
}

func (f *fakeGitHub) Releases(_ context.Context, owner, repo string) ([]registry.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.owner, f.repo = owner, repo
	return f.releases, f.err
}

type fakeResolver struct {
	calls atomic.Int32
	out   string
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, _, _ string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.out), nil
}

type memoryBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryBucket) Exists(_ context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"/"+key]
	return ok, nil
}

func (m *memoryBucket) Read(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[bucket+"/"+key], nil
}

func (m *memoryBucket) Write(_ context.Context, bucket, key string, body []byte, _ string, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = body
	return nil
}

type fixture struct {
	store    *cache.InMemoryStore
	npm      *fakeNPM
	github   *fakeGitHub
	resolver *fakeResolver
}

func newFixture() *fixture {
	return &fixture{
		store: cache.NewInMemoryStore(),
		npm:   &fakeNPM{},
		github: &fakeGitHub{releases: []registry.Release{
			{Name: "v1.2.0", TagName: "v1.2.0", Body: "Faster widgets"},
			{Name: "v1.1.0", TagName: "v1.1.0"},
		}},
		resolver: &fakeResolver{out: widgetLockfile},
	}
}

func (f *fixture) orchestrator(t *testing.T, store cache.Store, bucket *bucketcache.Cache, cfg query.Config) *query.Orchestrator {
	t.Helper()
	o, err := query.New(store, f.npm, f.github, f.resolver, bucket, cfg, zerolog.Nop())
	require.NoError(t, err)
	return o
}

func storeHas(t *testing.T, store cache.Store, key string) bool {
	t.Helper()
	_, ok, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestQuery_ComposesResponse(t *testing.T) {
	// Arrange
	f := newFixture()
	o := f.orchestrator(t, f.store, nil, query.Config{})

	// Act
	resp, err := o.Query(context.Background(), "widget")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "widget", resp.Name)
	assert.Equal(t, []string{"1.0.0", "1.1.0", "1.2.0"}, resp.AllVersions)
	assert.Equal(t, resp.AllVersions, resp.LatestVersions)
	assert.Equal(t, "1.2.0", resp.Latest)
	assert.Equal(t, "1.1.0", resp.Older)
	assert.Len(t, resp.Packages, 3)
	assert.Contains(t, string(resp.LatestPackage), `1.2.0`)
	assert.Equal(t, "https://github.com/acme/widget", resp.URL)
	assert.Equal(t, "https://npmjs.com/package/widget", resp.NPMURL)

	assert.Equal(t, "acme", f.github.owner)
	assert.Equal(t, "widget", f.github.repo)
	require.NotNil(t, resp.LatestRelease)
	assert.Equal(t, "Faster widgets", resp.LatestRelease.Body)

	require.NotNil(t, resp.Footprint)
	assert.Equal(t, int64(20480), *resp.Footprint)
	assert.Equal(t, []string{"node_modules/tiny"}, resp.Dependencies)

	require.NotNil(t, resp.SizeDelta)
	assert.Equal(t, int64(500), resp.SizeDelta.UnpackedSize.Change)
	assert.Equal(t, float64(50), resp.SizeDelta.UnpackedSize.Percent)

	assert.True(t, storeHas(t, f.store, "widget-package"))
	assert.True(t, storeHas(t, f.store, "widget-releases3"))
	assert.True(t, storeHas(t, f.store, "widget_package_lock6_1.2.0"))
}

func TestQuery_SecondCallServedFromCache(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(t, f.store, nil, query.Config{Codec: "msgpack"})

	first, err := o.Query(context.Background(), "widget")
	require.NoError(t, err)
	second, err := o.Query(context.Background(), "widget")
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.npm.calls.Load())
	assert.Equal(t, 1, f.github.calls)
	assert.Equal(t, int32(1), f.resolver.calls.Load())
	assert.Equal(t, first.AllVersions, second.AllVersions)
	assert.Equal(t, first.Dependencies, second.Dependencies)
	assert.Equal(t, first.LatestRelease, second.LatestRelease)
}

func TestQuery_CachedEntriesUseQueryTTL(t *testing.T) {
	now := time.Now()
	store := cache.NewInMemoryStoreWithClock(func() time.Time { return now })
	f := newFixture()
	o := f.orchestrator(t, store, nil, query.Config{})

	_, err := o.Query(context.Background(), "widget")
	require.NoError(t, err)

	now = now.Add(23 * time.Hour)
	assert.True(t, storeHas(t, store, "widget-package"))
	now = now.Add(2 * time.Hour)
	assert.False(t, storeHas(t, store, "widget-package"), "Entries expire after 24h")
}

func TestQuery_ReleasesNotFoundIsSoftFailure(t *testing.T) {
	// Arrange
	f := newFixture()
	f.github.releases = nil
	f.github.err = &registry.StatusError{URL: "https://api.github.com/repos/acme/widget/releases", StatusCode: http.StatusNotFound}
	o := f.orchestrator(t, f.store, nil, query.Config{})

	// Act
	resp, err := o.Query(context.Background(), "widget")

	// Assert
	require.NoError(t, err)
	assert.NotNil(t, resp.Releases)
	assert.Empty(t, resp.Releases)
	assert.Nil(t, resp.LatestRelease)

	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"releases":[]`)
	assert.Contains(t, string(body), `"latestRelease":null`)

	raw, ok, err := f.store.Get(context.Background(), "widget-releases3")
	require.NoError(t, err)
	require.True(t, ok, "The empty list is cached")
	assert.Equal(t, "[]", string(raw))
}

func TestQuery_ResolverTimeout(t *testing.T) {
	// Arrange
	f := newFixture()
	slow, err := resolver.NewCommand([]string{"sh", "-c", "sleep 5"}, 100*time.Millisecond, 0, zerolog.Nop())
	require.NoError(t, err)
	o, err := query.New(f.store, f.npm, f.github, slow, nil, query.Config{}, zerolog.Nop())
	require.NoError(t, err)

	// Act
	_, err = o.Query(context.Background(), "widget")

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, resolver.ErrTimeout)
	var resolveErr *resolver.Error
	require.ErrorAs(t, err, &resolveErr)
	assert.Equal(t, "widget", resolveErr.Name)
	assert.Equal(t, "1.2.0", resolveErr.Version)
	assert.Contains(t, err.Error(), "widget@1.2.0")

	assert.False(t, storeHas(t, f.store, "widget_package_lock6_1.2.0"))
	assert.True(t, storeHas(t, f.store, "widget-package"))
}

func TestQuery_InvalidResolverOutputIsNotCached(t *testing.T) {
	f := newFixture()
	f.resolver.out = "npm ERR! something"
	o := f.orchestrator(t, f.store, nil, query.Config{})

	_, err := o.Query(context.Background(), "widget")
	var resolveErr *resolver.Error
	require.ErrorAs(t, err, &resolveErr)
	assert.False(t, storeHas(t, f.store, "widget_package_lock6_1.2.0"))
}

func TestQuery_RegistryFailurePropagates(t *testing.T) {
	f := newFixture()
	f.npm.err = &registry.StatusError{URL: "https://registry.npmjs.org/nope", StatusCode: http.StatusNotFound}
	o := f.orchestrator(t, f.store, nil, query.Config{})

	_, err := o.Query(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.github.calls)
}

func TestQuery_TreeServedFromBucketAfterKVExpiry(t *testing.T) {
	// Arrange
	f := newFixture()
	objects := &memoryBucket{objects: make(map[string][]byte)}
	bucket := bucketcache.New(objects, zerolog.Nop())
	cfg := query.Config{Bucket: "trees", BucketPrefix: "locks"}

	// Act
	_, err := f.orchestrator(t, f.store, bucket, cfg).Query(context.Background(), "widget")
	require.NoError(t, err)
	// A fresh key/value store simulates expiry of every cached entry.
	resp, err := f.orchestrator(t, cache.NewInMemoryStore(), bucket, cfg).Query(context.Background(), "widget")
	require.NoError(t, err)

	// Assert
	assert.Equal(t, int32(1), f.resolver.calls.Load())
	assert.Equal(t, []string{"node_modules/tiny"}, resp.Dependencies)
	year := time.Now().UTC().Year()
	assert.Contains(t, objects.objects, "trees/"+bucketcache.TreeKey("locks", year, "widget", "1.2.0"))
}

func TestQuery_CacheDisabledAlwaysComputes(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(t, nil, nil, query.Config{})

	for i := 0; i < 2; i++ {
		_, err := o.Query(context.Background(), "widget")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), f.npm.calls.Load())
	assert.Equal(t, int32(2), f.resolver.calls.Load())
}

func TestQuery_StoreFailureSurfaces(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(t, failingStore{}, nil, query.Config{})

	_, err := o.Query(context.Background(), "widget")
	require.ErrorIs(t, err, cache.ErrStoreUnavailable)
	assert.Equal(t, int32(0), f.npm.calls.Load())
}

type failingStore struct{ cache.NopStore }

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func TestWarm(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(t, f.store, nil, query.Config{})

	err := o.Warm(context.Background(), []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.npm.calls.Load())
	for _, name := range []string{"a", "b", "c"} {
		assert.True(t, storeHas(t, f.store, query.PackumentKey(name)))
	}

	f.resolver.err = errors.New("boom")
	err = o.Warm(context.Background(), []string{"d"}, 0)
	require.Error(t, err)
}

func TestNew_RejectsUnknownCodec(t *testing.T) {
	f := newFixture()
	_, err := query.New(f.store, f.npm, f.github, f.resolver, nil, query.Config{Codec: "xml"}, zerolog.Nop())
	require.Error(t, err)
}
