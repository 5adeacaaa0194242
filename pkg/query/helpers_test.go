package query_test

import (
	"testing"

	"github.com/huksley/gotdiff/pkg/query"
	"github.com/huksley/gotdiff/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStableVersions(t *testing.T) {
	in := []string{
		"1.10.0", "1.2.0", "1.9.1", "2.0.0-beta.1", "2.0.0-canary.4",
		"1.0.0-alpha", "13.0.0-next-abc", "1.3.0-rc.1", "garbage", "0.9.0",
	}
	assert.Equal(t, []string{"0.9.0", "1.2.0", "1.9.1", "1.10.0"}, query.StableVersions(in))
	assert.Empty(t, query.StableVersions(nil))
}

func TestIsPrerelease(t *testing.T) {
	assert.True(t, query.IsPrerelease("14.0.0-canary.1"))
	assert.True(t, query.IsPrerelease("1.0.0-rc.2"))
	assert.False(t, query.IsPrerelease("1.0.0-rc1"), "Only the -rc. form is filtered")
	assert.False(t, query.IsPrerelease("18.2.0"))
}

func TestLastN(t *testing.T) {
	assert.Equal(t, []string{"c", "d"}, query.LastN([]string{"a", "b", "c", "d"}, 2))
	assert.Equal(t, []string{"a"}, query.LastN([]string{"a"}, 15))
}

func TestNormalizeRepoURL(t *testing.T) {
	testCases := map[string]string{
		"git+https://github.com/vercel/swr.git":       "https://github.com/vercel/swr",
		"git+ssh://git@github.com/vercel/next.js.git": "https://github.com/vercel/next.js",
		"git://github.com/lodash/lodash.git":          "https://github.com/lodash/lodash",
		"https://github.com/facebook/react":           "https://github.com/facebook/react",
		"github:sindresorhus/ky":                      "https://github.com/sindresorhus/ky",
		"expressjs/express":                           "https://github.com/expressjs/express",
		"https://gitlab.com/a/b.git":                  "https://gitlab.com/a/b",
		"":                                            "",
	}
	for in, expected := range testCases {
		assert.Equal(t, expected, query.NormalizeRepoURL(in), in)
	}
}

func TestGitHubRepo(t *testing.T) {
	owner, repo, ok := query.GitHubRepo("https://github.com/facebook/react/tree/main/packages/react")
	require.True(t, ok)
	assert.Equal(t, "facebook", owner)
	assert.Equal(t, "react", repo)

	_, _, ok = query.GitHubRepo("https://gitlab.com/a/b")
	assert.False(t, ok)
	_, _, ok = query.GitHubRepo("https://github.com/onlyowner")
	assert.False(t, ok)
	_, _, ok = query.GitHubRepo("")
	assert.False(t, ok)
}

func TestMatchRelease(t *testing.T) {
	testCases := []struct {
		name     string
		release  registry.Release
		expected bool
	}{
		{name: "plain name", release: registry.Release{Name: "2.1.0"}, expected: true},
		{name: "v name", release: registry.Release{Name: "v2.1.0"}, expected: true},
		{name: "plain tag", release: registry.Release{TagName: "2.1.0"}, expected: true},
		{name: "v tag", release: registry.Release{TagName: "v2.1.0"}, expected: true},
		{name: "monorepo tag", release: registry.Release{TagName: "widget@2.1.0"}, expected: true},
		{name: "monorepo v tag", release: registry.Release{TagName: "widget@v2.1.0"}, expected: true},
		{name: "other package", release: registry.Release{TagName: "gadget@2.1.0"}, expected: false},
		{name: "other version", release: registry.Release{TagName: "v2.1.1"}, expected: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			releases := []registry.Release{{TagName: "unrelated"}, tc.release}
			got := query.MatchRelease(releases, "widget", "2.1.0")
			if tc.expected {
				require.NotNil(t, got)
				assert.Equal(t, tc.release, *got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
	assert.Nil(t, query.MatchRelease([]registry.Release{{Name: ""}}, "widget", ""))
}

func TestLockfileDependencies(t *testing.T) {
	lock, err := query.ParseLockfile([]byte(`{
		"__size": 4096,
		"packages": {
			"": {"name": "root"},
			"node_modules/widget": {"version": "2.1.0"},
			"node_modules/zeta": {"version": "1.0.0"},
			"node_modules/alpha": {"version": "1.0.0"},
			"node_modules/react": {"version": "18.2.0", "peer": true},
			"node_modules/alpha/node_modules/beta": {"version": "0.1.0"}
		}
	}`))
	require.NoError(t, err)
	require.NotNil(t, lock.Size)
	assert.Equal(t, int64(4096), *lock.Size)
	assert.Equal(t, []string{
		"node_modules/alpha",
		"node_modules/alpha/node_modules/beta",
		"node_modules/zeta",
	}, lock.Dependencies("widget"))

	_, err = query.ParseLockfile([]byte(`not json`))
	require.Error(t, err)
}

func TestCompareSizes(t *testing.T) {
	older := &query.Manifest{}
	older.Dist.UnpackedSize = 1000
	older.Dist.FileCount = 10
	latest := &query.Manifest{}
	latest.Dist.UnpackedSize = 1250
	latest.Dist.FileCount = 8

	delta := query.CompareSizes(older, latest)
	require.NotNil(t, delta)
	assert.Equal(t, query.Delta{Older: 1000, Latest: 1250, Change: 250, Percent: 25}, delta.UnpackedSize)
	assert.Equal(t, query.Delta{Older: 10, Latest: 8, Change: -2, Percent: -20}, delta.FileCount)

	zero := query.CompareSizes(&query.Manifest{}, latest)
	assert.Equal(t, float64(0), zero.UnpackedSize.Percent)
	assert.Nil(t, query.CompareSizes(nil, latest))
}
