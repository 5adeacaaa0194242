package query

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// LatestVersionsLimit is how many of the newest stable versions are reported.
const LatestVersionsLimit = 15

var prereleaseMarkers = []string{"canary", "beta", "alpha", "-next-", "-rc."}

// IsPrerelease reports whether a version string carries one of the
// prerelease markers hidden from comparisons.
func IsPrerelease(v string) bool {
	for _, m := range prereleaseMarkers {
		if strings.Contains(v, m) {
			return true
		}
	}
	return false
}

// StableVersions returns the non-prerelease versions in ascending semver
// order. Strings that do not parse as versions are dropped.
func StableVersions(versions []string) []string {
	type parsed struct {
		raw string
		v   *semver.Version
	}
	list := make([]parsed, 0, len(versions))
	for _, raw := range versions {
		if IsPrerelease(raw) {
			continue
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		list = append(list, parsed{raw: raw, v: v})
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].v.LessThan(list[j].v)
	})

	out := make([]string, len(list))
	for i, p := range list {
		out[i] = p.raw
	}
	return out
}

// LastN returns the trailing n elements of s.
func LastN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
