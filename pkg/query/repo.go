package query

import (
	"net/url"
	"strings"

	"github.com/huksley/gotdiff/pkg/registry"
)

// NormalizeRepoURL turns the repository URL forms found in package manifests
// into a browsable https URL. Unknown forms are returned unchanged.
func NormalizeRepoURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(u, "git+https://"):
		u = "https://" + strings.TrimPrefix(u, "git+https://")
	case strings.HasPrefix(u, "git+ssh://"):
		u = "https://" + strings.TrimPrefix(u, "git+ssh://")
	case strings.HasPrefix(u, "git://"):
		u = "https://" + strings.TrimPrefix(u, "git://")
	case strings.HasPrefix(u, "github:"):
		u = "https://github.com/" + strings.TrimPrefix(u, "github:")
	case !strings.Contains(u, ":") && strings.Count(u, "/") == 1:
		// owner/repo shorthand
		u = "https://github.com/" + u
	}
	u = strings.TrimSuffix(u, ".git")

	if parsed, err := url.Parse(u); err == nil && parsed.User != nil {
		parsed.User = nil
		u = parsed.String()
	}
	return u
}

// GitHubRepo extracts owner and repository from a normalized github.com URL.
func GitHubRepo(repoURL string) (owner, repo string, ok bool) {
	if repoURL == "" {
		return "", "", false
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Hostname() != "github.com" {
		return "", "", false
	}
	parts := strings.Split(u.Path, "/")
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// MatchRelease returns the first release whose name or tag identifies version
// of package name, or nil.
func MatchRelease(releases []registry.Release, name, version string) *registry.Release {
	if version == "" {
		return nil
	}
	for i := range releases {
		r := &releases[i]
		switch {
		case r.Name == version, r.Name == "v"+version:
			return r
		case r.TagName == version, r.TagName == "v"+version:
			return r
		case r.TagName == name+"@"+version, r.TagName == name+"@v"+version:
			return r
		}
	}
	return nil
}
