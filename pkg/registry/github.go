package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

const DefaultGitHubURL = "https://api.github.com"

// Release is the subset of a GitHub release used for changelogs.
type Release struct {
	Name        string `json:"name"`
	TagName     string `json:"tag_name"`
	HTMLURL     string `json:"html_url,omitempty"`
	Body        string `json:"body,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
	Draft       bool   `json:"draft,omitempty"`
	Prerelease  bool   `json:"prerelease,omitempty"`
}

// GitHubClient lists repository releases.
type GitHubClient struct {
	requester *Requester
	baseURL   string
	token     string
	logger    zerolog.Logger
}

// NewGitHubClient creates a GitHubClient. An empty token sends unauthenticated requests.
func NewGitHubClient(requester *Requester, baseURL, token string, logger zerolog.Logger) *GitHubClient {
	if baseURL == "" {
		baseURL = DefaultGitHubURL
	}
	return &GitHubClient{
		requester: requester,
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		logger:    logger.With().Str("component", "GitHubClient").Logger(),
	}
}

// Releases returns the first page (up to 100) of releases of owner/repo.
func (c *GitHubClient) Releases(ctx context.Context, owner, repo string) ([]Release, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=100", c.baseURL, url.PathEscape(owner), url.PathEscape(repo))
	headers := map[string]string{"Accept": "application/vnd.github+json"}
	if c.token != "" {
		headers["Authorization"] = "token " + c.token
	}

	var releases []Release
	if err := c.requester.GetJSON(ctx, u, headers, &releases); err != nil {
		return nil, err
	}
	c.logger.Info().Str("owner", owner).Str("repo", repo).Int("count", len(releases)).Msg("Got releases.")
	return releases, nil
}
