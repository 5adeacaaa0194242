package registry

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

const DefaultRegistryURL = "https://registry.npmjs.org"

// Packument is the registry document for a package. Version manifests are
// kept as raw JSON and interpreted by the caller.
type Packument struct {
	Name     string                     `json:"name"`
	DistTags map[string]string          `json:"dist-tags,omitempty"`
	Versions map[string]json.RawMessage `json:"versions"`
}

// NPMClient fetches package documents from an npm registry.
type NPMClient struct {
	requester *Requester
	baseURL   string
	logger    zerolog.Logger
}

// NewNPMClient creates an NPMClient. An empty baseURL uses DefaultRegistryURL.
func NewNPMClient(requester *Requester, baseURL string, logger zerolog.Logger) *NPMClient {
	if baseURL == "" {
		baseURL = DefaultRegistryURL
	}
	return &NPMClient{
		requester: requester,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger.With().Str("component", "NPMClient").Logger(),
	}
}

// Packument fetches the full document for name.
func (c *NPMClient) Packument(ctx context.Context, name string) (*Packument, error) {
	c.logger.Info().Str("package", name).Msg("Query registry.")
	var doc Packument
	if err := c.requester.GetJSON(ctx, c.baseURL+"/"+EscapeName(name), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// EscapeName escapes the slash of a scoped package name the way the registry
// expects it (@scope/pkg becomes @scope%2Fpkg).
func EscapeName(name string) string {
	return strings.ReplaceAll(name, "/", "%2F")
}
