package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Repository accepts both manifest forms: a bare string or {"type", "url"}.
type Repository struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

func (r *Repository) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		r.URL = s
		return nil
	}
	type plain Repository
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		// Any other shape carries no usable URL.
		return nil
	}
	*r = Repository(p)
	return nil
}

// Manifest is the part of a version manifest used for comparisons.
type Manifest struct {
	Name       string     `json:"name"`
	Version    string     `json:"version"`
	Repository Repository `json:"repository"`
	Dist       struct {
		UnpackedSize int64 `json:"unpackedSize"`
		FileCount    int64 `json:"fileCount"`
	} `json:"dist"`
}

func parseManifest(version string, raw json.RawMessage) (*Manifest, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest for version %s: %w", version, err)
	}
	return &m, nil
}

// Lockfile is the part of an npm package-lock.json (v2/v3) used to list
// dependencies, plus the installed footprint.
type Lockfile struct {
	Packages map[string]struct {
		Version string `json:"version"`
		Peer    bool   `json:"peer"`
	} `json:"packages"`
	Size *int64 `json:"__size,omitempty"`
}

// ParseLockfile validates and decodes a resolver document.
func ParseLockfile(raw []byte) (*Lockfile, error) {
	var l Lockfile
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("invalid lockfile: %w", err)
	}
	return &l, nil
}

// Dependencies lists the installed packages of the tree rooted at name,
// excluding name itself and peer dependencies, sorted.
func (l *Lockfile) Dependencies(name string) []string {
	const prefix = "node_modules/"
	deps := make([]string, 0, len(l.Packages))
	for path, p := range l.Packages {
		if !strings.HasPrefix(path, prefix) || path == prefix+name || p.Peer {
			continue
		}
		deps = append(deps, path)
	}
	sort.Strings(deps)
	return deps
}

// Delta compares one metric between the older and the latest version.
type Delta struct {
	Older   int64   `json:"older"`
	Latest  int64   `json:"latest"`
	Change  int64   `json:"change"`
	Percent float64 `json:"percent"`
}

func newDelta(older, latest int64) Delta {
	d := Delta{Older: older, Latest: latest, Change: latest - older}
	if older != 0 {
		d.Percent = float64(d.Change) * 100 / float64(older)
	}
	return d
}

// SizeDelta compares the published tarball metrics of two versions.
type SizeDelta struct {
	UnpackedSize Delta `json:"unpackedSize"`
	FileCount    Delta `json:"fileCount"`
}

// CompareSizes returns nil unless both manifests are present.
func CompareSizes(older, latest *Manifest) *SizeDelta {
	if older == nil || latest == nil {
		return nil
	}
	return &SizeDelta{
		UnpackedSize: newDelta(older.Dist.UnpackedSize, latest.Dist.UnpackedSize),
		FileCount:    newDelta(older.Dist.FileCount, latest.Dist.FileCount),
	}
}
