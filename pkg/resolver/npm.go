package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SizeField is the lockfile field carrying the installed footprint in bytes.
const SizeField = "__size"

// InstallOptions configure InstallTree.
type InstallOptions struct {
	// NPM is the npm executable, "npm" when empty.
	NPM string
	// BaseDir holds the per-install work directories, os.TempDir() when empty.
	BaseDir   string
	Timeout   time.Duration
	MaxOutput int
}

// InstallTree installs spec (name@version) into a scratch directory with npm,
// without running scripts or installing peers, and returns the resulting
// package-lock.json with the node_modules footprint added under SizeField.
func InstallTree(ctx context.Context, spec string, opts InstallOptions, logger zerolog.Logger) ([]byte, error) {
	log := logger.With().Str("component", "InstallTree").Str("spec", spec).Logger()
	if opts.NPM == "" {
		opts.NPM = "npm"
	}
	if opts.BaseDir == "" {
		opts.BaseDir = os.TempDir()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}

	dir := filepath.Join(opts.BaseDir, "gotdiff-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot make dir %s: %w", dir, err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Failed to remove work dir.")
		}
	}()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write package.json: %w", err)
	}

	start := time.Now()
	stdout, stderr, err := run(ctx, runSpec{
		path:      opts.NPM,
		args:      []string{"install", spec, "--ignore-scripts", "--omit", "peer", "--no-audit"},
		dir:       dir,
		env:       []string{"HOME=" + dir, "PREFIX=" + dir, "PATH=" + os.Getenv("PATH")},
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutput,
	})
	if err != nil {
		log.Warn().Err(err).Str("stderr", stderr).Msg("npm install failed.")
		return nil, fmt.Errorf("npm install %s: %w", spec, err)
	}
	log.Debug().Str("stdout", strings.TrimSpace(string(stdout))).Dur("latency", time.Since(start)).Msg("npm install done.")

	size, err := DirSize(filepath.Join(dir, "node_modules"))
	if err != nil {
		return nil, fmt.Errorf("failed to measure node_modules: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "package-lock.json"))
	if err != nil {
		return nil, fmt.Errorf("no lockfile produced for %s: %w", spec, err)
	}
	lock, err := WithSize(raw, size)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("footprint", size).Int("bytes", len(lock)).Msg("Resolved tree.")
	return lock, nil
}

// WithSize adds SizeField to a lockfile document.
func WithSize(lockfile []byte, size int64) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(lockfile, &doc); err != nil {
		return nil, fmt.Errorf("invalid lockfile: %w", err)
	}
	if doc == nil {
		return nil, errors.New("invalid lockfile: not an object")
	}
	doc[SizeField] = json.RawMessage(fmt.Sprint(size))
	return json.Marshal(doc)
}

// DirSize sums the sizes of the regular files under root. A missing root is 0.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
