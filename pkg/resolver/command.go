// Package resolver produces the lockfile-shaped dependency tree of a package
// version by running an external command.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 16 * 1024 * 1024
	maxStderr        = 64 * 1024
	// waitDelay bounds how long Wait blocks on pipes held open by grandchildren
	// after the command itself was killed.
	waitDelay = time.Second
)

var (
	ErrTimeout        = errors.New("resolver timed out")
	ErrOutputTooLarge = errors.New("resolver output exceeded limit")
)

// Error reports a failed resolution of Name@Version.
type Error struct {
	Name    string
	Version string
	Stderr  string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch failed %s@%s: %v", e.Name, e.Version, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Resolver returns the dependency tree document for name@version.
type Resolver interface {
	Resolve(ctx context.Context, name, version string) ([]byte, error)
}

// Command runs an external program with name@version appended to its arguments
// and returns what it writes to stdout.
type Command struct {
	args      []string
	timeout   time.Duration
	maxOutput int
	logger    zerolog.Logger
}

// NewCommand creates a Command resolver. Zero limits use the defaults.
func NewCommand(args []string, timeout time.Duration, maxOutput int, logger zerolog.Logger) (*Command, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, errors.New("resolver command is empty")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &Command{
		args:      args,
		timeout:   timeout,
		maxOutput: maxOutput,
		logger:    logger.With().Str("component", "CommandResolver").Logger(),
	}, nil
}

func (c *Command) Resolve(ctx context.Context, name, version string) ([]byte, error) {
	args := append(append([]string{}, c.args[1:]...), name+"@"+version)
	start := time.Now()
	stdout, stderr, err := run(ctx, runSpec{
		path:      c.args[0],
		args:      args,
		timeout:   c.timeout,
		maxOutput: c.maxOutput,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("package", name).Str("version", version).Str("stderr", stderr).Msg("Fetch tree failed.")
		return nil, &Error{Name: name, Version: version, Stderr: stderr, Err: err}
	}
	c.logger.Info().
		Str("package", name).
		Str("version", version).
		Dur("latency", time.Since(start)).
		Int("bytes", len(stdout)).
		Msg("Fetched tree.")
	return stdout, nil
}

type runSpec struct {
	path      string
	args      []string
	dir       string
	env       []string
	timeout   time.Duration
	maxOutput int
}

// run executes spec and collects its output. A timeout or an overflowing
// stdout kills the process.
func run(ctx context.Context, spec runSpec) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.path, spec.args...)
	cmd.Dir = spec.dir
	if spec.env != nil {
		cmd.Env = spec.env
	}
	cmd.WaitDelay = waitDelay

	stdout := &limitedBuffer{max: spec.maxOutput, onOverflow: cancel}
	stderr := &limitedBuffer{max: maxStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	errText := strings.TrimSpace(stderr.String())
	switch {
	case stdout.Overflowed():
		return nil, errText, fmt.Errorf("%w (%d bytes)", ErrOutputTooLarge, spec.maxOutput)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, errText, fmt.Errorf("%w after %s", ErrTimeout, spec.timeout)
	case err != nil:
		return nil, errText, err
	}
	return stdout.Bytes(), errText, nil
}

// limitedBuffer keeps at most max bytes. Further writes are discarded and
// trigger onOverflow once.
type limitedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	max        int
	overflowed bool
	onOverflow func()
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.overflowed {
		return len(p), nil
	}
	if b.buf.Len()+len(p) > b.max {
		b.buf.Write(p[:b.max-b.buf.Len()])
		b.overflowed = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
