// Package registry talks to the upstream HTTP APIs: the npm registry and the
// GitHub releases API.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "gotdiff (+https://github.com/huksley/gotdiff)"
	// maxErrorBody caps how much of a failed response is kept for diagnostics.
	maxErrorBody = 4096
)

// ErrNotFound matches a StatusError with status 404.
var ErrNotFound = errors.New("not found")

// StatusError is returned for responses outside the 2xx-3xx range.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP response %s %d %s", e.URL, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Requester performs outbound GET requests and decodes JSON bodies.
type Requester struct {
	client    *http.Client
	userAgent string
	logger    zerolog.Logger
}

// NewRequester creates a Requester. A zero timeout uses DefaultTimeout.
func NewRequester(timeout time.Duration, logger zerolog.Logger) *Requester {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Requester{
		client:    &http.Client{Timeout: timeout},
		userAgent: DefaultUserAgent,
		logger:    logger.With().Str("component", "Requester").Logger(),
	}
}

// GetJSON issues a GET to url with the extra headers and decodes a JSON
// response into out.
func (r *Requester) GetJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	r.logger.Info().Str("method", req.Method).Str("url", url).Msg("HTTP request.")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	r.logger.Debug().Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("Got response.")

	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		r.logger.Debug().Int("status", resp.StatusCode).Str("body", string(body)).Msg("Rejecting response.")
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(body)}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return fmt.Errorf("unexpected content type %q from %s", resp.Header.Get("Content-Type"), url)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}
