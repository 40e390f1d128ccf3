// Package registry reads published template versions from an
// npm-compatible package registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
)

const (
	// DefaultURL is the public npm registry.
	DefaultURL = "https://registry.npmjs.org"

	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 10 * time.Second

	// ProbeTimeout bounds the reachability check.
	ProbeTimeout = 5 * time.Second

	// MaxResponseSize is the maximum allowed registry document size (64MB)
	MaxResponseSize = 64 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "templatesync/1.0"

	maxTries = 3
)

// ErrPackageNotFound is returned when the registry has no document for the
// package.
var ErrPackageNotFound = errors.New("package not found in registry")

// HTTPError represents an unexpected HTTP status.
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// retryable reports whether a later attempt may succeed.
func (e *HTTPError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client lists package versions.
type Client struct {
	baseURL    string
	http       *http.Client
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

// NewClient creates a registry client. An empty baseURL selects DefaultURL
// and a zero timeout selects DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// packageURL returns the document URL. Scoped names keep their "@" and have
// the "/" escaped, as npm expects.
func (c *Client) packageURL(name string) string {
	return c.baseURL + "/" + url.PathEscape(name)
}

// ListVersions returns every published version of the package, in the
// order the registry lists them. Server errors are retried.
func (c *Client) ListVersions(ctx context.Context, name string) ([]string, error) {
	if name == "" {
		return nil, errors.New("package name is required")
	}
	u := c.packageURL(name)

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		body, err := c.get(ctx, u)
		if err == nil {
			return body, nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			if httpErr.StatusCode == http.StatusNotFound {
				return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrPackageNotFound, name))
			}
			if !httpErr.retryable() {
				return nil, backoff.Permanent(err)
			}
		}
		return nil, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("Retrying registry request", "url", u, "error", err, "backoff", next)
		}),
	)
	if err != nil {
		return nil, err
	}

	return parseVersions(body)
}

// parseVersions extracts the keys of the document's "versions" object. A
// document without versions yields an empty list.
func parseVersions(body []byte) ([]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("registry returned an invalid JSON document")
	}

	versions := []string{}
	doc := gjson.GetBytes(body, "versions")
	if !doc.IsObject() {
		return versions, nil
	}
	doc.ForEach(func(key, _ gjson.Result) bool {
		versions = append(versions, key.String())
		return true
	})
	return versions, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: u, Message: resp.Status}
	}

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes",
			resp.ContentLength, MaxResponseSize)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// Probe checks whether the registry answers at all.
type Probe struct {
	url  string
	http *http.Client
}

// NewProbe creates a probe for baseURL (DefaultURL when empty).
func NewProbe(baseURL string) *Probe {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Probe{
		url:  baseURL,
		http: &http.Client{Timeout: ProbeTimeout},
	}
}

// IsReachable reports whether a GET on the registry root returns 2xx.
func (p *Probe) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := p.http.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
