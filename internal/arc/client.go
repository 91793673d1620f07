// Package arc is a small client for the Arc XP content, photo and draft APIs used by the
// audit reports. Every method makes exactly one HTTP call so that callers can pace and
// retry calls individually.
package arc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/brensch/arcaudit/internal/util"
)

const (
	// DefaultPageSize is the page size of every paginated endpoint.
	DefaultPageSize = 100
	// MaxResultWindow is the deepest offset the search API will serve.
	MaxResultWindow = 10000
)

// ErrMissingCredentials is returned when the organization or token is empty.
var ErrMissingCredentials = errors.New("arc organization and bearer token are required")

// Client talks to one organization in one environment.
type Client struct {
	org     string
	sandbox bool
	token   string
	base    *url.URL
	http    *http.Client
	logger  *slog.Logger
}

// Option customises a Client.
type Option func(*Client) error

// WithBaseURL points the client at a different host, such as a test server.
func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse base url %q: %w", raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base url %q must be absolute", raw)
		}
		c.base = u
		return nil
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) error {
		c.http = h
		return nil
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// New builds a client for org. In the sandbox environment requests go to
// api.sandbox.<org>.arcpublishing.com.
func New(org string, sandbox bool, token string, opts ...Option) (*Client, error) {
	org = strings.TrimPrefix(strings.TrimSpace(org), "sandbox.")
	if org == "" || strings.TrimSpace(token) == "" {
		return nil, ErrMissingCredentials
	}
	c := &Client{
		org:     org,
		sandbox: sandbox,
		token:   token,
		http:    util.DefaultHTTPClient(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	c.base = &url.URL{Scheme: "https", Host: "api." + c.Host() + ".arcpublishing.com"}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.logger = c.logger.With(slog.String("org", c.Host()))
	return c, nil
}

// Org is the organization id without any environment prefix.
func (c *Client) Org() string { return c.org }

// Sandbox reports whether the client targets the sandbox environment.
func (c *Client) Sandbox() bool { return c.sandbox }

// Environment is "sandbox" or "production".
func (c *Client) Environment() string {
	if c.sandbox {
		return "sandbox"
	}
	return "production"
}

// Host is the organization as it appears in API host names.
func (c *Client) Host() string {
	if c.sandbox {
		return "sandbox." + c.org
	}
	return c.org
}

// endpoint joins an already escaped path onto the base URL.
func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	raw := strings.TrimSuffix(c.base.EscapedPath(), "/") + path
	u.RawPath = raw
	if p, err := url.PathUnescape(raw); err == nil {
		u.Path = p
	} else {
		u.Path = raw
	}
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any) (*util.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), rd)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", "arcaudit-"+c.Host())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := util.Do(c.http, req)
	if err != nil {
		c.logger.Debug("Arc call failed", slog.String("method", method), slog.String("path", path), "error", err)
		return nil, err
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) (*util.Response, error) {
	resp, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}
	if err := decode(resp.Body, out); err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return resp, nil
}

func decode(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fetch.Malformed("decode json: %v", err)
	}
	return nil
}
