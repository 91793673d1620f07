package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// Class is the outcome bucket of a status check.
type Class string

const (
	Live     Class = "live"
	Redirect Class = "redirect"
	Broken   Class = "broken"
	Error    Class = "error"
)

// ReasonRedirectLoop is reported when a chain exceeds the hop cap.
const ReasonRedirectLoop = "redirect loop suspected"

const (
	defaultConcurrency = 20
	defaultTimeout     = 10 * time.Second
	defaultMaxHops     = 3
	maxBodyRead        = 64 << 10
)

// Result is the status of one URL.
type Result struct {
	URL         string
	Final       string
	Status      int
	FirstStatus int
	Hops        int
	Class       Class
	Reason      string
	Elapsed     time.Duration
}

// Label is the value written to reports: the status code, the redirect chain, or the
// error reason.
func (r Result) Label() string {
	switch r.Class {
	case Error:
		return "error: " + r.Reason
	case Redirect:
		return fmt.Sprintf("%d->%d", r.FirstStatus, r.Status)
	default:
		if r.Hops > 0 {
			return fmt.Sprintf("%d->%d", r.FirstStatus, r.Status)
		}
		return fmt.Sprintf("%d", r.Status)
	}
}

// Config configures a Checker.
type Config struct {
	Concurrency       int
	Timeout           time.Duration
	MaxHops           int
	BaseURL           string
	UserAgent         string
	FollowMetaRefresh bool
	Client            *http.Client
	Logger            *slog.Logger
}

// Checker runs status checks. Its concurrency limit is separate from the fetch pool.
type Checker struct {
	concurrency int
	timeout     time.Duration
	maxHops     int
	base        *url.URL
	userAgent   string
	metaRefresh bool
	client      *http.Client
	logger      *slog.Logger
}

// New validates cfg and builds a Checker.
func New(cfg Config) (*Checker, error) {
	c := &Checker{
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		maxHops:     cfg.MaxHops,
		userAgent:   cfg.UserAgent,
		metaRefresh: cfg.FollowMetaRefresh,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxHops <= 0 {
		c.maxHops = defaultMaxHops
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.client == nil {
		c.client = &http.Client{}
	} else {
		cp := *c.client
		c.client = &cp
	}
	// Hops are followed by hand so they can be counted and capped.
	c.client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	if cfg.BaseURL != "" {
		b, err := url.Parse(cfg.BaseURL)
		if err != nil || b.Scheme == "" || b.Host == "" {
			return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
		}
		c.base = b
	}
	return c, nil
}

// Check classifies every distinct URL. The calling goroutine owns the result map:
// check goroutines hand back plain values and never touch it. At most Concurrency checks
// are in flight. If ctx is cancelled, unchecked URLs are reported as errors.
func (c *Checker) Check(ctx context.Context, urls []string) map[string]Result {
	uniq := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		uniq = append(uniq, u)
	}

	results := make(map[string]Result, len(uniq))
	done := make(chan Result, len(uniq))
	sem := semaphore.NewWeighted(int64(c.concurrency))
	start := time.Now()

	launched := 0
	for _, u := range uniq {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		launched++
		go func(u string) {
			r := c.checkOne(ctx, u)
			sem.Release(1)
			done <- r
		}(u)
	}
	for range launched {
		r := <-done
		results[r.URL] = r
	}
	for _, u := range uniq[launched:] {
		results[u] = Result{URL: u, Class: Error, Reason: "cancelled"}
	}

	counts := map[Class]int{}
	for _, r := range results {
		counts[r.Class]++
	}
	c.logger.Info("Status checks finished",
		slog.Int("urls", len(uniq)), slog.Duration("elapsed", time.Since(start)),
		slog.Int("live", counts[Live]), slog.Int("redirect", counts[Redirect]),
		slog.Int("broken", counts[Broken]), slog.Int("error", counts[Error]))
	return results
}

func (c *Checker) checkOne(ctx context.Context, raw string) Result {
	start := time.Now()
	res := Result{URL: raw}

	target, err := c.resolve(nil, raw)
	if err != nil {
		res.Class, res.Reason = Error, "invalid url"
		return finish(&res, start)
	}

	for hop := 0; ; hop++ {
		status, next, err := c.get(ctx, target)
		if err != nil {
			res.Class, res.Reason = Error, reason(err)
			c.logger.Debug("Status check failed", slog.String("url", raw), "error", err)
			return finish(&res, start)
		}
		if hop == 0 {
			res.FirstStatus = status
		}
		res.Status = status
		res.Final = target.String()

		if next == "" {
			if status >= 300 && status < 400 {
				res.Class, res.Reason = Error, "redirect without location"
				return finish(&res, start)
			}
			res.Class, res.Reason = classify(status, res.Hops)
			return finish(&res, start)
		}
		if hop >= c.maxHops {
			res.Class, res.Reason = Error, ReasonRedirectLoop
			return finish(&res, start)
		}
		if target, err = c.resolve(target, next); err != nil {
			res.Class, res.Reason = Error, "invalid redirect location"
			return finish(&res, start)
		}
		res.Hops++
	}
}

func finish(r *Result, start time.Time) Result {
	r.Elapsed = time.Since(start)
	return *r
}

func classify(status, hops int) (Class, string) {
	switch {
	case status >= 200 && status < 300:
		if hops > 0 {
			return Redirect, ""
		}
		return Live, ""
	case status == http.StatusNotFound || status == http.StatusGone:
		return Broken, ""
	default:
		return Error, fmt.Sprintf("unexpected status %d", status)
	}
}

func reason(err error) string {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return err.Error()
}

// get performs one request under the per-call timeout and returns the status and the
// next location to follow, if any.
func (c *Checker) get(ctx context.Context, target *url.URL) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return 0, "", err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body := io.LimitReader(resp.Body, maxBodyRead)

	next := ""
	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		next = resp.Header.Get("Location")
	case resp.StatusCode == http.StatusOK && c.metaRefresh && isHTML(resp.Header.Get("Content-Type")):
		next = metaRefreshTarget(body)
	}
	if _, err := io.Copy(io.Discard, body); err != nil && reqCtx.Err() != nil {
		return 0, "", reqCtx.Err()
	}
	return resp.StatusCode, next, nil
}

// resolve turns raw into an absolute URL, relative to from or the base URL.
func (c *Checker) resolve(from *url.URL, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	if from != nil {
		return from.ResolveReference(u), nil
	}
	if c.base == nil {
		return nil, fmt.Errorf("relative url %q without base url", raw)
	}
	return c.base.ResolveReference(u), nil
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
}
