package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"trophysync/pkg/metrics"
	"trophysync/pkg/model"
	"trophysync/pkg/parser"
)

const maxBodyBytes = 8 << 20

// ClientConfig configures the HTTP plumbing of one adapter
type ClientConfig struct {
	Platform          model.Platform
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	UserAgent         string
}

// Client issues rate-limited requests against one platform API
// and maps failures onto the shared taxonomy.
type Client struct {
	platform  model.Platform
	base      *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// NewClient creates a Client
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s base url: %w", cfg.Platform, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = "trophysync/1.0"
	}

	return &Client{
		platform:  cfg.Platform,
		base:      base,
		http:      httpClient,
		limiter:   rate.NewLimiter(limit, 1),
		userAgent: ua,
	}, nil
}

// URL resolves path (already escaped) and query against the base URL
func (c *Client) URL(path string, query url.Values) string {
	u := *c.base
	u.RawPath = c.base.EscapedPath() + path
	if p, err := url.PathUnescape(u.RawPath); err == nil {
		u.Path = p
	} else {
		u.Path, u.RawPath = c.base.Path+path, ""
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Get issues a GET request and returns the parsed JSON body
func (c *Client) Get(ctx context.Context, op, path string, query url.Values, header http.Header) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path, query), nil)
	if err != nil {
		return gjson.Result{}, NewError(c.platform, op, ErrMalformedPayload, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	body, err := c.Do(ctx, op, req)
	if err != nil {
		return gjson.Result{}, err
	}
	return c.Decode(op, body)
}

// Do sends req after waiting for the rate limiter and returns the raw body of a 2xx response
func (c *Client) Do(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	start := time.Now()
	body, err := c.do(ctx, op, req)
	metrics.UpstreamLatency.WithLabelValues(string(c.platform), op).Observe(time.Since(start).Seconds())
	metrics.UpstreamRequestsTotal.WithLabelValues(string(c.platform), op, outcome(err)).Inc()
	return body, err
}

func (c *Client) do(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, NewError(c.platform, op, ErrUpstreamUnavailable, err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewError(c.platform, op, ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, NewError(c.platform, op, ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	e := NewError(c.platform, op, StatusKind(resp.StatusCode), nil)
	e.Status = resp.StatusCode
	if snippet := strings.TrimSpace(string(body)); snippet != "" {
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		e.Err = errors.New(snippet)
	}
	return body, e
}

// Decode parses body as JSON, mapping garbage onto ErrMalformedPayload
func (c *Client) Decode(op string, body []byte) (gjson.Result, error) {
	v, err := parser.Parse(body)
	if err != nil {
		return gjson.Result{}, NewError(c.platform, op, ErrMalformedPayload, err)
	}
	return v, nil
}

// Platform returns the platform the client talks to
func (c *Client) Platform() model.Platform {
	return c.platform
}

// StatusKind maps an HTTP status onto the failure taxonomy
func StatusKind(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrAccountPrivate
	case status == http.StatusNotFound:
		return ErrAccountNotFound
	case status == http.StatusTooManyRequests, status >= 500:
		return ErrUpstreamUnavailable
	default:
		return ErrMalformedPayload
	}
}

// StatusOf returns the HTTP status carried by err, or 0
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, ErrAccountPrivate):
		return "private"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	default:
		return "unavailable"
	}
}
