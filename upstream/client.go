// Package upstream is the origin client used for every network attempt the
// daemon makes on behalf of the app.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// DefaultTimeout bounds a single origin request when the caller's
	// context carries no deadline.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the largest origin body the client will buffer.
	MaxResponseSize = 64 << 20
)

// ErrResponseTooLarge is returned when the origin body exceeds MaxResponseSize.
var ErrResponseTooLarge = errors.New("upstream: response too large")

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is one origin request. Path is relative to the origin base URL.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is a fully buffered origin response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// Redirected is true when the client followed at least one redirect.
	Redirected bool

	// SameOrigin is true when the final URL shares scheme and host with the
	// configured origin.
	SameOrigin bool
}

// ContentType returns the response Content-Type header.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// Client fetches from the configured origin.
type Client struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	headers http.Header
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithTimeout bounds a single origin request. It applies to the default
// HTTP client and to one set with WithHTTPClient alike.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHeaders sets headers added to every request that does not already
// carry them.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		c.headers = make(http.Header, len(headers))
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the origin at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing origin url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("origin url %q must be absolute", baseURL)
	}

	c := &Client{
		base: base,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "origin"),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.client
		hc.Timeout = c.timeout
		c.client = &hc
	}
	return c, nil
}

// BaseURL returns the origin base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

func (c *Client) resolve(path, rawQuery string) *url.URL {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	return &u
}

// Do sends req to the origin and buffers the response. Transport failures
// are returned as errors; every HTTP status is returned as a Response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	target := c.resolve(req.Path, req.RawQuery)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	copyHeader(httpReq.Header, req.Header)
	for k, vv := range c.headers {
		if httpReq.Header.Get(k) == "" {
			httpReq.Header[k] = append([]string(nil), vv...)
		}
	}
	// Let the transport negotiate and decode compression so cached bodies
	// are stored as plain bytes.
	httpReq.Header.Del("Accept-Encoding")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, ErrResponseTooLarge
	}

	header := make(http.Header, len(resp.Header))
	copyHeader(header, resp.Header)
	header.Del("Content-Length")
	if resp.Uncompressed {
		header.Del("Content-Encoding")
	}

	final := resp.Request.URL
	out := &Response{
		Status:     resp.StatusCode,
		Header:     header,
		Body:       data,
		Redirected: final.String() != target.String(),
		SameOrigin: strings.EqualFold(final.Scheme, c.base.Scheme) && strings.EqualFold(final.Host, c.base.Host),
	}

	c.logger.Debug("origin response",
		"method", req.Method,
		"path", req.Path,
		"status", out.Status,
		"bytes", len(data),
		"redirected", out.Redirected,
	)
	return out, nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	dst.Del("Host")
}

// IsUnavailable reports whether an origin attempt counts as a network
// failure: a transport error, or a 502, 503 or 504 from the origin or an
// intermediary. Every other status is a definitive origin answer.
func IsUnavailable(resp *Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	switch resp.Status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
