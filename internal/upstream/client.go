// Package upstream implements the streaming client for the OpenAI-compatible
// chat completion endpoint: a shared connection-pooled HTTP client, outbound
// payload construction, SSE parsing, and aggregation of incremental deltas.
package upstream

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultIdleTimeout = 120 * time.Second
	defaultMaxConns    = 20
	defaultMaxIdle     = 10
)

// Options configures the upstream client. URL is required; everything else
// falls back to the defaults above.
type Options struct {
	// URL is the full chat-completions endpoint of the upstream LLM.
	URL string

	// Model identifies the deployed model in outbound payloads.
	Model string

	// MaxTokens and Temperature are the process-wide defaults applied when a
	// request carries no override.
	MaxTokens   int
	Temperature float64

	// DialTimeout bounds connection establishment, TLS handshake included.
	DialTimeout time.Duration

	// IdleTimeout bounds inactivity while reading the response: if no bytes
	// arrive within this window the stream is aborted with ErrTimeout.
	IdleTimeout time.Duration

	MaxConns int
	MaxIdle  int
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.MaxConns <= 0 {
		o.MaxConns = defaultMaxConns
	}
	if o.MaxIdle <= 0 {
		o.MaxIdle = defaultMaxIdle
	}
	return o
}

// Client issues streaming completion calls against one upstream endpoint.
// It owns a single pooled *http.Client shared by all concurrent requests;
// individual requests borrow connections from the pool implicitly. Construct
// it once at startup and inject it into handlers.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	httpClient *http.Client
}

// New creates an upstream client. The underlying HTTP client is built
// lazily on first use.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts.withDefaults(), logger: logger}
}

// acquire returns the shared pooled HTTP client, constructing it on first
// use or after Close. Safe for concurrent callers; the mutex guarantees a
// single construction.
func (c *Client) acquire() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient == nil {
		c.httpClient = c.newHTTPClient()
	}
	return c.httpClient
}

func (c *Client) newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   c.opts.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   c.opts.DialTimeout,
			ResponseHeaderTimeout: c.opts.IdleTimeout,
			MaxConnsPerHost:       c.opts.MaxConns,
			MaxIdleConns:          c.opts.MaxIdle,
			MaxIdleConnsPerHost:   c.opts.MaxIdle,
			IdleConnTimeout:       90 * time.Second,
			// The upstream target serves a self-signed certificate;
			// verification is skipped for this one endpoint as a recorded
			// trust decision, not a general default.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

// Close releases the pooled connections. Idempotent; in-flight requests
// finish on their borrowed connections, and a later call re-creates the
// pool on demand.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient == nil {
		return
	}
	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	c.httpClient = nil
}
