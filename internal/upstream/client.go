// Package upstream implements the upstream client (C9): a pooled HTTP
// client that forwards the request envelope to the origin selected by the
// route table, respects per-route timeout/max-body, and is guarded by a
// circuit breaker per (host, port, sni).
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aegis-edge/node/internal/circuitbreaker"
	"github.com/aegis-edge/node/internal/envelope"
)

// PoolKey identifies one connection pool, per spec.md §4.9 ("pools
// connections per (host, port, sni)").
type PoolKey struct {
	Host string
	Port int
	SNI  string
}

func (k PoolKey) String() string {
	return fmt.Sprintf("%s:%d:%s", k.Host, k.Port, k.SNI)
}

// Options configures one upstream call, sourced from the matched route.
type Options struct {
	Timeout    time.Duration
	MaxBody    int
	TLS        bool
	SkipVerify bool // only honored outside strict mode; see Client.strict
}

// Response is the upstream's result, ready to be handed to the cache (C8)
// and streamed back to the client.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Client pools one *http.Client (and therefore one http.Transport
// connection pool) per PoolKey and wraps every call in that pool's circuit
// breaker, per spec.md §4.9 and the SPEC_FULL.md supplemented resilience
// requirement grounded on internal/circuitbreaker/breaker.go.
type Client struct {
	mu     sync.Mutex
	pools  map[PoolKey]*http.Client
	cb     *circuitbreaker.NodeCircuitBreakers
	strict bool // when true, SkipVerify is always ignored (no insecure TLS)
}

// New creates an upstream client. strict disables Options.SkipVerify
// regardless of per-route configuration, for deployments that forbid
// insecure upstream TLS entirely.
func New(cb *circuitbreaker.NodeCircuitBreakers, strict bool) *Client {
	return &Client{
		pools:  make(map[PoolKey]*http.Client),
		cb:     cb,
		strict: strict,
	}
}

func (c *Client) poolFor(key PoolKey, opts Options) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.pools[key]; ok {
		return hc
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if opts.TLS {
		transport.TLSClientConfig = &tls.Config{
			ServerName:         key.SNI,
			InsecureSkipVerify: opts.SkipVerify && !c.strict,
		}
	}

	hc := &http.Client{Transport: transport}
	c.pools[key] = hc
	return hc
}

// Forward sends env to the upstream identified by key, enforcing opts'
// timeout and max-body, through the breaker for this pool. Returns the
// upstream's response with its body fully buffered (bounded by MaxBody) so
// the caller can hand it to the cache write-through path (C8).
func (c *Client) Forward(ctx context.Context, key PoolKey, env *envelope.Envelope, opts Options) (*Response, error) {
	breaker := c.cb.UpstreamBreaker(key.String())
	if err := breaker.Allow(); err != nil {
		return nil, fmt.Errorf("upstream %s: %w", key, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scheme := "http"
	if opts.TLS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, key.Host, key.Port, env.Path)
	if env.Query != "" {
		url += "?" + env.Query
	}

	var bodyReader io.Reader
	if body := env.Body(); len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, env.Method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: build request: %w", key, err)
	}
	req.Header = env.Headers.Clone()

	hc := c.poolFor(key, opts)

	result, err := breaker.Execute(func() (interface{}, error) {
		resp, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		maxBody := opts.MaxBody
		if maxBody <= 0 {
			maxBody = envelope.MaxBodyBytes
		}
		limited := io.LimitReader(resp.Body, int64(maxBody)+1)
		buf, readErr := io.ReadAll(limited)
		if readErr != nil {
			return nil, fmt.Errorf("read upstream body: %w", readErr)
		}
		if len(buf) > maxBody {
			return nil, fmt.Errorf("upstream response exceeds max-body limit of %d bytes", maxBody)
		}

		return &Response{StatusCode: resp.StatusCode, Headers: resp.Header.Clone(), Body: buf}, nil
	})
	if err != nil {
		slog.Warn("upstream: forward failed", "pool", key.String(), "error", err)
		return nil, err
	}
	return result.(*Response), nil
}
