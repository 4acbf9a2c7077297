package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aegis-edge/node/internal/cache"
	"github.com/aegis-edge/node/internal/envelope"
	"github.com/aegis-edge/node/pkg/moduleapi"
)

// requestHostServices implements sandbox.HostServices, scoping one Wasm
// invocation's view of the world to the single request it was dispatched
// for (spec.md §4.4's host API table).
type requestHostServices struct {
	env   *envelope.Envelope
	cache *cache.Store
	ssrf  func(host string) bool

	mu          sync.Mutex
	lastVerdict moduleapi.Verdict
}

func newRequestHostServices(env *envelope.Envelope, c *cache.Store, ssrfDenied func(string) bool) *requestHostServices {
	return &requestHostServices{
		env:         env,
		cache:       c,
		ssrf:        ssrfDenied,
		lastVerdict: moduleapi.Verdict{Kind: moduleapi.VerdictPass},
	}
}

func (s *requestHostServices) CacheGet(ctx context.Context, key []byte) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	entry, ok := s.cache.Get(ctx, string(key))
	if !ok {
		return nil, false
	}
	return entry.Body, true
}

func (s *requestHostServices) CacheSet(ctx context.Context, key, value []byte, ttl time.Duration) error {
	if s.cache == nil {
		return fmt.Errorf("cache_set: no cache tier wired")
	}
	s.cache.Set(ctx, string(key), &cache.Entry{
		StatusCode: http.StatusOK,
		Body:       value,
		StoredAt:   time.Now(),
		TTL:        ttl,
	})
	return nil
}

func (s *requestHostServices) RequestMeta() moduleapi.RequestMeta {
	headers := make(map[string][]string, len(s.env.Headers))
	for k, v := range s.env.Headers {
		headers[k] = append([]string(nil), v...)
	}
	return moduleapi.RequestMeta{
		Method:          s.env.Method,
		Path:            s.env.Path,
		Query:           s.env.Query,
		Headers:         headers,
		ClientAddr:      s.env.ClientAddr,
		TLSFP:           s.env.TLSFP,
		ArrivalUnixNano: s.env.Arrival.UnixNano(),
	}
}

func (s *requestHostServices) SetResponse(status int, headers map[string][]string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env.ResponseStatus != 0 {
		return fmt.Errorf("set_response: a response was already set for this request")
	}
	h := make(http.Header, len(headers))
	for name, values := range headers {
		if !moduleapi.ValidateHeaderField(name) {
			return fmt.Errorf("set_response: invalid header name %q", name)
		}
		for _, v := range values {
			if !moduleapi.ValidateHeaderField(v) {
				return fmt.Errorf("set_response: invalid value for header %q", name)
			}
			h.Add(name, v)
		}
	}
	s.env.ResponseStatus = status
	s.env.ResponseHeaders = h
	s.env.ResponseBody = body
	return nil
}

func (s *requestHostServices) EmitVerdict(kind moduleapi.VerdictKind, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastVerdict = moduleapi.Verdict{Kind: kind, Reason: reason}
}

func (s *requestHostServices) Log(level, msg string) {
	slog.Log(context.Background(), slogLevel(level), msg, "component", "sandbox-module", "path", s.env.Path)
}

func (s *requestHostServices) SSRFDenied(host string) bool {
	if s.ssrf == nil {
		return false
	}
	return s.ssrf(host)
}

func (s *requestHostServices) LastVerdict() moduleapi.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVerdict
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
