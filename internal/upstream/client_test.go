package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-edge/node/internal/circuitbreaker"
	"github.com/aegis-edge/node/internal/envelope"
)

func newTestEnvelope(method, path string) *envelope.Envelope {
	req, _ := http.NewRequest(method, "http://origin.test"+path, nil)
	return envelope.New(req, "198.51.100.1:5555", "", 1<<20)
}

func TestClient_ForwardSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "ok")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from origin"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cb := circuitbreaker.NewNodeCircuitBreakers()
	client := New(cb, false)

	env := newTestEnvelope("GET", "/healthz")
	resp, err := client.Forward(context.Background(), PoolKey{Host: host, Port: port}, env, Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from origin", string(resp.Body))
	assert.Equal(t, "ok", resp.Headers.Get("X-Upstream"))
}

func TestClient_ForwardRejectsOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	cb := circuitbreaker.NewNodeCircuitBreakers()
	client := New(cb, false)

	env := newTestEnvelope("GET", "/big")
	_, err := client.Forward(context.Background(), PoolKey{Host: u.Hostname(), Port: port}, env, Options{MaxBody: 8})
	require.Error(t, err)
}

func TestClient_PoolReusedAcrossCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	key := PoolKey{Host: u.Hostname(), Port: port}

	cb := circuitbreaker.NewNodeCircuitBreakers()
	client := New(cb, false)

	pool1 := client.poolFor(key, Options{})
	pool2 := client.poolFor(key, Options{})
	assert.Same(t, pool1, pool2, "same PoolKey must reuse the same *http.Client")
}

func TestClient_BreakerTripsAfterRepeatedFailures(t *testing.T) {
	cb := circuitbreaker.NewNodeCircuitBreakers()
	client := New(cb, false)

	// An address nothing listens on, to force repeated connection failures.
	key := PoolKey{Host: "127.0.0.1", Port: 1}
	env := newTestEnvelope("GET", "/down")

	var lastErr error
	for i := 0; i < 8; i++ {
		_, lastErr = client.Forward(context.Background(), key, env, Options{Timeout: 100e6})
	}
	require.Error(t, lastErr)
}
