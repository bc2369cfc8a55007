package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/binancepipe/internal/circuit"
	"github.com/sawpanic/binancepipe/internal/ratelimit"
)

func newTestClient(t *testing.T) (*Client, *ratelimit.Limiter) {
	t.Helper()
	limiter := ratelimit.New()
	limiter.Register("test", ratelimit.EndpointConfig{Capacity: 10, RefillIntervalMs: 1000})
	breaker := circuit.NewManager()
	breaker.AddProvider("venue", circuit.Config{Name: "venue", MaxRequests: 1, ConsecutiveFailures: 3})
	return New("venue", limiter, breaker), limiter
}

func TestClient_Do_ReturnsBodyOn2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c, _ := newTestClient(t)
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	body, _, err := c.Do(context.Background(), "test", "id", 1, 0, req)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}

func TestClient_Do_NonTwoXXReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	c, _ := newTestClient(t)
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, _, err = c.Do(context.Background(), "test", "id", 1, 0, req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 500")
}

func TestClient_Do_429IsClassifiedRateLimited(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c, _ := newTestClient(t)
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	body, _, err := c.Do(context.Background(), "test", "id", 1, 0, req)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.GreaterOrEqual(t, calls, 2)
}
