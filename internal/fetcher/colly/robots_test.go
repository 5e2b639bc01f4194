package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type roundTripResult struct {
	status int
	body   string
	err    error
}

type stubRoundTripper struct {
	results []roundTripResult
	paths   []string
}

func (s *stubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	s.paths = append(s.paths, req.URL.Path)
	idx := min(len(s.paths)-1, len(s.results)-1)
	res := s.results[idx]
	if res.err != nil {
		return nil, res.err
	}
	return &http.Response{
		StatusCode: res.status,
		Body:       io.NopCloser(strings.NewReader(res.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func newTestRobotsTransport(base http.RoundTripper, cache *robotsCache) *robotsTransport {
	return &robotsTransport{base: base, cache: cache, backoff: []time.Duration{time.Millisecond, time.Millisecond}}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRobotsAreReadOncePerSearchHost(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{status: http.StatusOK, body: "User-agent: *\nDisallow: /private"}}}
	cache := newRobotsCache(time.Hour)

	for i := 0; i < 3; i++ {
		transport := newTestRobotsTransport(base, cache)
		req := httptest.NewRequest(http.MethodGet, "https://www.google.com/robots.txt", nil)
		resp, err := transport.RoundTrip(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, readBody(t, resp), "Disallow: /private")
		require.Empty(t, transport.fallback)
	}
	require.Len(t, base.paths, 1)
}

func TestRobotsCacheExpires(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{status: http.StatusNotFound}}}
	cache := newRobotsCache(time.Minute)
	now := time.Unix(0, 0)
	cache.now = func() time.Time { return now }

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := newTestRobotsTransport(base, cache).RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	readBody(t, resp)

	now = now.Add(2 * time.Minute)
	resp, err = newTestRobotsTransport(base, cache).RoundTrip(req)
	require.NoError(t, err)
	readBody(t, resp)
	require.Len(t, base.paths, 2)
}

func TestRobotsTimeoutsFallBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	cache := newRobotsCache(time.Hour)
	transport := newTestRobotsTransport(base, cache)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, readBody(t, resp))
	require.Equal(t, robotsFallbackUnreachable, transport.fallback)
	require.Len(t, base.paths, 3)

	_, cached := cache.get("example.com")
	require.False(t, cached, "an assumed allow-all is not cached")
}

func TestRobotsServerErrorsFallBackAfterRetries(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{
		{status: http.StatusBadGateway},
		{status: http.StatusOK, body: "User-agent: *\nAllow: /"},
	}}
	transport := newTestRobotsTransport(base, nil)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	readBody(t, resp)
	require.Empty(t, transport.fallback)
	require.Len(t, base.paths, 2)

	base = &stubRoundTripper{results: []roundTripResult{{status: http.StatusServiceUnavailable}}}
	transport = newTestRobotsTransport(base, nil)
	resp, err = transport.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, readBody(t, resp))
	require.Equal(t, robotsFallbackServerError, transport.fallback)
}

func TestRobotsTransportPassesThroughOtherPaths(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{status: http.StatusOK, body: "<html></html>"}}}
	transport := newTestRobotsTransport(base, newRobotsCache(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "https://example.com/search?q=acme", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, "<html></html>", readBody(t, resp))
	require.Equal(t, []string{"/search"}, base.paths)
}

func TestRobotsNonTransientErrorIsReturned(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: errors.New("connection refused")}}}
	transport := newTestRobotsTransport(base, nil)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	_, err := transport.RoundTrip(req)
	require.Error(t, err)
	require.Len(t, base.paths, 1)
	require.Empty(t, transport.fallback)
}
