package collyfetcher

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Reasons reported when a search host's robots.txt could not be read and allow-all was assumed.
const (
	robotsFallbackUnreachable = "robots_unreachable"
	robotsFallbackServerError = "robots_server_error"
)

const (
	defaultRobotsTTL   = time.Hour
	maxRobotsBodyBytes = 512 << 10
	allowAllRobots     = "User-agent: *\nAllow: /"
)

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsCache holds robots.txt per host. Every search goes to the same host, so without it each
// name lookup would cost an extra request.
type robotsCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]robotsEntry
}

type robotsEntry struct {
	status  int
	body    []byte
	fetched time.Time
}

func newRobotsCache(ttl time.Duration) *robotsCache {
	if ttl <= 0 {
		ttl = defaultRobotsTTL
	}
	return &robotsCache{ttl: ttl, now: time.Now, entries: make(map[string]robotsEntry)}
}

func (c *robotsCache) get(host string) (robotsEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[host]
	if !ok || c.now().Sub(entry.fetched) > c.ttl {
		return robotsEntry{}, false
	}
	return entry, true
}

func (c *robotsCache) put(host string, status int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[host] = robotsEntry{status: status, body: body, fetched: c.now()}
}

// robotsTransport answers robots.txt requests from the cache, retrying slow hosts before
// assuming allow-all. Other requests pass straight to base. One transport serves one fetch.
type robotsTransport struct {
	base     http.RoundTripper
	cache    *robotsCache
	backoff  []time.Duration
	fallback string
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, errors.Wrap(err, "roundtrip")
		}
		return resp, nil
	}

	host := strings.ToLower(req.URL.Host)
	if t.cache != nil {
		if entry, ok := t.cache.get(host); ok {
			return robotsResponse(req, entry.status, entry.body), nil
		}
	}

	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil && resp.StatusCode < http.StatusInternalServerError:
			return t.store(req, host, resp)
		case err == nil:
			_ = resp.Body.Close()
			if attempt >= len(t.backoff) {
				return t.allowAll(req, robotsFallbackServerError), nil
			}
		case !transientRobotsError(err):
			return nil, errors.Wrapf(err, "fetch robots.txt for %s", host)
		case attempt >= len(t.backoff):
			return t.allowAll(req, robotsFallbackUnreachable), nil
		}
		if err := sleepCtx(req.Context(), t.backoff[attempt]); err != nil {
			return nil, err
		}
	}
}

func (t *robotsTransport) store(req *http.Request, host string, resp *http.Response) (*http.Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodyBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "read robots.txt for %s", host)
	}
	if t.cache != nil {
		t.cache.put(host, resp.StatusCode, body)
	}
	return robotsResponse(req, resp.StatusCode, body), nil
}

func (t *robotsTransport) allowAll(req *http.Request, reason string) *http.Response {
	if t.fallback == "" {
		t.fallback = reason
	}
	return robotsResponse(req, http.StatusOK, []byte(allowAllRobots))
}

func robotsResponse(req *http.Request, status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

func transientRobotsError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "robots backoff")
	case <-timer.C:
		return nil
	}
}
