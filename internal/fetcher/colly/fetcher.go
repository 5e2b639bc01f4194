// Package collyfetcher implements harvest.PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/metrics"
)

// DefaultCursorParam carries the page offset on people-page URLs.
const DefaultCursorParam = "start"

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	CursorParam   string
}

// Fetcher performs authenticated page fetches and public GETs through one Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	robots        *robotsCache
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type fetchRequest struct {
	URL           string
	Headers       http.Header
	RespectRobots bool
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.CursorParam == "" {
		cfg.CursorParam = DefaultCursorParam
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		robots:        newRobotsCache(defaultRobotsTTL),
	}
}

// FetchPage retrieves the page at cursor with the session's cookies and headers.
// 401/403 map to harvest.ErrAccountAuthInvalid, 429 to harvest.ErrRateLimited, and 5xx or
// connection failures to harvest.ErrTransientNetwork.
func (f *Fetcher) FetchPage(
	ctx context.Context,
	rawURL, cursor string,
	session harvest.Session,
) (harvest.RawDocument, error) {
	target, err := WithCursor(rawURL, f.cfg.CursorParam, cursor)
	if err != nil {
		return harvest.RawDocument{}, err
	}
	return f.fetch(ctx, fetchRequest{URL: target, Headers: SessionHeaders(session)})
}

// Get retrieves a public page, honoring robots.txt when configured.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (harvest.RawDocument, error) {
	return f.fetch(ctx, fetchRequest{URL: rawURL, RespectRobots: f.cfg.RespectRobots})
}

func (f *Fetcher) fetch(ctx context.Context, request fetchRequest) (harvest.RawDocument, error) {
	var (
		result   harvest.RawDocument
		fetchErr error
	)
	start := time.Now()
	collector, robots := f.buildCollector(request, start, &result, &fetchErr)

	err := f.runCollector(ctx, collector, request.URL, &fetchErr)
	if robots != nil && robots.fallback != "" {
		metrics.ObserveRobotsFallback(robots.fallback)
	}
	metrics.ObserveFetch("colly", siteLabel(request.URL), statusLabel(result.StatusCode, err), time.Since(start))
	if err != nil {
		return result, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request fetchRequest,
	start time.Time,
	result *harvest.RawDocument,
	fetchErr *error,
) (*colly.Collector, *robotsTransport) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !request.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	var robots *robotsTransport
	baseTransport := f.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport()
	}
	if request.RespectRobots {
		robots = &robotsTransport{base: baseTransport, cache: f.robots, backoff: robotsRetryBackoff}
		collector.WithTransport(robots)
	} else {
		collector.WithTransport(baseTransport)
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector, robots
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request fetchRequest,
	start time.Time,
	result *harvest.RawDocument,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = harvest.RawDocument{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			FetchedAt:   time.Now().UTC(),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
			result.StatusCode = status
			result.Body = append([]byte(nil), r.Body...)
		}
		*fetchErr = ClassifyStatus(status, request.URL, err)
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// ClassifyStatus maps an upstream failure onto the domain error taxonomy.
// A zero status means the request never got a response.
func ClassifyStatus(status int, url string, cause error) error {
	if cause == nil {
		cause = errors.New(http.StatusText(status))
	}
	wrapped := errors.Wrapf(cause, "fetch %s", url)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Mark(wrapped, harvest.ErrAccountAuthInvalid)
	case status == http.StatusTooManyRequests:
		return errors.Mark(wrapped, harvest.ErrRateLimited)
	case status >= http.StatusInternalServerError:
		return errors.Mark(wrapped, harvest.ErrTransientNetwork)
	case status == 0:
		if errors.IsAny(cause, context.Canceled) {
			return wrapped
		}
		var netErr net.Error
		if errors.As(cause, &netErr) || errors.Is(cause, context.DeadlineExceeded) {
			return errors.Mark(wrapped, harvest.ErrTransientNetwork)
		}
		return wrapped
	default:
		return errors.Wrapf(wrapped, "unexpected status %d", status)
	}
}

// WithCursor sets the cursor query parameter on rawURL. An empty cursor leaves the URL unchanged.
func WithCursor(rawURL, param, cursor string) (string, error) {
	if cursor == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse page url %q", rawURL)
	}
	q := u.Query()
	q.Set(param, cursor)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SessionHeaders renders a session as request headers, with cookies in a stable order.
func SessionHeaders(session harvest.Session) http.Header {
	headers := make(http.Header, len(session.Headers)+1)
	for k, v := range session.Headers {
		headers.Set(k, v)
	}
	if len(session.Cookies) > 0 {
		names := make([]string, 0, len(session.Cookies))
		for name := range session.Cookies {
			names = append(names, name)
		}
		slices.Sort(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = (&http.Cookie{Name: name, Value: session.Cookies[name]}).String()
		}
		headers.Set("Cookie", strings.Join(parts, "; "))
	}
	return headers
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func siteLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Hostname()
}

func statusLabel(status int, err error) string {
	switch {
	case status > 0:
		return strconv.Itoa(status)
	case err != nil:
		return "error"
	default:
		return "unknown"
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
