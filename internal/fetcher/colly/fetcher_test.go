package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second})
	req := fetchRequest{URL: "https://example.com", Headers: http.Header{"X-Trace": {"yes"}}}

	collector, state := f.buildCollector(req, time.Unix(0, 0), &harvest.RawDocument{}, new(error))
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.True(t, collector.IgnoreRobotsTxt, "authenticated fetches skip robots")
	require.Nil(t, state)

	req.RespectRobots = true
	collector, state = f.buildCollector(req, time.Unix(0, 0), &harvest.RawDocument{}, new(error))
	require.False(t, collector.IgnoreRobotsTxt)
	require.NotNil(t, state)
	require.Same(t, f.robots, state.cache)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := fetchRequest{URL: "https://example.com", Headers: http.Header{"X-Trace": {"yes"}}}
	var result harvest.RawDocument
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"application/json"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "application/json", result.ContentType)

	hooks.onError(&colly.Response{StatusCode: http.StatusTooManyRequests}, errors.New("Too Many Requests"))
	require.True(t, cerrors.Is(fetchErr, harvest.ErrRateLimited))
	require.Equal(t, http.StatusTooManyRequests, result.StatusCode)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		cause  error
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: harvest.ErrAccountAuthInvalid},
		{name: "forbidden", status: http.StatusForbidden, want: harvest.ErrAccountAuthInvalid},
		{name: "rate limited", status: http.StatusTooManyRequests, want: harvest.ErrRateLimited},
		{name: "bad gateway", status: http.StatusBadGateway, want: harvest.ErrTransientNetwork},
		{name: "timeout", status: 0, cause: context.DeadlineExceeded, want: harvest.ErrTransientNetwork},
		{name: "not found", status: http.StatusNotFound},
		{name: "canceled", status: 0, cause: context.Canceled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ClassifyStatus(tc.status, "https://example.com/people", tc.cause)
			require.Error(t, err)
			if tc.want != nil {
				require.True(t, cerrors.Is(err, tc.want), "got %v", err)
				return
			}
			require.False(t, cerrors.IsAny(err,
				harvest.ErrAccountAuthInvalid, harvest.ErrRateLimited, harvest.ErrTransientNetwork))
		})
	}
}

func TestWithCursor(t *testing.T) {
	t.Parallel()

	got, err := WithCursor("https://example.com/company/acme/people?view=all", "start", "20")
	require.NoError(t, err)
	u := mustParseURL(t, got)
	require.Equal(t, "20", u.Query().Get("start"))
	require.Equal(t, "all", u.Query().Get("view"))

	got, err = WithCursor("https://example.com/people", "start", "")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/people", got)
}

func TestSessionHeadersOrdersCookies(t *testing.T) {
	t.Parallel()

	headers := SessionHeaders(harvest.Session{
		Cookies: map[string]string{"li_at": "token", "JSESSIONID": "abc"},
		Headers: map[string]string{"Csrf-Token": "abc"},
	})
	require.Equal(t, "JSESSIONID=abc; li_at=token", headers.Get("Cookie"))
	require.Equal(t, "abc", headers.Get("Csrf-Token"))
	require.Empty(t, SessionHeaders(harvest.Session{}))
}

func TestFetchPageSendsSessionAndCursor(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("li_at"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"start":"` + r.URL.Query().Get("start") + `"}`))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 2 * time.Second})
	doc, err := f.FetchPage(context.Background(), srv.URL+"/people", "40",
		harvest.Session{Cookies: map[string]string{"li_at": "token"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, doc.StatusCode)
	require.JSONEq(t, `{"start":"40"}`, string(doc.Body))

	_, err = f.FetchPage(context.Background(), srv.URL+"/people", "", harvest.Session{})
	require.True(t, cerrors.Is(err, harvest.ErrAccountAuthInvalid), "got %v", err)
}

func TestGetMapsServerErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 2 * time.Second})
	doc, err := f.Get(context.Background(), srv.URL+"/search")
	require.True(t, cerrors.Is(err, harvest.ErrTransientNetwork), "got %v", err)
	require.Equal(t, http.StatusServiceUnavailable, doc.StatusCode)
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	collyReq := &colly.Request{Headers: &http.Header{}}
	copyHeaders(nil, collyReq)
	require.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
