package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/roster-harvester/internal/config"
	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Backend = config.BackendMemory
	cfg.Queue.Backend = config.BackendMemory
	cfg.Blob.Backend = config.BackendMemory
	cfg.PubSub.ProjectID = ""
	cfg.PubSub.TopicName = ""
	cfg.Anthropic.Enabled = false
	cfg.Headless.Enabled = false
	cfg.Server.Auth.Enabled = false
	cfg.Workers.Count = 2
	return cfg
}

func TestBuildWithMemoryBackends(t *testing.T) {
	t.Parallel()

	a, err := Build(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NotNil(t, a.Jobs())
	require.Equal(t, 2, a.dispatch.Size())
	require.NotNil(t, a.scheduler)
	require.NotNil(t, a.blobs)
	require.Nil(t, a.pgStore)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

func TestBuildServesJobLifecycle(t *testing.T) {
	t.Parallel()

	a, err := Build(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	body := `{"id":"job-1","account_id":"acct-1","items":[{"name":"Acme Dental"}],"params":{"target_roles":["Owner"]}}`
	resp, err := http.Post(srv.URL+"/v1/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Job harvest.Job `json:"job"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, "job-1", created.Job.ID)
	require.Equal(t, harvest.StatePending, created.Job.State)

	progress, err := a.Jobs().GetProgress(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, harvest.StatePending, progress.State)

	items, err := a.store.ListSourceItems(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Acme Dental", items[0].Name)
}

func TestBuildRejectsBadPostgresDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendPostgres
	cfg.Store.DSN = "postgres://%zz"

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "postgres store init failed")
}

func TestBuildRejectsMissingAnthropicKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Anthropic.Enabled = true
	cfg.Anthropic.APIKey = ""

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "anthropic classifier init failed")
}

func TestRunStopsWhenContextIsCanceled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = 2 * time.Second
	a, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port) + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	a, err := Build(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))
}
