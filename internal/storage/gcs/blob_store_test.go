package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestBlobStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "raw-docs"})
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	objectName := "raw/job-1/prof-1/abc123.json"
	body := []byte(`{"data":{"elements":[]}}`)
	store := newTestBlobStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/raw-docs/o")
		assert.Equal(t, objectName, r.URL.Query().Get("name"))
		payload, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(payload), string(body))
		assert.Contains(t, string(payload), "application/json")
		fmt.Fprintln(w, `{"name":"`+objectName+`","bucket":"raw-docs"}`)
	}))

	uri, err := store.PutObject(context.Background(), objectName, "application/json", body)
	require.NoError(t, err)
	require.Equal(t, "gs://raw-docs/"+objectName, uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	store := newTestBlobStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := store.PutObject(context.Background(), "raw/x.html", "text/html", []byte("<html></html>"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "text/html", nil)
	require.Error(t, err)
}
