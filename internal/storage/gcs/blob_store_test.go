package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

const testBucket = "test-bucket"

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: testBucket})
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: testBucket})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	assert.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	const objectName = "websites/example-com/about-0.txt"
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", testBucket))
		assert.Equal(t, objectName, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "page text")
		fmt.Fprintf(w, `{"name":%q,"bucket":%q,"generation":"7"}`, objectName, testBucket)
	}))

	uri, err := store.PutObject(context.Background(), objectName, "text/plain", strings.NewReader("page text"))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/"+objectName, uri)
}

func TestPutObjectIfSendsPrecondition(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
	)
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Query().Get("ifGenerationMatch"))
		mu.Unlock()
		fmt.Fprintf(w, `{"name":"metadata/content-index.json","bucket":%q,"generation":"8"}`, testBucket)
	}))

	_, err := store.PutObjectIf(context.Background(), "metadata/content-index.json", "application/json", []byte("{}"), 0)
	require.NoError(t, err)
	_, err = store.PutObjectIf(context.Background(), "metadata/content-index.json", "application/json", []byte("{}"), 7)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0", "7"}, seen)
}

func TestPutObjectIfMapsPreconditionFailure(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprint(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
	}))

	_, err := store.PutObjectIf(context.Background(), "metadata/content-index.json", "application/json", []byte("{}"), 3)
	assert.ErrorIs(t, err, ingest.ErrPreconditionFailed)
}

func TestGetObjectMissing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := store.GetObject(context.Background(), "websites/example-com/datasource.json")
	assert.ErrorIs(t, err, ingest.ErrObjectNotFound)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := store.PutObject(context.Background(), "x.txt", "text/plain", strings.NewReader("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ingest.ErrPreconditionFailed)
}
