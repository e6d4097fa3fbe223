package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/jobs"
	"github.com/JakeFAU/rag-ingestor/internal/orchestrator"
	"github.com/JakeFAU/rag-ingestor/internal/reindex"
)

type fakeIngestor struct {
	mu sync.Mutex

	scrapeOpts  orchestrator.ScrapeOptions
	crawlOpts   ingest.CrawlOptions
	discovery   ingest.DiscoveryResult
	summary     ingest.CrawlSummary
	uploads     []orchestrator.Upload
	project     string
	reindexWait bool
	reindexErr  error
	reindexHold time.Duration
	statuses    map[string]string
	err         error
}

func (f *fakeIngestor) Scrape(_ context.Context, rawURL string, opts orchestrator.ScrapeOptions) (orchestrator.ScrapeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrapeOpts = opts
	if f.err != nil {
		return orchestrator.ScrapeResult{}, f.err
	}
	return orchestrator.ScrapeResult{URL: rawURL, Title: "About Example", Metadata: map[string]any{"domain": "example.com"}}, nil
}

func (f *fakeIngestor) Discover(_ context.Context, _ string, opts ingest.CrawlOptions) (ingest.DiscoveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawlOpts = opts
	return f.discovery, f.err
}

func (f *fakeIngestor) Crawl(_ context.Context, _, _ string, opts ingest.CrawlOptions) (ingest.CrawlSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawlOpts = opts
	return f.summary, f.err
}

func (f *fakeIngestor) Reindex(ctx context.Context, domain string, wait bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reindexWait = wait
	if f.reindexHold > 0 {
		select {
		case <-time.After(f.reindexHold):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.reindexErr != nil {
		return "", f.reindexErr
	}
	if domain == "" {
		return "", ingest.Invalid("domain", "is required")
	}
	return "reindex-1", nil
}

func (f *fakeIngestor) ReindexStatus(_ context.Context, jobID string) (ingest.ReindexStatus, error) {
	status, ok := f.statuses[jobID]
	if !ok {
		return ingest.ReindexStatus{}, reindex.ErrUnknownJob
	}
	return ingest.ReindexStatus{JobID: jobID, Status: status}, nil
}

func (f *fakeIngestor) IngestUpload(_ context.Context, project string, files []orchestrator.Upload) (orchestrator.UploadSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.project = project
	f.uploads = files
	return orchestrator.UploadSummary{Project: project, Datasource: "q3-notes", FilesProcessed: len(files)}, nil
}

type fakeStarter struct {
	tracker *jobs.Tracker
	opts    ingest.CrawlOptions
}

func (s *fakeStarter) StartCrawl(ctx context.Context, startURL string, opts ingest.CrawlOptions) (ingest.Job, error) {
	if _, err := ingest.ParseStartURL(startURL); err != nil {
		return ingest.Job{}, err
	}
	s.opts = opts
	return s.tracker.Create(ctx, "crawl", map[string]any{"url": startURL})
}

type testEnv struct {
	server   *Server
	ingestor *fakeIngestor
	starter  *fakeStarter
	tracker  *jobs.Tracker
}

func newTestEnv(t *testing.T, opts Options, ready ...ReadinessCheck) *testEnv {
	t.Helper()
	tracker := jobs.NewTracker()
	env := &testEnv{
		ingestor: &fakeIngestor{statuses: map[string]string{}},
		starter:  &fakeStarter{tracker: tracker},
		tracker:  tracker,
	}
	server, err := NewServer(Deps{
		Ingestor: env.ingestor,
		Runner:   env.starter,
		Jobs:     tracker,
		Ready:    ready,
	}, opts, zap.NewNop())
	require.NoError(t, err)
	env.server = server
	return env
}

func (e *testEnv) do(method, target string, body []byte, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServerScrapeDefaultsRespectRobots(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{RespectRobots: true})
	rec := env.do(http.MethodPost, "/scrape", []byte(`{"url":"https://example.com/about"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "About Example", decode(t, rec)["title"])
	assert.True(t, env.ingestor.scrapeOpts.RespectRobots)
	assert.True(t, env.ingestor.scrapeOpts.Reindex)

	rec = env.do(http.MethodPost, "/scrape", []byte(`{"url":"https://example.com","options":{"respectRobots":false,"reindex":false}}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.ingestor.scrapeOpts.RespectRobots)
	assert.False(t, env.ingestor.scrapeOpts.Reindex)
}

func TestServerErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", ingest.Invalid("url", "must be absolute"), http.StatusBadRequest},
		{"rejected", &ingest.ContentRejectedError{Reason: "too short"}, http.StatusUnprocessableEntity},
		{"upstream status", &ingest.StatusError{Op: "fetch", URL: "https://example.com", StatusCode: 404}, http.StatusBadGateway},
		{"retries spent", &ingest.CallFailedAfterRetriesError{Operation: "fetch", Attempts: 3, Last: errors.New("503")}, http.StatusBadGateway},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, Options{})
			env.ingestor.err = tt.err
			rec := env.do(http.MethodPost, "/scrape", []byte(`{"url":"https://example.com"}`))
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, decode(t, rec), "error")
		})
	}
}

func TestServerRejectsBadBodies(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/scrape", []byte("{invalid")).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/discover", []byte(`{}`)).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/enhanced-crawl",
		[]byte(`{"url":"https://example.com","options":{"maxPages":-1}}`)).Code)
}

func TestServerDiscoverShape(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.ingestor.discovery = ingest.DiscoveryResult{
		Domain:   "example.com",
		Strategy: ingest.StrategyFallback,
		Reason:   "comprehensive discovery timed out",
		Pages: []ingest.DiscoveredPage{
			{URL: "https://example.com/"},
			{URL: "https://example.com/about"},
		},
	}
	rec := env.do(http.MethodPost, "/discover", []byte(`{"url":"https://example.com","options":{"maxPages":2}}`))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "example.com", body["domain"])
	assert.InDelta(t, 2, body["totalPages"], 0)
	assert.Equal(t, []any{"https://example.com/", "https://example.com/about"}, body["discoveredUrls"])
	assert.Equal(t, "fallback", body["strategy"])
	assert.Equal(t, 2, env.ingestor.crawlOpts.MaxPages)
}

func TestServerEnhancedCrawlPassesOptions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{RespectRobots: true})
	env.ingestor.summary = ingest.CrawlSummary{URL: "https://example.com", PagesProcessed: 3, Errors: []ingest.PageError{}}
	rec := env.do(http.MethodPost, "/enhanced-crawl",
		[]byte(`{"url":"https://example.com","options":{"maxPages":10,"delay":250,"batchSize":2,"followExternalLinks":true}}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 3, decode(t, rec)["pagesProcessed"], 0)
	opts := env.ingestor.crawlOpts
	assert.Equal(t, 10, opts.MaxPages)
	assert.Equal(t, 2, opts.BatchSize)
	assert.Equal(t, 250*time.Millisecond, opts.Delay)
	assert.True(t, opts.FollowExternalLinks)
	assert.True(t, opts.RespectRobots)
}

func TestServerCrawlAsyncAndStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(http.MethodPost, "/crawl-async", []byte(`{"url":"https://example.com"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "pending", body["status"])
	jobID, ok := body["jobId"].(string)
	require.True(t, ok)

	ctx := context.Background()
	require.NoError(t, env.tracker.Update(ctx, jobID, ingest.JobProgress{Phase: "crawling", Percentage: 40}))
	rec = env.do(http.MethodGet, "/crawl/status/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "running", body["status"])
	assert.InDelta(t, 40, body["progress"].(map[string]any)["percentage"], 0)

	require.NoError(t, env.tracker.Complete(ctx, jobID, map[string]int{"pagesProcessed": 3}))
	body = decode(t, env.do(http.MethodGet, "/crawl/status/"+jobID, nil))
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, map[string]any{"pagesProcessed": float64(3)}, body["result"])

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/crawl/status/missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/crawl-async", []byte(`{"url":"ftp://example.com"}`)).Code)
}

func TestServerSyncConflict(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(http.MethodPost, "/sync", []byte(`{"domain":"example.com","waitForAvailability":true}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "reindex-1", decode(t, rec)["jobId"])
	assert.True(t, env.ingestor.reindexWait)

	env.ingestor.reindexErr = &ingest.ReindexConflictError{Datasource: "example-com", ActiveJobID: "job-7"}
	rec = env.do(http.MethodPost, "/sync", []byte(`{"domain":"example.com"}`))
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, conflictMessage, body["error"])
	assert.Equal(t, "job-7", body["activeJobId"])

	env.ingestor.reindexErr = nil
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/sync", []byte(`{}`)).Code)
}

func TestServerSyncWaitOutlivesRequestTimeout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{RequestTimeout: 20 * time.Millisecond})
	env.ingestor.reindexHold = 150 * time.Millisecond

	rec := env.do(http.MethodPost, "/sync", []byte(`{"domain":"example.com","waitForAvailability":true}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "reindex-1", decode(t, rec)["jobId"])
}

func TestServerSyncStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.ingestor.statuses["r-1"] = ingest.ReindexInProgress
	env.ingestor.statuses["r-2"] = ingest.ReindexStopped

	body := decode(t, env.do(http.MethodGet, "/sync/status/r-1", nil))
	assert.Equal(t, map[string]any{
		"jobId": "r-1", "status": "IN_PROGRESS", "isComplete": false, "isFailed": false, "isInProgress": true,
	}, body)
	body = decode(t, env.do(http.MethodGet, "/sync/status/r-2", nil))
	assert.Equal(t, true, body["isFailed"])
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/sync/status/nope", nil).Code)
}

func TestServerUpload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("project", "Q3 Notes"))
	part, err := mw.CreateFormFile("files", "notes.md")
	require.NoError(t, err)
	_, err = part.Write([]byte("# Notes\n\nRevenue grew."))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := env.do(http.MethodPost, "/upload", buf.Bytes(), "Content-Type", mw.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Q3 Notes", env.ingestor.project)
	require.Len(t, env.ingestor.uploads, 1)
	assert.Equal(t, "notes.md", env.ingestor.uploads[0].Name)
	assert.Equal(t, "# Notes\n\nRevenue grew.", string(env.ingestor.uploads[0].Data))

	rec = env.do(http.MethodPost, "/upload", []byte("not multipart"), "Content-Type", "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerAPIKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{APIKey: "secret"})
	body := []byte(`{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/scrape", body).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/scrape", body, "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/scrape", body, "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
}

func TestServerProbes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/metrics", nil).Code)

	down := newTestEnv(t, Options{}, func(context.Context) error { return errors.New("bucket unreachable") })
	assert.Equal(t, http.StatusServiceUnavailable, down.do(http.MethodGet, "/readyz", nil).Code)
}

func TestNewServerRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Deps{}, Options{}, nil)
	assert.Error(t, err)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func TestResponseWriterDelegates(t *testing.T) {
	t.Parallel()

	rec := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}
	rw.WriteHeader(http.StatusTeapot)
	_, err := rw.Write([]byte("ok"))
	require.NoError(t, err)
	rw.Flush()
	assert.Equal(t, http.StatusTeapot, rw.status)
	assert.True(t, rec.Flushed)

	conn, _, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, rec.client.Close())

	plain := &responseWriter{ResponseWriter: struct{ http.ResponseWriter }{httptest.NewRecorder()}}
	_, _, err = plain.Hijack()
	assert.Error(t, err)
}
