package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/api"
	"github.com/JakeFAU/rag-ingestor/internal/config"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/orchestrator"
)

type fakeIngestor struct {
	crawlOpts  ingest.CrawlOptions
	scrapeOpts orchestrator.ScrapeOptions
	err        error
}

func (f *fakeIngestor) Scrape(_ context.Context, rawURL string, opts orchestrator.ScrapeOptions) (orchestrator.ScrapeResult, error) {
	f.scrapeOpts = opts
	return orchestrator.ScrapeResult{URL: rawURL, Title: "Docs"}, f.err
}

func (f *fakeIngestor) Discover(_ context.Context, _ string, opts ingest.CrawlOptions) (ingest.DiscoveryResult, error) {
	f.crawlOpts = opts
	return ingest.DiscoveryResult{
		Domain:   "example.com",
		Strategy: ingest.StrategyComprehensive,
		Pages: []ingest.DiscoveredPage{
			{URL: "https://example.com/a"},
			{URL: "https://example.com/b"},
		},
	}, f.err
}

func (f *fakeIngestor) Crawl(_ context.Context, _, startURL string, opts ingest.CrawlOptions) (ingest.CrawlSummary, error) {
	f.crawlOpts = opts
	return ingest.CrawlSummary{URL: startURL, PagesProcessed: 4}, f.err
}

func (f *fakeIngestor) Reindex(context.Context, string, bool) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeIngestor) ReindexStatus(context.Context, string) (ingest.ReindexStatus, error) {
	return ingest.ReindexStatus{}, errors.New("not used")
}

func (f *fakeIngestor) IngestUpload(context.Context, string, []orchestrator.Upload) (orchestrator.UploadSummary, error) {
	return orchestrator.UploadSummary{}, errors.New("not used")
}

type fakeApp struct {
	ingestor *fakeIngestor
	ran      bool
	closed   int
}

func (a *fakeApp) Ingestor() api.Ingestor { return a.ingestor }
func (a *fakeApp) Logger() *zap.Logger    { return zap.NewNop() }

func (a *fakeApp) Run(context.Context) error {
	a.ran = true
	return nil
}

func (a *fakeApp) Close(context.Context) error {
	a.closed++
	return nil
}

// useFakeApp swaps the factory for the duration of the test. Tests using it
// must not run in parallel.
func useFakeApp(t *testing.T) (*fakeApp, *config.Config) {
	t.Helper()
	app := &fakeApp{ingestor: &fakeIngestor{}}
	var seen config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config) (App, error) {
		seen = cfg
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
	return app, &seen
}

func TestCrawlCommandPrintsSummary(t *testing.T) {
	app, _ := useFakeApp(t)

	var out bytes.Buffer
	err := run(context.Background(), []string{
		"crawl", "https://example.com",
		"--max-pages", "7", "--batch-size", "2", "--delay", "250ms", "--respect-robots=false",
	}, &out)
	require.NoError(t, err)

	var summary ingest.CrawlSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, 4, summary.PagesProcessed)
	assert.Equal(t, ingest.CrawlOptions{
		MaxPages:      7,
		BatchSize:     2,
		Delay:         250 * time.Millisecond,
		RespectRobots: false,
	}, app.ingestor.crawlOpts)
	assert.Equal(t, 1, app.closed)
}

func TestDiscoverCommandPrintsURLs(t *testing.T) {
	app, _ := useFakeApp(t)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"discover", "https://example.com"}, &out))

	var res discoverOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 2, res.TotalPages)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, res.DiscoveredURLs)
	assert.Equal(t, ingest.StrategyComprehensive, res.Strategy)
	assert.True(t, app.ingestor.crawlOpts.RespectRobots)
}

func TestScrapeCommandFlags(t *testing.T) {
	app, _ := useFakeApp(t)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"scrape", "https://example.com/x", "--reindex=false"}, &out))
	assert.Contains(t, out.String(), `"title": "Docs"`)
	assert.Equal(t, orchestrator.ScrapeOptions{RespectRobots: true, Reindex: false}, app.ingestor.scrapeOpts)
}

func TestCommandErrorStillClosesApp(t *testing.T) {
	app, _ := useFakeApp(t)
	app.ingestor.err = errors.New("discovery failed")

	err := run(context.Background(), []string{"crawl", "https://example.com"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "discovery failed")
	assert.Equal(t, 1, app.closed)
}

func TestServeCommandRunsApp(t *testing.T) {
	app, _ := useFakeApp(t)

	require.NoError(t, run(context.Background(), []string{"serve"}, &bytes.Buffer{}))
	assert.True(t, app.ran)
}

func TestConfigFlagIsLoaded(t *testing.T) {
	_, seen := useFakeApp(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))

	require.NoError(t, run(context.Background(), []string{"serve", "--config", path}, &bytes.Buffer{}))
	assert.Equal(t, 9191, seen.Server.Port)
}

func TestConfigErrorsSkipApp(t *testing.T) {
	app, _ := useFakeApp(t)

	err := run(context.Background(), []string{"serve", "--config", "/does/not/exist.yaml"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "load config")
	assert.False(t, app.ran)
	assert.Zero(t, app.closed)
}

func TestCommandsRequireURL(t *testing.T) {
	useFakeApp(t)

	for _, name := range []string{"crawl", "discover", "scrape"} {
		err := run(context.Background(), []string{name}, &bytes.Buffer{})
		assert.Error(t, err, name)
	}
}
