// Package collyfetcher implements ingest.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/clock/system"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

var _ ingest.Fetcher = (*Fetcher)(nil)

// Config controls collector behavior.
type Config struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// Fetcher fetches one page per call with a cloned Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	// polite honors robots.txt; plain ignores it. Each owns its HTTP backend,
	// so per-fetch clones never touch shared transport settings.
	polite *colly.Collector
	plain  *colly.Collector
	robots *robotsProbeState
	clock  ingest.Clock
	logger *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithClock overrides the fetch timestamp source.
func WithClock(clock ingest.Clock) Option {
	return func(f *Fetcher) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// WithTransport replaces the base HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		if rt != nil {
			f.transport = rt
		}
	}
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	f := &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		clock:     system.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("fetcher")

	f.robots = newRobotsProbeState()
	f.polite = f.newCollector(&robotsAwareTransport{base: f.transport, state: f.robots}, false)
	f.plain = f.newCollector(f.transport, true)
	return f
}

// Fetch GETs request.URL. Responses of 400 and above become
// *ingest.StatusError so the executor can classify them.
func (f *Fetcher) Fetch(ctx context.Context, request ingest.FetchRequest) (ingest.RawFetchResult, error) {
	var (
		result   ingest.RawFetchResult
		fetchErr error
	)
	collector := f.buildCollector(request, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return ingest.RawFetchResult{}, err
	}
	if result.StatusCode >= http.StatusBadRequest {
		return ingest.RawFetchResult{}, &ingest.StatusError{
			Op:         "fetch",
			URL:        request.URL,
			StatusCode: result.StatusCode,
			Body:       ingest.Preview(string(result.Body), 200),
		}
	}
	return result, nil
}

func (f *Fetcher) newCollector(transport http.RoundTripper, ignoreRobots bool) *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = ignoreRobots
	c.MaxBodySize = f.cfg.MaxBodyBytes
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(f.cfg.Timeout)
	return c
}

func (f *Fetcher) buildCollector(
	request ingest.FetchRequest,
	result *ingest.RawFetchResult,
	fetchErr *error,
) *colly.Collector {
	base := f.plain
	if request.RespectRobots {
		base = f.polite
	}
	collector := base.Clone()
	f.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *ingest.RawFetchResult, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		*result = ingest.RawFetchResult{
			URL:         r.Request.URL.String(),
			Body:        append([]byte(nil), r.Body...),
			ContentType: ContentTypeOf(contentType),
			StatusCode:  r.StatusCode,
			FetchedAt:   f.clock.Now(),
			Kind:        ingest.SourceWeb,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", url, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("fetch %s: %w", url, *fetchErr)
		}
		return nil
	}
}

// ContentTypeOf maps a Content-Type header to a body format. Unknown types
// are left for the sanitizer to detect.
func ContentTypeOf(header string) ingest.ContentType {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(header))
	}
	switch {
	case strings.Contains(mediaType, "html"):
		return ingest.ContentHTML
	case mediaType == "text/plain", mediaType == "text/markdown":
		return ingest.ContentText
	default:
		return ingest.ContentUnknown
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
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
