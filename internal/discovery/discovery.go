// Package discovery turns a start URL into a bounded, deduplicated list of
// candidate pages.
//
// The comprehensive strategy reads sitemaps (located through robots.txt or
// at /sitemap.xml) and tops the set up with a shallow same-site crawl. When
// it fails, times out, or finds nothing, a fixed list of common paths is
// returned instead and the result is marked as a fallback with a reason.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/metrics"
)

// DefaultMaxPages applies when the caller does not bound the result.
const DefaultMaxPages = 50

// MaxFallbackPages caps the pattern-based guess list.
const MaxFallbackPages = 100

// fallbackPaths are tried after the home page, in order.
var fallbackPaths = []string{
	"about", "contact", "products", "services", "about-us", "contact-us",
	"team", "blog", "news", "faq", "pricing", "careers", "support", "docs",
	"solutions", "features", "customers", "case-studies", "resources",
	"partners", "press", "events", "help", "locations", "our-story",
	"mission", "leadership", "history", "testimonials", "portfolio",
	"privacy", "terms",
}

// Config tunes discovery.
type Config struct {
	UserAgent string `mapstructure:"user_agent"`
	// Timeout bounds the whole comprehensive strategy.
	Timeout time.Duration `mapstructure:"timeout"`
	// RequestTimeout bounds each robots.txt or sitemap request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MaxSitemapDepth is how many levels of nested sitemap indexes are followed.
	MaxSitemapDepth int `mapstructure:"max_sitemap_depth"`
	// CrawlDepth is the link depth of the top-up crawl.
	CrawlDepth       int           `mapstructure:"crawl_depth"`
	CrawlParallelism int           `mapstructure:"crawl_parallelism"`
	CrawlDelay       time.Duration `mapstructure:"crawl_delay"`
	// BlockedHosts are never added or followed. Entries are exact hosts or
	// "*.suffix" patterns.
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		UserAgent:        "rag-ingestor/1.0",
		Timeout:          10 * time.Minute,
		RequestTimeout:   15 * time.Second,
		MaxSitemapDepth:  2,
		CrawlDepth:       2,
		CrawlParallelism: 2,
		CrawlDelay:       200 * time.Millisecond,
	}
}

// Options are per-call knobs supplied by the caller.
type Options struct {
	MaxPages            int
	FollowExternalLinks bool
	RespectRobots       bool
}

// Discoverer implements the discovery strategies.
type Discoverer struct {
	cfg     Config
	client  *http.Client
	blocked *hostBlocklist
	logger  *zap.Logger
}

// Option customizes a Discoverer.
type Option func(*Discoverer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Discoverer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithHTTPClient replaces the client used for robots.txt and sitemaps.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Discoverer) {
		if client != nil {
			d.client = client
		}
	}
}

// New builds a Discoverer. Zero fields in cfg take their defaults.
func New(cfg Config, opts ...Option) *Discoverer {
	def := DefaultConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxSitemapDepth <= 0 {
		cfg.MaxSitemapDepth = def.MaxSitemapDepth
	}
	if cfg.CrawlDepth <= 0 {
		cfg.CrawlDepth = def.CrawlDepth
	}
	if cfg.CrawlParallelism <= 0 {
		cfg.CrawlParallelism = def.CrawlParallelism
	}
	if cfg.CrawlDelay < 0 {
		cfg.CrawlDelay = 0
	}
	d := &Discoverer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		blocked: newHostBlocklist(cfg.BlockedHosts),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("discovery")
	return d
}

// Discover resolves startURL into at most opts.MaxPages pages. Only an
// invalid start URL is an error; every other failure degrades to the
// fallback strategy.
func (d *Discoverer) Discover(ctx context.Context, startURL string, opts Options) (ingest.DiscoveryResult, error) {
	start, err := ingest.ParseStartURL(startURL)
	if err != nil {
		return ingest.DiscoveryResult{}, err
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	domain := ingest.Domain(start)
	logger := d.logger.With(zap.String("url", startURL), zap.Int("max_pages", opts.MaxPages))

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	robots := d.loadRobots(runCtx, start)
	pages, err := d.comprehensive(runCtx, start, robots, opts)
	reason := ""
	switch {
	case ctx.Err() != nil:
		return ingest.DiscoveryResult{}, fmt.Errorf("discover %s: %w", startURL, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded) || runCtx.Err() != nil:
		reason = fmt.Sprintf("comprehensive discovery timed out after %s", d.cfg.Timeout)
	case err != nil:
		reason = fmt.Sprintf("comprehensive discovery failed: %v", err)
	case len(pages) == 0:
		reason = "comprehensive discovery found no pages"
	}

	if reason == "" {
		metrics.ObserveDiscovery(string(ingest.StrategyComprehensive))
		logger.Info("discovery complete", zap.String("strategy", string(ingest.StrategyComprehensive)), zap.Int("pages", len(pages)))
		return ingest.DiscoveryResult{Domain: domain, Strategy: ingest.StrategyComprehensive, Pages: pages}, nil
	}

	fallback := FallbackPages(start, opts.MaxPages, robots.filter(opts.RespectRobots, d.cfg.UserAgent))
	metrics.ObserveDiscovery(string(ingest.StrategyFallback))
	logger.Warn("discovery fell back to common paths", zap.String("reason", reason), zap.Int("pages", len(fallback)))
	return ingest.DiscoveryResult{
		Domain:   domain,
		Strategy: ingest.StrategyFallback,
		Reason:   reason,
		Pages:    fallback,
	}, nil
}

// FallbackPages returns the home page followed by common paths on start's
// host, deduplicated, filtered by allow when non-nil, and capped at
// min(maxPages, MaxFallbackPages).
func FallbackPages(start *url.URL, maxPages int, allow func(string) bool) []ingest.DiscoveredPage {
	limit := min(maxPages, MaxFallbackPages)
	if limit <= 0 {
		limit = MaxFallbackPages
	}
	set := newPageSet(limit)
	base := url.URL{Scheme: start.Scheme, Host: start.Host}
	candidates := append([]string{"/"}, fallbackPaths...)
	for i, p := range candidates {
		u := base
		u.Path = "/" + strings.Trim(p, "/")
		if u.Path == "/" && i > 0 {
			continue
		}
		raw := u.String()
		if allow != nil && !allow(raw) {
			continue
		}
		depth := 1
		if i == 0 {
			depth = 0
		}
		set.add(raw, depth, ingest.OriginPatternFallback)
		if set.full() {
			break
		}
	}
	return set.list()
}

func (d *Discoverer) comprehensive(
	ctx context.Context,
	start *url.URL,
	robots *robotsRules,
	opts Options,
) ([]ingest.DiscoveredPage, error) {
	set := newPageSet(opts.MaxPages)
	accept := func(raw string) bool {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return false
		}
		if !opts.FollowExternalLinks && !ingest.SameHost(start, u) {
			return false
		}
		if d.blocked.blocked(u.Hostname()) {
			return false
		}
		return !opts.RespectRobots || robots.allowed(raw, d.cfg.UserAgent)
	}

	sitemaps := robots.sitemaps()
	if len(sitemaps) == 0 {
		sitemaps = []string{start.Scheme + "://" + start.Host + "/sitemap.xml"}
	}
	for _, sm := range sitemaps {
		if set.full() {
			break
		}
		if err := d.readSitemap(ctx, sm, 0, func(loc string) bool {
			if accept(loc) {
				set.add(loc, 1, ingest.OriginSitemap)
			}
			return !set.full()
		}); err != nil {
			if ctx.Err() != nil {
				return set.list(), ctx.Err()
			}
			d.logger.Debug("sitemap unavailable", zap.String("sitemap", sm), zap.Error(err))
		}
	}

	if !set.full() {
		if err := d.crawl(ctx, start, set, accept, opts); err != nil {
			return set.list(), err
		}
	}
	return set.list(), nil
}

// pageSet deduplicates by normalized URL and stops accepting at max.
type pageSet struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	pages []ingest.DiscoveredPage
}

func newPageSet(limit int) *pageSet {
	return &pageSet{limit: limit, seen: make(map[string]struct{})}
}

func (s *pageSet) add(raw string, depth int, origin ingest.Origin) bool {
	normalized, err := ingest.NormalizeURL(raw)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pages) >= s.limit {
		return false
	}
	if _, dup := s.seen[normalized]; dup {
		return false
	}
	s.seen[normalized] = struct{}{}
	s.pages = append(s.pages, ingest.DiscoveredPage{URL: normalized, Depth: depth, Origin: origin})
	return true
}

func (s *pageSet) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages) >= s.limit
}

func (s *pageSet) list() []ingest.DiscoveredPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingest.DiscoveredPage(nil), s.pages...)
}
