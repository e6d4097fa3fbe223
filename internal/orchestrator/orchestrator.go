// Package orchestrator drives ingestion: discovery, batched fetching through
// the fetch executor, sanitizing, chunking and storage, followed by a single
// reindex request per crawl.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/clock/system"
	"github.com/JakeFAU/rag-ingestor/internal/discovery"
	"github.com/JakeFAU/rag-ingestor/internal/executor"
	"github.com/JakeFAU/rag-ingestor/internal/id/uuid"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/progress"
	"github.com/JakeFAU/rag-ingestor/internal/writer"
)

// MaxReportedErrors bounds the error sample kept in a summary.
const MaxReportedErrors = 5

// Discoverer resolves a start URL into candidate pages.
type Discoverer interface {
	Discover(ctx context.Context, startURL string, opts discovery.Options) (ingest.DiscoveryResult, error)
}

// Sanitizer cleans a fetched body.
type Sanitizer interface {
	Sanitize(raw ingest.RawFetchResult) (ingest.SanitizedDocument, error)
}

// Chunker splits a cleaned document.
type Chunker interface {
	Chunk(doc ingest.SanitizedDocument) ([]ingest.Chunk, error)
}

// DocumentWriter persists a document and its chunks.
type DocumentWriter interface {
	WriteDocument(
		ctx context.Context,
		runID string,
		src writer.Source,
		doc ingest.SanitizedDocument,
		chunks []ingest.Chunk,
	) (writer.Result, error)
}

// Reindexer asks the retrieval backend to refresh a datasource.
type Reindexer interface {
	Fire(ctx context.Context, datasource string) (string, error)
	FireWhenAvailable(ctx context.Context, datasource string) (string, error)
	Status(ctx context.Context, jobID string) (ingest.ReindexStatus, error)
}

// HostLimiter spaces requests to the same host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// HeadlessBudget caps rendered re-fetches per job.
type HeadlessBudget interface {
	AllowHeadless(jobID string) bool
	Release(jobID string)
}

// Config holds crawl defaults.
type Config struct {
	BatchSize     int           `mapstructure:"batch_size"`
	BatchDelay    time.Duration `mapstructure:"batch_delay"`
	MaxPages      int           `mapstructure:"max_pages"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	// Datasource overrides the per-source datasource id sent to the reindex backend.
	Datasource string `mapstructure:"datasource"`
	// Topic receives a notification after each crawl when set.
	Topic string `mapstructure:"topic"`
}

// DefaultConfig returns the crawl defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     3,
		BatchDelay:    1500 * time.Millisecond,
		MaxPages:      discovery.DefaultMaxPages,
		RespectRobots: true,
	}
}

// Deps are the collaborators of an Orchestrator. Discoverer, Fetcher,
// FetchExecutor, Sanitizer, Chunker and Writer are required.
type Deps struct {
	Discoverer     Discoverer
	Fetcher        ingest.Fetcher
	FetchExecutor  *executor.Executor
	Sanitizer      Sanitizer
	Chunker        Chunker
	Writer         DocumentWriter
	Reindexer      Reindexer
	Headless       ingest.Fetcher
	Detector       ingest.HeadlessDetector
	HeadlessBudget HeadlessBudget
	Limiter        HostLimiter
	Publisher      ingest.Publisher
	Events         progress.Emitter
}

// Orchestrator runs scrapes, crawls and uploads. It is safe for concurrent use.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	clock  ingest.Clock
	ids    ingest.IDGenerator
	logger *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock ingest.Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDGenerator overrides run id generation for synchronous crawls.
func WithIDGenerator(ids ingest.IDGenerator) Option {
	return func(o *Orchestrator) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// New validates deps and builds an Orchestrator. Zero fields in cfg take
// their defaults, except RespectRobots which is used as given.
func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Discoverer == nil:
		return nil, errors.New("discoverer is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.FetchExecutor == nil:
		return nil, errors.New("fetch executor is required")
	case deps.Sanitizer == nil:
		return nil, errors.New("sanitizer is required")
	case deps.Chunker == nil:
		return nil, errors.New("chunker is required")
	case deps.Writer == nil:
		return nil, errors.New("writer is required")
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		clock:  system.New(),
		ids:    uuid.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	return o, nil
}

// Discover runs discovery only.
func (o *Orchestrator) Discover(ctx context.Context, startURL string, opts ingest.CrawlOptions) (ingest.DiscoveryResult, error) {
	opts = o.crawlDefaults(opts)
	res, err := o.deps.Discoverer.Discover(ctx, startURL, discovery.Options{
		MaxPages:            opts.MaxPages,
		FollowExternalLinks: opts.FollowExternalLinks,
		RespectRobots:       opts.RespectRobots,
	})
	if err != nil {
		return ingest.DiscoveryResult{}, fmt.Errorf("discover: %w", err)
	}
	return res, nil
}

// Crawl discovers pages from startURL and ingests them in sequential
// batches. Per-page failures are collected in the summary; only an invalid
// start URL or a failed discovery is returned as an error. An empty jobID
// gets a generated run id.
func (o *Orchestrator) Crawl(ctx context.Context, jobID, startURL string, opts ingest.CrawlOptions) (ingest.CrawlSummary, error) {
	if _, err := ingest.ParseStartURL(startURL); err != nil {
		return ingest.CrawlSummary{}, err
	}
	src, err := writer.SourceForURL(startURL)
	if err != nil {
		return ingest.CrawlSummary{}, err
	}
	if jobID == "" {
		if jobID, err = o.ids.NewID(); err != nil {
			return ingest.CrawlSummary{}, fmt.Errorf("generate run id: %w", err)
		}
	}
	if o.deps.HeadlessBudget != nil {
		defer o.deps.HeadlessBudget.Release(jobID)
	}
	opts = o.crawlDefaults(opts)
	reporter := progress.NewReporter(o.deps.Events, jobID)
	logger := o.logger.With(zap.String("job_id", jobID), zap.String("url", startURL))
	started := o.clock.Now()
	reporter.Emit(progress.Event{Stage: progress.StageJobStart, URL: startURL})

	reporter.Progress(progress.PhaseDiscovering, "Discovering pages", 5)
	found, err := o.Discover(ctx, startURL, opts)
	if err != nil {
		reporter.Emit(progress.Event{Stage: progress.StageJobError, URL: startURL, Note: err.Error()})
		return ingest.CrawlSummary{}, err
	}
	logger.Info("discovery finished",
		zap.String("strategy", string(found.Strategy)),
		zap.String("reason", found.Reason),
		zap.Int("pages", len(found.Pages)),
	)

	summary := ingest.CrawlSummary{
		URL:             startURL,
		Domain:          found.Domain,
		Strategy:        found.Strategy,
		StrategyReason:  found.Reason,
		PagesDiscovered: len(found.Pages),
		Pages:           []ingest.PageSummary{},
		Errors:          []ingest.PageError{},
		StartedAt:       started,
	}
	reporter.Progress(progress.PhaseCrawling, fmt.Sprintf("Discovered %d pages", len(found.Pages)), 10)

	outcomes := o.runBatches(ctx, jobID, src, found.Pages, opts, reporter)
	for _, out := range outcomes {
		if out.err != nil {
			summary.PagesFailed++
			if len(summary.Errors) < MaxReportedErrors {
				summary.Errors = append(summary.Errors, ingest.PageError{URL: out.url, Error: out.err.Error()})
			}
			continue
		}
		summary.PagesProcessed++
		summary.TotalChunks += out.page.Chunks
		summary.Pages = append(summary.Pages, out.page)
	}
	if summary.PagesDiscovered > 0 {
		summary.SuccessRate = float64(summary.PagesProcessed) / float64(summary.PagesDiscovered)
	}

	if summary.PagesProcessed > 0 {
		reporter.Progress(progress.PhaseIndexing, "Requesting reindex", 95)
		summary.Reindex = o.reindex(ctx, src)
	}
	summary.FinishedAt = o.clock.Now()
	reporter.Progress(progress.PhaseDone, fmt.Sprintf("Processed %d of %d pages", summary.PagesProcessed, summary.PagesDiscovered), 100)
	reporter.Emit(progress.Event{Stage: progress.StageJobDone, URL: startURL, Dur: summary.FinishedAt.Sub(started)})

	o.notify(ctx, jobID, summary)
	logger.Info("crawl finished",
		zap.Int("processed", summary.PagesProcessed),
		zap.Int("failed", summary.PagesFailed),
		zap.Int("chunks", summary.TotalChunks),
	)
	return summary, nil
}

// Reindex requests a reindex for domain. With wait set, an active job is
// awaited before the request is made; otherwise a conflict is returned as
// *ingest.ReindexConflictError.
func (o *Orchestrator) Reindex(ctx context.Context, domain string, wait bool) (string, error) {
	if o.deps.Reindexer == nil {
		return "", errors.New("reindex backend is not configured")
	}
	ds, err := o.datasourceFor(domain)
	if err != nil {
		return "", err
	}
	if wait {
		return o.deps.Reindexer.FireWhenAvailable(ctx, ds)
	}
	return o.deps.Reindexer.Fire(ctx, ds)
}

// ReindexStatus reports a reindex job's state.
func (o *Orchestrator) ReindexStatus(ctx context.Context, jobID string) (ingest.ReindexStatus, error) {
	if o.deps.Reindexer == nil {
		return ingest.ReindexStatus{}, errors.New("reindex backend is not configured")
	}
	return o.deps.Reindexer.Status(ctx, jobID)
}

func (o *Orchestrator) datasourceFor(domain string) (string, error) {
	if o.cfg.Datasource != "" {
		return o.cfg.Datasource, nil
	}
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", ingest.Invalid("domain", "is required")
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	src, err := writer.SourceForURL(domain)
	if err != nil {
		return "", err
	}
	return src.Datasource, nil
}

// reindex fires one reindex for src and records the outcome.
func (o *Orchestrator) reindex(ctx context.Context, src writer.Source) *ingest.ReindexOutcome {
	if o.deps.Reindexer == nil {
		return nil
	}
	ds := src.Datasource
	if o.cfg.Datasource != "" {
		ds = o.cfg.Datasource
	}
	jobID, err := o.deps.Reindexer.Fire(ctx, ds)
	var conflict *ingest.ReindexConflictError
	switch {
	case err == nil:
		return &ingest.ReindexOutcome{JobID: jobID, Status: "started"}
	case errors.As(err, &conflict):
		o.logger.Info("reindex already running", zap.String("datasource", ds), zap.String("active_job", conflict.ActiveJobID))
		return &ingest.ReindexOutcome{JobID: conflict.ActiveJobID, Status: "conflict", Conflict: true, Error: err.Error()}
	default:
		o.logger.Warn("reindex request failed", zap.String("datasource", ds), zap.Error(err))
		return &ingest.ReindexOutcome{Status: "error", Error: err.Error()}
	}
}

func (o *Orchestrator) notify(ctx context.Context, jobID string, summary ingest.CrawlSummary) {
	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"jobId":           jobID,
		"url":             summary.URL,
		"domain":          summary.Domain,
		"strategy":        summary.Strategy,
		"pagesDiscovered": summary.PagesDiscovered,
		"pagesProcessed":  summary.PagesProcessed,
		"totalChunks":     summary.TotalChunks,
		"finishedAt":      summary.FinishedAt.Format(time.RFC3339),
	}
	if summary.Reindex != nil {
		payload["reindexJobId"] = summary.Reindex.JobID
		payload["reindexStatus"] = summary.Reindex.Status
	}
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, payload); err != nil {
		o.logger.Warn("publish crawl notification failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) crawlDefaults(opts ingest.CrawlOptions) ingest.CrawlOptions {
	if opts.MaxPages <= 0 {
		opts.MaxPages = o.cfg.MaxPages
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = o.cfg.BatchSize
	}
	if opts.Delay <= 0 {
		opts.Delay = o.cfg.BatchDelay
	}
	return opts
}
