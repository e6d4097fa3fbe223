package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/rag-ingestor/internal/executor"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/metrics"
	"github.com/JakeFAU/rag-ingestor/internal/progress"
	"github.com/JakeFAU/rag-ingestor/internal/writer"
)

// shortPagePath matches pages that are legitimately tiny.
var shortPagePath = regexp.MustCompile(`(?i)(^|/)(contact|contact-us|kontakt|impressum|about|about-us)(/|$|\.)`)

// pageOutcome is the result of processing one page.
type pageOutcome struct {
	url  string
	page ingest.PageSummary
	doc  ingest.SanitizedDocument
	res  writer.Result
	err  error
}

// runBatches processes pages in sequential batches of opts.BatchSize. Pages
// inside a batch run concurrently; a page error never cancels its siblings.
// Outcomes are returned in discovery order.
func (o *Orchestrator) runBatches(
	ctx context.Context,
	jobID string,
	src writer.Source,
	pages []ingest.DiscoveredPage,
	opts ingest.CrawlOptions,
	reporter progress.Reporter,
) []pageOutcome {
	outcomes := make([]pageOutcome, len(pages))
	total := len(pages)
	for start := 0; start < total; start += opts.BatchSize {
		if start > 0 && !sleep(ctx, opts.Delay) {
			for i := start; i < total; i++ {
				outcomes[i] = pageOutcome{url: pages[i].URL, err: fmt.Errorf("skipped: %w", ctx.Err())}
			}
			break
		}
		end := min(start+opts.BatchSize, total)

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				defer func() {
					if p := recover(); p != nil {
						o.logger.Error("page panicked", zap.String("job_id", jobID), zap.String("url", pages[i].URL), zap.Any("panic", p))
						outcomes[i] = pageOutcome{url: pages[i].URL, err: fmt.Errorf("page processing panicked: %v", p)}
					}
				}()
				outcomes[i] = o.processPage(ctx, jobID, src, pages[i], opts.RespectRobots, reporter)
				return nil
			})
		}
		_ = g.Wait()

		pct := 10 + 80*float64(end)/float64(total)
		reporter.Progress(progress.PhaseCrawling, fmt.Sprintf("Processed %d of %d pages", end, total), pct)
	}
	return outcomes
}

// processPage fetches, sanitizes, chunks and stores one page.
func (o *Orchestrator) processPage(
	ctx context.Context,
	jobID string,
	src writer.Source,
	page ingest.DiscoveredPage,
	respectRobots bool,
	reporter progress.Reporter,
) pageOutcome {
	began := o.clock.Now()
	site := metrics.SanitizeSite(page.URL)
	out := pageOutcome{url: page.URL}

	raw, doc, err := o.fetchAndSanitize(ctx, jobID, page, respectRobots)
	if err == nil {
		out.doc = doc
		out.page, out.res, err = o.store(ctx, jobID, src, doc)
	}
	if err != nil {
		out.err = err
		metrics.ObservePage(site, "failed")
		reporter.Emit(progress.Event{
			Stage:       progress.StagePageError,
			URL:         page.URL,
			Site:        site,
			StatusClass: progress.ClassifyStatus(statusOf(raw, err)),
			Dur:         o.clock.Now().Sub(began),
			Note:        err.Error(),
		})
		o.logger.Warn("page skipped", zap.String("job_id", jobID), zap.String("url", page.URL), zap.Error(err))
		return out
	}

	metrics.ObservePage(site, "ingested")
	reporter.Emit(progress.Event{
		Stage:       progress.StagePageDone,
		URL:         page.URL,
		Site:        site,
		ContentHash: doc.ContentHash,
		Chunks:      out.page.Chunks,
		Bytes:       int64(len(raw.Body)),
		StatusClass: progress.ClassifyStatus(raw.StatusCode),
		Dur:         o.clock.Now().Sub(began),
	})
	return out
}

// fetchAndSanitize fetches page through the fetch executor and runs the
// quality gate. A page rejected for thin content that looks script-rendered
// is re-fetched once through the headless fetcher.
func (o *Orchestrator) fetchAndSanitize(
	ctx context.Context,
	jobID string,
	page ingest.DiscoveredPage,
	respectRobots bool,
) (ingest.RawFetchResult, ingest.SanitizedDocument, error) {
	if o.deps.Limiter != nil {
		if err := o.deps.Limiter.Wait(ctx, page.URL); err != nil {
			return ingest.RawFetchResult{}, ingest.SanitizedDocument{}, err
		}
	}
	req := ingest.FetchRequest{URL: page.URL, Depth: page.Depth, RespectRobots: respectRobots}
	raw, err := executor.Call(ctx, o.deps.FetchExecutor, "fetch", func(ctx context.Context) (ingest.RawFetchResult, error) {
		return o.deps.Fetcher.Fetch(ctx, req)
	})
	if err != nil {
		return ingest.RawFetchResult{}, ingest.SanitizedDocument{}, fmt.Errorf("fetch: %w", err)
	}
	raw.Kind = ingest.SourceWeb
	raw.AllowShort = allowShort(page.URL)

	doc, err := o.deps.Sanitizer.Sanitize(raw)
	if err == nil || !errors.Is(err, ingest.ErrContentRejected) || !o.shouldRender(jobID, raw) {
		return raw, doc, err
	}

	req.UseHeadless = true
	rendered, rerr := executor.Call(ctx, o.deps.FetchExecutor, "render", func(ctx context.Context) (ingest.RawFetchResult, error) {
		return o.deps.Headless.Fetch(ctx, req)
	})
	if rerr != nil {
		metrics.ObserveHeadlessPromotion("failed")
		o.logger.Warn("headless render failed", zap.String("job_id", jobID), zap.String("url", page.URL), zap.Error(rerr))
		return raw, doc, err
	}
	metrics.ObserveHeadlessPromotion("rendered")
	rendered.Kind = ingest.SourceWeb
	rendered.AllowShort = raw.AllowShort
	doc, err = o.deps.Sanitizer.Sanitize(rendered)
	return rendered, doc, err
}

func (o *Orchestrator) shouldRender(jobID string, raw ingest.RawFetchResult) bool {
	if o.deps.Headless == nil || o.deps.Detector == nil || !o.deps.Detector.ShouldPromote(raw) {
		return false
	}
	if o.deps.HeadlessBudget != nil && !o.deps.HeadlessBudget.AllowHeadless(jobID) {
		metrics.ObserveHeadlessPromotion("denied")
		return false
	}
	return true
}

// store chunks doc and writes it under runID.
func (o *Orchestrator) store(
	ctx context.Context,
	runID string,
	src writer.Source,
	doc ingest.SanitizedDocument,
) (ingest.PageSummary, writer.Result, error) {
	chunks, err := o.deps.Chunker.Chunk(doc)
	if err != nil {
		return ingest.PageSummary{}, writer.Result{}, fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return ingest.PageSummary{}, writer.Result{}, &ingest.ContentRejectedError{
			Reason:  "no chunk passed the validity filter",
			Preview: ingest.Preview(doc.CleanedText, 120),
		}
	}
	res, err := o.deps.Writer.WriteDocument(ctx, runID, src, doc, chunks)
	if err != nil {
		return ingest.PageSummary{}, writer.Result{}, fmt.Errorf("write: %w", err)
	}
	return ingest.PageSummary{
		URL:         doc.URL,
		Title:       doc.Title,
		Chunks:      len(chunks),
		ContentHash: doc.ContentHash,
	}, res, nil
}

func allowShort(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return shortPagePath.MatchString(u.Path)
}

func statusOf(raw ingest.RawFetchResult, err error) int {
	var status *ingest.StatusError
	if errors.As(err, &status) {
		return status.StatusCode
	}
	return raw.StatusCode
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
