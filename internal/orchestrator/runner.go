package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

// JobTracker records asynchronous job state.
type JobTracker interface {
	Create(ctx context.Context, jobType string, params map[string]any) (ingest.Job, error)
	Update(ctx context.Context, id string, p ingest.JobProgress) error
	Complete(ctx context.Context, id string, result any) error
	Fail(ctx context.Context, id string, cause error) error
}

// JobTypeCrawl labels crawl jobs.
const JobTypeCrawl = "crawl"

// Runner starts crawls in the background and records them in a JobTracker.
type Runner struct {
	orch    *Orchestrator
	tracker JobTracker
	logger  *zap.Logger

	// base outlives any request; cancelling it aborts running crawls.
	base context.Context
	wg   sync.WaitGroup
}

// NewRunner builds a Runner whose crawls run under base.
func NewRunner(base context.Context, orch *Orchestrator, tracker JobTracker, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{orch: orch, tracker: tracker, logger: logger.Named("runner"), base: base}
}

// StartCrawl validates startURL, creates a pending job and returns it
// without waiting for the crawl.
func (r *Runner) StartCrawl(ctx context.Context, startURL string, opts ingest.CrawlOptions) (ingest.Job, error) {
	if _, err := ingest.ParseStartURL(startURL); err != nil {
		return ingest.Job{}, err
	}
	job, err := r.tracker.Create(ctx, JobTypeCrawl, map[string]any{
		"url":                 startURL,
		"maxPages":            opts.MaxPages,
		"batchSize":           opts.BatchSize,
		"delayMs":             opts.Delay.Milliseconds(),
		"followExternalLinks": opts.FollowExternalLinks,
		"respectRobots":       opts.RespectRobots,
	})
	if err != nil {
		return ingest.Job{}, fmt.Errorf("create job: %w", err)
	}

	r.wg.Add(1)
	go r.run(job.ID, startURL, opts)
	return job, nil
}

// Wait blocks until every started crawl has reached a terminal state or
// ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(jobID, startURL string, opts ingest.CrawlOptions) {
	defer r.wg.Done()
	logger := r.logger.With(zap.String("job_id", jobID), zap.String("url", startURL))
	ctx := context.WithoutCancel(r.base)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("crawl panicked", zap.Any("panic", p), zap.Stack("stack"))
			r.fail(ctx, logger, jobID, &ingest.PipelineJobFailure{JobID: jobID, Cause: p})
		}
	}()

	if err := r.tracker.Update(ctx, jobID, ingest.JobProgress{Phase: "starting", Message: "Crawl started"}); err != nil {
		logger.Warn("mark job running", zap.Error(err))
	}

	summary, err := r.orch.Crawl(r.base, jobID, startURL, opts)
	if err != nil {
		r.fail(ctx, logger, jobID, err)
		return
	}
	if err := r.tracker.Complete(ctx, jobID, summary); err != nil {
		logger.Error("complete job", zap.Error(err))
	}
}

func (r *Runner) fail(ctx context.Context, logger *zap.Logger, jobID string, cause error) {
	if err := r.tracker.Fail(ctx, jobID, cause); err != nil {
		logger.Error("fail job", zap.Error(err))
	}
}
