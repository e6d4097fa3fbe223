// Package reindex asks the retrieval backend to refresh its index after new
// documents are stored.
//
// The backend runs at most one ingestion job at a time. Starting a job while
// another is active yields an *ingest.ReindexConflictError, which callers
// should surface rather than retry blindly.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/executor"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/metrics"
)

// ErrUnknownJob is returned when the backend has no record of a job id.
var ErrUnknownJob = errors.New("unknown reindex job")

// Backend starts and inspects backend ingestion jobs.
type Backend interface {
	StartIngestionJob(ctx context.Context, datasource string) (string, error)
	GetIngestionJob(ctx context.Context, jobID string) (ingest.ReindexStatus, error)
}

// Config tunes availability polling.
type Config struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval"`
}

// Trigger fires reindex jobs through the backend executor.
type Trigger struct {
	backend Backend
	exec    *executor.Executor
	cfg     Config
	logger  *zap.Logger
}

// Option customizes a Trigger.
type Option func(*Trigger)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Trigger) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithConfig overrides polling defaults.
func WithConfig(cfg Config) Option {
	return func(t *Trigger) {
		if cfg.PollInterval > 0 {
			t.cfg.PollInterval = cfg.PollInterval
		}
		if cfg.MaxPollInterval > 0 {
			t.cfg.MaxPollInterval = cfg.MaxPollInterval
		}
	}
}

// New builds a Trigger.
func New(backend Backend, exec *executor.Executor, opts ...Option) (*Trigger, error) {
	if backend == nil {
		return nil, fmt.Errorf("reindex backend is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	t := &Trigger{
		backend: backend,
		exec:    exec,
		cfg:     Config{PollInterval: 5 * time.Second, MaxPollInterval: time.Minute},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.cfg.MaxPollInterval < t.cfg.PollInterval {
		t.cfg.MaxPollInterval = t.cfg.PollInterval
	}
	t.logger = t.logger.Named("reindex")
	return t, nil
}

// Fire starts one ingestion job for datasource and returns its id.
func (t *Trigger) Fire(ctx context.Context, datasource string) (string, error) {
	if datasource == "" {
		return "", ingest.Invalid("datasource", "is required")
	}
	jobID, err := executor.Call(ctx, t.exec, "start-ingestion-job", func(ctx context.Context) (string, error) {
		return t.backend.StartIngestionJob(ctx, datasource)
	})
	var conflict *ingest.ReindexConflictError
	switch {
	case errors.As(err, &conflict):
		if conflict.Datasource == "" {
			conflict.Datasource = datasource
		}
		metrics.ObserveReindex("conflict")
		t.logger.Info("reindex already running",
			zap.String("datasource", datasource),
			zap.String("active_job_id", conflict.ActiveJobID),
		)
		return "", conflict
	case err != nil:
		metrics.ObserveReindex("error")
		return "", fmt.Errorf("start reindex for %s: %w", datasource, err)
	}
	metrics.ObserveReindex("started")
	t.logger.Info("reindex started", zap.String("datasource", datasource), zap.String("reindex_job_id", jobID))
	return jobID, nil
}

// Status reports the backend's view of jobID.
func (t *Trigger) Status(ctx context.Context, jobID string) (ingest.ReindexStatus, error) {
	if jobID == "" {
		return ingest.ReindexStatus{}, ingest.Invalid("jobId", "is required")
	}
	status, err := executor.Call(ctx, t.exec, "get-ingestion-job", func(ctx context.Context) (ingest.ReindexStatus, error) {
		return t.backend.GetIngestionJob(ctx, jobID)
	})
	if err != nil {
		return ingest.ReindexStatus{}, fmt.Errorf("reindex status %s: %w", jobID, err)
	}
	return status, nil
}

// WaitForAvailability polls jobID with a growing interval until it is no
// longer in progress, and returns its final status.
func (t *Trigger) WaitForAvailability(ctx context.Context, jobID string) (ingest.ReindexStatus, error) {
	interval := t.cfg.PollInterval
	for {
		status, err := t.Status(ctx, jobID)
		if err != nil {
			return ingest.ReindexStatus{}, err
		}
		if !status.IsInProgress() {
			return status, nil
		}
		t.logger.Debug("waiting for reindex job",
			zap.String("reindex_job_id", jobID),
			zap.String("status", status.Status),
			zap.Duration("interval", interval),
		)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return status, fmt.Errorf("wait for reindex job %s: %w", jobID, ctx.Err())
		case <-timer.C:
		}
		interval *= 2
		if interval > t.cfg.MaxPollInterval {
			interval = t.cfg.MaxPollInterval
		}
	}
}

// FireWhenAvailable fires a job and, on conflict, waits for the active job to
// finish before trying again. It gives up when ctx ends or when the conflict
// does not name the active job.
func (t *Trigger) FireWhenAvailable(ctx context.Context, datasource string) (string, error) {
	for {
		jobID, err := t.Fire(ctx, datasource)
		var conflict *ingest.ReindexConflictError
		if !errors.As(err, &conflict) {
			return jobID, err
		}
		if conflict.ActiveJobID == "" {
			return "", conflict
		}
		if _, err := t.WaitForAvailability(ctx, conflict.ActiveJobID); err != nil {
			return "", err
		}
	}
}
