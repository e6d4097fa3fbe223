// Package jobs tracks asynchronous ingestion jobs through the lifecycle
// pending → running → completed | failed. No transition leaves a terminal
// state.
//
// The Tracker is an in-memory map keyed by job id. It also implements
// progress.Sink, so registering it on the progress hub lets JOB_PROGRESS
// events drive the running transition without the orchestrator holding a
// reference to the tracker. An optional SnapshotStore mirrors every
// transition for durability.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/clock/system"
	"github.com/JakeFAU/rag-ingestor/internal/id/uuid"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/metrics"
	"github.com/JakeFAU/rag-ingestor/internal/progress"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned for any transition out of completed or failed.
	ErrTerminal = errors.New("job already finished")
)

// SnapshotStore persists job snapshots. SaveJob must be an idempotent upsert
// keyed by job id.
type SnapshotStore interface {
	SaveJob(ctx context.Context, job ingest.Job) error
}

// Tracker is the single writer of job state.
type Tracker struct {
	mu    sync.RWMutex
	jobs  map[string]*ingest.Job
	ids   ingest.IDGenerator
	clock ingest.Clock
	store SnapshotStore
	log   *zap.Logger
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithSnapshotStore mirrors every transition to store.
func WithSnapshotStore(store SnapshotStore) Option {
	return func(t *Tracker) { t.store = store }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.log = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock ingest.Clock) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(ids ingest.IDGenerator) Option {
	return func(t *Tracker) {
		if ids != nil {
			t.ids = ids
		}
	}
}

// NewTracker constructs an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		jobs:  make(map[string]*ingest.Job),
		ids:   uuid.New(),
		clock: system.New(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("jobs")
	return t
}

// Create registers a pending job and returns it.
func (t *Tracker) Create(ctx context.Context, jobType string, params map[string]any) (ingest.Job, error) {
	id, err := t.ids.NewID()
	if err != nil {
		return ingest.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := t.clock.Now()
	job := &ingest.Job{
		ID:        id,
		Type:      jobType,
		Status:    ingest.JobPending,
		Progress:  ingest.JobProgress{Phase: "queued", Message: "Job created"},
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.mu.Lock()
	t.jobs[id] = job
	snapshot := *job
	t.mu.Unlock()

	metrics.ObserveJob(string(ingest.JobPending))
	t.mirror(ctx, snapshot)
	return snapshot, nil
}

// Update moves a job to running and records its latest progress.
func (t *Tracker) Update(ctx context.Context, id string, p ingest.JobProgress) error {
	return t.transition(ctx, id, func(job *ingest.Job) {
		if job.Status == ingest.JobPending {
			metrics.ObserveJob(string(ingest.JobRunning))
		}
		job.Status = ingest.JobRunning
		job.Progress = p
	})
}

// Complete marks a job completed and stores its result.
func (t *Tracker) Complete(ctx context.Context, id string, result any) error {
	err := t.transition(ctx, id, func(job *ingest.Job) {
		job.Status = ingest.JobCompleted
		job.Result = result
		job.Progress = ingest.JobProgress{Phase: progress.PhaseDone, Message: "Completed", Percentage: 100}
	})
	if err == nil {
		metrics.ObserveJob(string(ingest.JobCompleted))
	}
	return err
}

// Fail marks a job failed and stores the error message.
func (t *Tracker) Fail(ctx context.Context, id string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	err := t.transition(ctx, id, func(job *ingest.Job) {
		job.Status = ingest.JobFailed
		job.Error = msg
		job.Progress.Message = "Failed"
	})
	if err == nil {
		metrics.ObserveJob(string(ingest.JobFailed))
	}
	return err
}

// Get returns a snapshot of the job.
func (t *Tracker) Get(_ context.Context, id string) (ingest.Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return ingest.Job{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return *job, nil
}

// List returns snapshots of all jobs, newest first.
func (t *Tracker) List(_ context.Context) []ingest.Job {
	t.mu.RLock()
	out := make([]ingest.Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, *job)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Prune drops terminal jobs last updated before cutoff and reports how many
// were removed.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, job := range t.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

// Consume applies JOB_PROGRESS events. Events for unknown or finished jobs
// are dropped; a progress report that loses the race with complete or fail
// must not resurrect the job.
func (t *Tracker) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Stage != progress.StageJobProgress {
			continue
		}
		err := t.Update(ctx, evt.JobID, ingest.JobProgress{
			Phase:      evt.Phase,
			Message:    evt.Message,
			Percentage: evt.Percentage,
		})
		switch {
		case err == nil, errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrTerminal):
			t.log.Debug("dropping late progress", zap.String("job_id", evt.JobID), zap.String("phase", evt.Phase))
		default:
			return err
		}
	}
	return nil
}

// Close implements progress.Sink.
func (t *Tracker) Close(context.Context) error { return nil }

func (t *Tracker) transition(ctx context.Context, id string, apply func(*ingest.Job)) error {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if job.Status.Terminal() {
		status := job.Status
		t.mu.Unlock()
		return fmt.Errorf("%s is %s: %w", id, status, ErrTerminal)
	}
	apply(job)
	job.UpdatedAt = t.clock.Now()
	snapshot := *job
	t.mu.Unlock()

	t.mirror(ctx, snapshot)
	return nil
}

func (t *Tracker) mirror(ctx context.Context, job ingest.Job) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveJob(ctx, job); err != nil {
		t.log.Warn("job snapshot failed",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err),
		)
	}
}
