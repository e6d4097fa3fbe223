// Package memory provides an in-process reindex backend that enforces a
// single active job.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/rag-ingestor/internal/clock/system"
	"github.com/JakeFAU/rag-ingestor/internal/id/uuid"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/reindex"
)

var _ reindex.Backend = (*Backend)(nil)

type job struct {
	datasource string
	started    time.Time
	// final overrides the time-derived status once set.
	final string
}

// Backend simulates a backend whose jobs run for a fixed duration.
type Backend struct {
	mu     sync.Mutex
	jobs   map[string]*job
	active string
	starts []string
	runFor time.Duration
	clock  ingest.Clock
	idGen  ingest.IDGenerator
}

// Option customizes a Backend.
type Option func(*Backend)

// WithClock overrides the time source.
func WithClock(clock ingest.Clock) Option {
	return func(b *Backend) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(gen ingest.IDGenerator) Option {
	return func(b *Backend) {
		if gen != nil {
			b.idGen = gen
		}
	}
}

// New creates a Backend whose jobs complete runFor after they start. A zero
// runFor completes jobs immediately.
func New(runFor time.Duration, opts ...Option) *Backend {
	b := &Backend{
		jobs:   make(map[string]*job),
		runFor: runFor,
		clock:  system.New(),
		idGen:  uuid.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StartIngestionJob starts a job unless one is still running.
func (b *Backend) StartIngestionJob(_ context.Context, datasource string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active != "" {
		if j, ok := b.jobs[b.active]; ok && b.inProgressLocked(j) {
			return "", &ingest.ReindexConflictError{Datasource: datasource, ActiveJobID: b.active}
		}
	}
	id, err := b.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate reindex job id: %w", err)
	}
	b.jobs[id] = &job{datasource: datasource, started: b.clock.Now()}
	b.active = id
	b.starts = append(b.starts, datasource)
	return id, nil
}

// GetIngestionJob reports the status of jobID.
func (b *Backend) GetIngestionJob(_ context.Context, jobID string) (ingest.ReindexStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return ingest.ReindexStatus{}, fmt.Errorf("%s: %w", jobID, reindex.ErrUnknownJob)
	}
	return ingest.ReindexStatus{JobID: jobID, Status: b.statusLocked(j)}, nil
}

// Finish forces jobID into a terminal status such as COMPLETE or FAILED.
func (b *Backend) Finish(jobID, status string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return fmt.Errorf("%s: %w", jobID, reindex.ErrUnknownJob)
	}
	j.final = status
	return nil
}

// Starts returns the datasources of every started job in order.
func (b *Backend) Starts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.starts...)
}

func (b *Backend) inProgressLocked(j *job) bool {
	return ingest.ReindexStatus{Status: b.statusLocked(j)}.IsInProgress()
}

func (b *Backend) statusLocked(j *job) string {
	if j.final != "" {
		return j.final
	}
	elapsed := b.clock.Now().Sub(j.started)
	switch {
	case elapsed >= b.runFor:
		return ingest.ReindexComplete
	case elapsed <= 0:
		return ingest.ReindexStarting
	default:
		return ingest.ReindexInProgress
	}
}
