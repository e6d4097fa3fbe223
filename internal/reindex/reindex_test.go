package reindex_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-ingestor/internal/executor"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/reindex"
	"github.com/JakeFAU/rag-ingestor/internal/reindex/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

func newExecutor(t *testing.T) *executor.Executor {
	t.Helper()
	exec := executor.New(executor.Config{
		Name:           "backend-test",
		MaxConcurrency: 2,
		MaxRetries:     2,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
	})
	t.Cleanup(exec.Close)
	return exec
}

func newTrigger(t *testing.T, backend reindex.Backend) *reindex.Trigger {
	t.Helper()
	trigger, err := reindex.New(backend, newExecutor(t), reindex.WithConfig(reindex.Config{
		PollInterval:    time.Millisecond,
		MaxPollInterval: 4 * time.Millisecond,
	}))
	require.NoError(t, err)
	return trigger
}

func TestFireAndConflict(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	backend := memory.New(time.Minute, memory.WithClock(clock), memory.WithIDGenerator(&seqIDs{}))
	trigger := newTrigger(t, backend)
	ctx := context.Background()

	id, err := trigger.Fire(ctx, "example-com")
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	clock.Advance(time.Second)
	status, err := trigger.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ingest.ReindexInProgress, status.Status)

	_, err = trigger.Fire(ctx, "other-org")
	require.ErrorIs(t, err, ingest.ErrReindexConflict)
	var conflict *ingest.ReindexConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "job-1", conflict.ActiveJobID)
	assert.Equal(t, "other-org", conflict.Datasource)

	clock.Advance(time.Minute)
	status, err = trigger.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.IsComplete())

	id, err = trigger.Fire(ctx, "other-org")
	require.NoError(t, err)
	assert.Equal(t, "job-2", id)
	assert.Equal(t, []string{"example-com", "other-org"}, backend.Starts())
}

func TestFireValidatesDatasource(t *testing.T) {
	t.Parallel()

	trigger := newTrigger(t, memory.New(0))
	_, err := trigger.Fire(context.Background(), "")
	assert.ErrorIs(t, err, ingest.ErrValidation)
	_, err = trigger.Status(context.Background(), "")
	assert.ErrorIs(t, err, ingest.ErrValidation)
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()

	trigger := newTrigger(t, memory.New(0))
	_, err := trigger.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, reindex.ErrUnknownJob)
}

type flakyBackend struct {
	calls atomic.Int32
	fail  int32
	err   error
}

func (f *flakyBackend) StartIngestionJob(context.Context, string) (string, error) {
	if f.calls.Add(1) <= f.fail {
		return "", f.err
	}
	return "job-ok", nil
}

func (f *flakyBackend) GetIngestionJob(_ context.Context, id string) (ingest.ReindexStatus, error) {
	return ingest.ReindexStatus{JobID: id, Status: ingest.ReindexComplete}, nil
}

func TestFireRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	backend := &flakyBackend{fail: 2, err: &ingest.StatusError{Op: "start", StatusCode: 503}}
	trigger := newTrigger(t, backend)

	id, err := trigger.Fire(context.Background(), "example-com")
	require.NoError(t, err)
	assert.Equal(t, "job-ok", id)
	assert.EqualValues(t, 3, backend.calls.Load())
}

func TestFireNeverRetriesConflict(t *testing.T) {
	t.Parallel()

	backend := &flakyBackend{fail: 10, err: &ingest.ReindexConflictError{ActiveJobID: "busy"}}
	trigger := newTrigger(t, backend)

	_, err := trigger.Fire(context.Background(), "example-com")
	require.ErrorIs(t, err, ingest.ErrReindexConflict)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestFireSurfacesFatalErrors(t *testing.T) {
	t.Parallel()

	backend := &flakyBackend{fail: 10, err: errors.New("permission denied")}
	trigger := newTrigger(t, backend)

	_, err := trigger.Fire(context.Background(), "example-com")
	require.ErrorIs(t, err, ingest.ErrFatal)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestWaitForAvailability(t *testing.T) {
	t.Parallel()

	backend := memory.New(time.Hour, memory.WithIDGenerator(&seqIDs{}))
	trigger := newTrigger(t, backend)
	ctx := context.Background()

	id, err := trigger.Fire(ctx, "example-com")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = backend.Finish(id, ingest.ReindexComplete)
	}()

	status, err := trigger.WaitForAvailability(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.IsComplete())
}

func TestWaitForAvailabilityHonorsContext(t *testing.T) {
	t.Parallel()

	backend := memory.New(time.Hour)
	trigger := newTrigger(t, backend)
	id, err := trigger.Fire(context.Background(), "example-com")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = trigger.WaitForAvailability(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFireWhenAvailableWaitsOutActiveJob(t *testing.T) {
	t.Parallel()

	backend := memory.New(time.Hour, memory.WithIDGenerator(&seqIDs{}))
	trigger := newTrigger(t, backend)
	ctx := context.Background()

	first, err := trigger.Fire(ctx, "example-com")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = backend.Finish(first, ingest.ReindexFailed)
	}()

	second, err := trigger.FireWhenAvailable(ctx, "example-com")
	require.NoError(t, err)
	assert.Equal(t, "job-2", second)
	assert.Len(t, backend.Starts(), 2)
}
