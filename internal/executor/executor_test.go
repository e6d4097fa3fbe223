package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

func fastConfig() Config {
	return Config{
		Name:           "test",
		MaxConcurrency: 2,
		MaxRetries:     3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
	}
}

func TestRetryableFailureIsAttemptedMaxRetriesPlusOne(t *testing.T) {
	t.Parallel()

	e := New(fastConfig())
	defer e.Close()

	var attempts atomic.Int32
	err := e.Do(context.Background(), "fetch", func(context.Context) error {
		attempts.Add(1)
		return &ingest.StatusError{Op: "fetch", StatusCode: http.StatusServiceUnavailable}
	})

	require.Error(t, err)
	assert.Equal(t, int32(4), attempts.Load())
	var exhausted *ingest.CallFailedAfterRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "fetch", exhausted.Operation)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.True(t, errors.Is(err, ingest.ErrCallFailedAfterRetries))
}

func TestNonRetryableFailureIsAttemptedOnce(t *testing.T) {
	t.Parallel()

	e := New(fastConfig())
	defer e.Close()

	var attempts atomic.Int32
	err := e.Do(context.Background(), "fetch", func(context.Context) error {
		attempts.Add(1)
		return &ingest.StatusError{Op: "fetch", StatusCode: http.StatusNotFound}
	})

	assert.Equal(t, int32(1), attempts.Load())
	assert.True(t, errors.Is(err, ingest.ErrFatal))
	assert.False(t, errors.Is(err, ingest.ErrCallFailedAfterRetries))
}

func TestTransientFailureRecovers(t *testing.T) {
	t.Parallel()

	e := New(fastConfig())
	defer e.Close()

	var attempts atomic.Int32
	got, err := Call(context.Background(), e, "put-object", func(context.Context) (string, error) {
		if attempts.Add(1) < 3 {
			return "", syscall.ECONNRESET
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestZeroRetriesMeansSingleAttempt(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxRetries = 0
	e := New(cfg)
	defer e.Close()

	var attempts atomic.Int32
	err := e.Do(context.Background(), "fetch", func(context.Context) error {
		attempts.Add(1)
		return errors.New("429 too many requests")
	})
	var exhausted *ingest.CallFailedAfterRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestReindexConflictIsNotRetried(t *testing.T) {
	t.Parallel()

	e := New(fastConfig())
	defer e.Close()

	var attempts atomic.Int32
	conflict := &ingest.ReindexConflictError{Datasource: "acme"}
	err := e.Do(context.Background(), "reindex", func(context.Context) error {
		attempts.Add(1)
		return conflict
	})
	assert.Same(t, conflict, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCallTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxRetries = 1
	cfg.CallTimeout = 10 * time.Millisecond
	e := New(cfg)
	defer e.Close()

	var attempts atomic.Int32
	err := e.Do(context.Background(), "discover", func(ctx context.Context) error {
		attempts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, int32(2), attempts.Load())
	assert.True(t, errors.Is(err, ingest.ErrCallFailedAfterRetries))
	assert.True(t, errors.Is(err, ingest.ErrTransient))
}

func TestPanicIsReportedAsFatal(t *testing.T) {
	t.Parallel()

	e := New(fastConfig())
	defer e.Close()

	err := e.Do(context.Background(), "write", func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingest.ErrFatal))
	assert.Contains(t, err.Error(), "boom")
}

func TestMinimumSpacingBetweenStarts(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxConcurrency = 4
	cfg.MinInterval = 40 * time.Millisecond
	e := New(cfg)
	defer e.Close()

	var (
		mu     sync.Mutex
		starts []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Do(context.Background(), "fetch", func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	require.Len(t, starts, 4)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 35*time.Millisecond)
	}
}

func TestMaxConcurrencyBound(t *testing.T) {
	t.Parallel()

	e := New(fastConfig())
	defer e.Close()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Do(context.Background(), "fetch", func(context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(15 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestCallsRunInSubmissionOrder(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxConcurrency = 1
	e := New(cfg)
	defer e.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = e.Do(context.Background(), "block", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = e.Do(context.Background(), fmt.Sprintf("call-%d", n), func(context.Context) error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		require.Eventually(t, func() bool { return len(e.queue) == i+1 }, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	e := New(cfg, WithJitter(func(time.Duration) time.Duration { return 0 }))
	defer e.Close()

	assert.Equal(t, 100*time.Millisecond, e.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, e.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, e.Backoff(3))
	assert.Equal(t, time.Second, e.Backoff(10))

	jittered := New(cfg)
	defer jittered.Close()
	for i := 0; i < 20; i++ {
		d := jittered.Backoff(1)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 220*time.Millisecond)
	}
}

func TestCanceledContextStopsRetries(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	e := New(cfg)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, "fetch", func(context.Context) error {
			attempts.Add(1)
			return io.ErrUnexpectedEOF
		})
	}()
	require.Eventually(t, func() bool { return attempts.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestClosedExecutorRejectsCalls(t *testing.T) {
	t.Parallel()

	e := New(fastConfig())
	e.Close()
	e.Close()
	err := e.Do(context.Background(), "fetch", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &ingest.StatusError{StatusCode: 429}, true},
		{"502", &ingest.StatusError{StatusCode: 502}, true},
		{"504", fmt.Errorf("wrapped: %w", &ingest.StatusError{StatusCode: 504}), true},
		{"404", &ingest.StatusError{StatusCode: 404}, false},
		{"400", &ingest.StatusError{StatusCode: 400}, false},
		{"googleapi 503", &googleapi.Error{Code: 503}, true},
		{"googleapi 403", &googleapi.Error{Code: 403}, false},
		{"transient marker", &ingest.TransientError{Op: "x", Err: errors.New("flaky")}, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"net timeout", timeoutErr{}, true},
		{"throttle text", errors.New("request was Throttled by upstream"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"conflict", &ingest.ReindexConflictError{}, false},
		{"rejected", &ingest.ContentRejectedError{Reason: "short"}, false},
		{"plain", errors.New("invalid credentials"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}
