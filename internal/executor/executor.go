// Package executor wraps outbound calls with bounded concurrency, a
// minimum spacing between call starts, and jittered exponential backoff on
// transient failure.
//
// Calls are served first-in first-out by a fixed pool of workers. Before
// every attempt, retries included, a worker waits on a token bucket with a
// burst of one, so two attempts never start less than MinInterval apart.
package executor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/metrics"
	"github.com/JakeFAU/rag-ingestor/internal/telemetry"
)

// ErrClosed is returned for calls submitted after Close.
var ErrClosed = errors.New("executor closed")

// Config tunes one executor instance.
type Config struct {
	// Name labels metrics, spans and logs, e.g. "fetch" or "backend".
	Name           string        `mapstructure:"name"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	// CallTimeout bounds each attempt. Zero disables the per-attempt timeout.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	QueueDepth  int           `mapstructure:"queue_depth"`
}

// DefaultConfig returns conservative settings for a rate-limited backend.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		MaxConcurrency: 2,
		MinInterval:    500 * time.Millisecond,
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		QueueDepth:     256,
	}
}

// Func is one outbound call.
type Func func(ctx context.Context) error

type task struct {
	ctx  context.Context
	op   string
	fn   Func
	done chan error
}

// Executor runs outbound calls under the configured limits.
type Executor struct {
	cfg     Config
	limiter *rate.Limiter
	queue   chan *task
	logger  *zap.Logger
	tracer  trace.Tracer
	jitter  func(limit time.Duration) time.Duration

	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option customizes an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithJitter replaces the random jitter source.
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(e *Executor) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// New creates an Executor and starts its workers.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	e := &Executor{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		queue:   make(chan *task, cfg.QueueDepth),
		logger:  zap.NewNop(),
		tracer:  telemetry.Tracer("executor"),
		jitter:  randomJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("executor").With(zap.String("executor", cfg.Name))

	for i := 0; i < cfg.MaxConcurrency; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Name returns the executor's label.
func (e *Executor) Name() string { return e.cfg.Name }

// Do queues fn and blocks until it succeeds, fails, or ctx ends.
func (e *Executor) Do(ctx context.Context, op string, fn Func) error {
	t := &task{ctx: ctx, op: op, fn: fn, done: make(chan error, 1)}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	select {
	case e.queue <- t:
		e.mu.RUnlock()
	case <-ctx.Done():
		e.mu.RUnlock()
		return fmt.Errorf("%s: enqueue: %w", op, ctx.Err())
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Close stops accepting calls and waits for queued calls to drain.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
		e.wg.Wait()
	})
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for t := range e.queue {
		if err := t.ctx.Err(); err != nil {
			t.done <- fmt.Errorf("%s: %w", t.op, err)
			continue
		}
		t.done <- e.run(t)
	}
}

// run performs the attempts for one task.
func (e *Executor) run(t *task) error {
	ctx, span := e.tracer.Start(t.ctx, "executor."+t.op, trace.WithAttributes(
		attribute.String("executor", e.cfg.Name),
		attribute.String("operation", t.op),
	))
	defer span.End()

	metrics.IncActiveCalls(e.cfg.Name)
	defer metrics.DecActiveCalls(e.cfg.Name)

	var last error
	for attempt := 0; ; attempt++ {
		waitStart := time.Now()
		if err := e.limiter.Wait(ctx); err != nil {
			span.SetStatus(codes.Error, "canceled")
			return fmt.Errorf("%s: rate limit wait: %w", t.op, err)
		}
		metrics.ObserveStartWait(e.cfg.Name, time.Since(waitStart))

		last = e.attempt(ctx, t)
		span.SetAttributes(attribute.Int("attempts", attempt+1))
		if last == nil {
			metrics.ObserveCall(e.cfg.Name, t.op, "success")
			return nil
		}
		if ctx.Err() != nil {
			metrics.ObserveCall(e.cfg.Name, t.op, "canceled")
			span.SetStatus(codes.Error, "canceled")
			return fmt.Errorf("%s: %w", t.op, ctx.Err())
		}
		if passthrough(last) {
			metrics.ObserveCall(e.cfg.Name, t.op, "rejected")
			span.SetStatus(codes.Error, last.Error())
			return last
		}
		if !Retryable(last) {
			metrics.ObserveCall(e.cfg.Name, t.op, "fatal")
			span.RecordError(last)
			span.SetStatus(codes.Error, "fatal")
			e.logger.Debug("call failed", zap.String("operation", t.op), zap.Error(last))
			return &ingest.FatalCallError{Op: t.op, Err: last}
		}
		if attempt >= e.cfg.MaxRetries {
			metrics.ObserveCall(e.cfg.Name, t.op, "exhausted")
			span.RecordError(last)
			span.SetStatus(codes.Error, "retries exhausted")
			e.logger.Warn("call failed after retries",
				zap.String("operation", t.op),
				zap.Int("attempts", attempt+1),
				zap.Error(last),
			)
			return &ingest.CallFailedAfterRetriesError{Operation: t.op, Attempts: attempt + 1, Last: last}
		}

		delay := e.Backoff(attempt)
		metrics.ObserveRetry(e.cfg.Name, t.op)
		e.logger.Debug("retrying call",
			zap.String("operation", t.op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(last),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.ObserveCall(e.cfg.Name, t.op, "canceled")
			return fmt.Errorf("%s: %w", t.op, ctx.Err())
		case <-timer.C:
		}
	}
}

// attempt invokes fn once under the per-call timeout. A timeout that fires
// while the parent context is alive is reported as transient.
func (e *Executor) attempt(ctx context.Context, t *task) (err error) {
	callCtx := ctx
	cancel := func() {}
	if e.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", t.op, r)
		}
	}()

	err = t.fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &ingest.TransientError{Op: t.op, Err: fmt.Errorf("call timeout after %s: %w", e.cfg.CallTimeout, err)}
	}
	return err
}

// Backoff returns the wait before retry number attempt+1:
// min(base*2^attempt, max) plus up to 10% jitter.
func (e *Executor) Backoff(attempt int) time.Duration {
	delay := float64(e.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(e.cfg.MaxDelay) {
		delay = float64(e.cfg.MaxDelay)
	}
	d := time.Duration(delay)
	return d + e.jitter(d/10)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
