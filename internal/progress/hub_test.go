package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageJobStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageJobStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageJobStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StageJobStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		JobID: uuid.NewString(),
		TS:    time.Now(),
		Stage: stage,
		Site:  "example.com",
	}
	switch stage {
	case StageJobProgress:
		evt.Phase = PhaseCrawling
		evt.Percentage = 50
	case StagePageDone, StagePageError:
		evt.URL = "https://example.com/about"
		evt.StatusClass = Status2xx
	}
	return evt
}

// TestHubDropsInvalidEvents checks that malformed events never reach sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)

	hub.Emit(Event{Stage: StageJobStart, TS: time.Now()})
	bad := sampleEvent(StageJobProgress)
	bad.Percentage = 120
	hub.Emit(bad)
	hub.Emit(sampleEvent(StagePageDone))

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, StagePageDone, batches[0][0].Stage)
}

// TestHubEmitAfterCloseIsIgnored ensures Emit is a no-op once shutdown begins.
func TestHubEmitAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent(StageJobStart))
	assert.Empty(t, sink.Batches())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{name: "valid progress", mutate: func(*Event) {}},
		{name: "missing job", mutate: func(e *Event) { e.JobID = "" }, wantErr: true},
		{name: "missing ts", mutate: func(e *Event) { e.TS = time.Time{} }, wantErr: true},
		{name: "missing phase", mutate: func(e *Event) { e.Phase = "" }, wantErr: true},
		{name: "negative percentage", mutate: func(e *Event) { e.Percentage = -1 }, wantErr: true},
		{name: "page without url", mutate: func(e *Event) { e.Stage = StagePageError }, wantErr: true},
		{name: "unknown stage", mutate: func(e *Event) { e.Stage = "FETCH_START" }, wantErr: true},
		{name: "negative duration", mutate: func(e *Event) { e.Dur = -time.Second }, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			evt := sampleEvent(StageJobProgress)
			tc.mutate(&evt)
			if tc.wantErr {
				assert.Error(t, evt.Validate())
			} else {
				assert.NoError(t, evt.Validate())
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Status2xx, ClassifyStatus(200))
	assert.Equal(t, Status3xx, ClassifyStatus(301))
	assert.Equal(t, Status4xx, ClassifyStatus(404))
	assert.Equal(t, Status5xx, ClassifyStatus(503))
	assert.Equal(t, StatusOther, ClassifyStatus(0))
}

func TestReporterStampsEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)
	r := NewReporter(hub, "job-7")
	r.Progress(PhaseDiscovering, "Discovering pages", 10)
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	evt := batches[0][0]
	assert.Equal(t, "job-7", evt.JobID)
	assert.Equal(t, StageJobProgress, evt.Stage)
	assert.Equal(t, PhaseDiscovering, evt.Phase)
	assert.False(t, evt.TS.IsZero())

	assert.NotPanics(t, func() { Reporter{}.Progress(PhaseDone, "x", 100) })
}

type failingSink struct{}

func (failingSink) Consume(context.Context, []Event) error { return errors.New("ledger unavailable") }
func (failingSink) Close(context.Context) error { return nil }

func TestHubSinkFailureLogsJobSummary(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 3, Logger: zap.New(core)}, failingSink{})

	done := sampleEvent(StagePageDone)
	done.JobID = "job-1"
	failed := sampleEvent(StagePageError)
	failed.JobID = "job-1"
	finished := sampleEvent(StageJobDone)
	finished.JobID = "job-2"
	hub.Emit(done)
	hub.Emit(failed)
	hub.Emit(finished)
	require.NoError(t, hub.Close(context.Background()))

	entries := logs.FilterMessage("progress sink consume failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(3), fields["events"])
	assert.Equal(t, int64(2), fields["jobs"])
	assert.Equal(t, []interface{}{"job-1", "job-2"}, fields["job_ids"])
	assert.Equal(t, int64(1), fields["pages_done"])
	assert.Equal(t, int64(1), fields["page_errors"])
	assert.Equal(t, int64(1), fields["jobs_finished"])
	assert.Equal(t, "ledger unavailable", fields["error"])
}

func TestBatchFieldsCapsJobIDs(t *testing.T) {
	t.Parallel()

	batch := make([]Event, 0, 8)
	for i := 0; i < 8; i++ {
		batch = append(batch, sampleEvent(StageJobStart))
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range batchFields(batch) {
		f.AddTo(enc)
	}
	assert.Equal(t, int64(8), enc.Fields["jobs"])
	assert.Len(t, enc.Fields["job_ids"], maxLoggedJobs)
}
