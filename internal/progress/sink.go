package progress

import (
	"context"
	"time"
)

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// orchestrator can remain agnostic about how events are buffered or persisted.
type Emitter interface {
	Emit(evt Event)
}

// Reporter stamps events for one job. The zero value and a Reporter with a
// nil Emitter discard everything.
type Reporter struct {
	emitter Emitter
	jobID   string
	now     func() time.Time
}

// NewReporter binds an emitter to a job id.
func NewReporter(emitter Emitter, jobID string) Reporter {
	return Reporter{emitter: emitter, jobID: jobID, now: func() time.Time { return time.Now().UTC() }}
}

// JobID returns the bound job id.
func (r Reporter) JobID() string { return r.jobID }

// Emit fills JobID and TS when they are empty and forwards the event.
func (r Reporter) Emit(evt Event) {
	if r.emitter == nil {
		return
	}
	if evt.JobID == "" {
		evt.JobID = r.jobID
	}
	if evt.TS.IsZero() {
		if r.now != nil {
			evt.TS = r.now()
		} else {
			evt.TS = time.Now().UTC()
		}
	}
	r.emitter.Emit(evt)
}

// Progress emits a JOB_PROGRESS event.
func (r Reporter) Progress(phase, message string, percentage float64) {
	r.Emit(Event{Stage: StageJobProgress, Phase: phase, Message: message, Percentage: percentage})
}
