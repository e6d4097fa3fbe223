package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/progress"
)

// LogSink emits structured logs for progress streams. Page events log at
// debug level; job lifecycle events at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageJobProgress:
			fields = append(fields,
				zap.String("phase", evt.Phase),
				zap.String("message", evt.Message),
				zap.Float64("percentage", evt.Percentage),
			)
			s.logger.Info("job progress", fields...)
		case progress.StagePageDone, progress.StagePageError:
			fields = append(fields,
				zap.String("site", evt.Site),
				zap.String("url", evt.URL),
				zap.Int("chunks", evt.Chunks),
				zap.Int64("bytes", evt.Bytes),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
			s.logger.Debug("page event", fields...)
		default:
			fields = append(fields, zap.Duration("dur", evt.Dur), zap.String("note", evt.Note))
			s.logger.Info("job event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
