package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/progress"
)

// PageRepository persists the per-page ingestion ledger.
type PageRepository interface {
	RecordPages(ctx context.Context, pages []ingest.PageRecord) error
}

// StoreSink turns page events into ledger rows and writes each batch with a
// single repository call.
type StoreSink struct {
	repo   PageRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo PageRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards page outcomes to the repository. It respects ctx deadlines
// and returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	records := make([]ingest.PageRecord, 0, len(batch))
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StagePageDone:
			records = append(records, pageRecord(evt, ingest.PageIngested))
		case progress.StagePageError:
			records = append(records, pageRecord(evt, ingest.PageFailed))
		}
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.repo.RecordPages(ctx, records); err != nil {
		return fmt.Errorf("record pages: %w", err)
	}
	s.logger.Debug("recorded pages", zap.Int("count", len(records)))
	return nil
}

func pageRecord(evt progress.Event, outcome ingest.PageOutcome) ingest.PageRecord {
	rec := ingest.PageRecord{
		JobID:       evt.JobID,
		URL:         evt.URL,
		Site:        evt.Site,
		Outcome:     outcome,
		ContentHash: evt.ContentHash,
		Chunks:      evt.Chunks,
		Bytes:       evt.Bytes,
		RecordedAt:  evt.TS,
	}
	if outcome == ingest.PageFailed {
		rec.Error = evt.Note
	}
	return rec
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
