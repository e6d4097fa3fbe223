package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/progress"
)

// TestStoreSinkPersistsPages ensures page events become one ledger write per batch.
func TestStoreSinkPersistsPages(t *testing.T) {
	t.Parallel()

	repo := &fakePageRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Now()

	batch := []progress.Event{
		{JobID: "job-1", Stage: progress.StageJobStart, TS: now},
		{
			JobID:       "job-1",
			Stage:       progress.StagePageDone,
			Site:        "example.com",
			URL:         "https://example.com/",
			ContentHash: "abc",
			Chunks:      2,
			Bytes:       100,
			TS:          now.Add(time.Second),
		},
		{
			JobID: "job-1",
			Stage: progress.StagePageError,
			Site:  "example.com",
			URL:   "https://example.com/contact",
			Note:  "content rejected: too short",
			TS:    now.Add(2 * time.Second),
		},
		{JobID: "job-1", Stage: progress.StageJobProgress, Phase: progress.PhaseCrawling, TS: now},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1, repo.calls)
	require.Len(t, repo.records, 2)
	require.Equal(t, ingest.PageIngested, repo.records[0].Outcome)
	require.Equal(t, 2, repo.records[0].Chunks)
	require.Empty(t, repo.records[0].Error)
	require.Equal(t, ingest.PageFailed, repo.records[1].Outcome)
	require.Equal(t, "content rejected: too short", repo.records[1].Error)
}

// TestStoreSinkSkipsBatchesWithoutPages avoids empty repository round trips.
func TestStoreSinkSkipsBatchesWithoutPages(t *testing.T) {
	t.Parallel()

	repo := &fakePageRepo{}
	sink := NewStoreSink(repo, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", Stage: progress.StageJobStart, TS: time.Now()},
	}))
	require.Zero(t, repo.calls)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakePageRepo{fail: true}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", Stage: progress.StagePageDone, URL: "https://example.com/", TS: time.Now()},
	})
	require.Error(t, err)
}

type fakePageRepo struct {
	fail    bool
	calls   int
	records []ingest.PageRecord
}

func (f *fakePageRepo) RecordPages(_ context.Context, pages []ingest.PageRecord) error {
	f.calls++
	if f.fail {
		return errors.New("insert failed")
	}
	f.records = append(f.records, pages...)
	return nil
}
