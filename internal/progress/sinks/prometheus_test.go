package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-ingestor/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-1", TS: now, Stage: progress.StageJobStart},
		{JobID: "job-1", TS: now, Stage: progress.StageJobStart},
		{
			JobID:       "job-1",
			TS:          now.Add(10 * time.Second),
			Stage:       progress.StagePageDone,
			Site:        "example.com",
			URL:         "https://example.com/about",
			Bytes:       1024,
			Chunks:      3,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{
			JobID: "job-1",
			TS:    now.Add(11 * time.Second),
			Stage: progress.StagePageError,
			Site:  "example.com",
			URL:   "https://example.com/broken",
			Note:  "content rejected",
		},
		{JobID: "job-1", TS: now.Add(15 * time.Second), Stage: progress.StageJobDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("example.com", "ingested")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("example.com", "failed")), 1e-9)
	require.InDelta(t, 3.0, testutil.ToFloat64(sink.pageChunks.WithLabelValues("example.com")), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.pageBytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.pageDuration, "ingest_page_duration_seconds"))
}

func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
