package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/jobs"
)

var jobColumns = []string{
	"id", "job_type", "status", "phase", "message", "percentage",
	"params", "result", "error_text", "created_at", "updated_at",
}

func TestSaveJobUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	job := ingest.Job{
		ID:        "job-1",
		Type:      "crawl",
		Status:    ingest.JobCompleted,
		Progress:  ingest.JobProgress{Phase: "done", Message: "Completed", Percentage: 100},
		Params:    map[string]any{"url": "https://example.com"},
		Result:    "ok",
		CreatedAt: now,
		UpdatedAt: now.Add(time.Minute),
	}

	mock.ExpectExec("INSERT INTO ingest_jobs").
		WithArgs(
			"job-1",
			"crawl",
			"completed",
			"done",
			"Completed",
			100.0,
			[]byte(`{"url":"https://example.com"}`),
			[]byte(`"ok"`),
			"",
			job.CreatedAt,
			job.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveJobRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "")
	require.NoError(t, err)
	assert.Error(t, store.SaveJob(context.Background(), ingest.Job{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "ingest_jobs")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT id, job_type").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows(jobColumns).AddRow(
			"job-1", "crawl", "failed", "crawling", "Failed", 40.0,
			[]byte(`{"url":"https://example.com"}`), []byte(nil), "discovery failed", now, now,
		))

	job, err := store.LoadJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, ingest.JobFailed, job.Status)
	assert.Equal(t, "discovery failed", job.Error)
	assert.Equal(t, "https://example.com", job.Params["url"])
	assert.Nil(t, job.Result)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadJobNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, job_type").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.LoadJob(context.Background(), "missing")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT id, job_type").
		WithArgs(pgxmock.AnyArg(), 10, 0).
		WillReturnRows(mock.NewRows(jobColumns).
			AddRow("job-2", "crawl", "completed", "done", "Completed", 100.0, []byte(nil), []byte(`{"pagesProcessed":3}`), "", now, now).
			AddRow("job-1", "crawl", "running", "crawling", "batch", 50.0, []byte(nil), []byte(nil), "", now, now))

	status := ingest.JobCompleted
	list, err := store.ListJobs(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	raw, ok := list[0].Result.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"pagesProcessed":3}`, string(raw))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewJobStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewJobStore(nil, "")
	assert.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewJobStore(mock, "jobs; DROP TABLE x")
	assert.Error(t, err)
}
