package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/jobs"
)

const defaultJobsTable = "ingest_jobs"

// JobStore mirrors job snapshots into Postgres. SaveJob is an idempotent
// upsert keyed by job id that never moves a row back in time.
type JobStore struct {
	pool  Pool
	table string
}

// NewJobStore builds a JobStore on an existing pool.
func NewJobStore(pool Pool, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, defaultJobsTable)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveJob upserts the snapshot.
func (s *JobStore) SaveJob(ctx context.Context, job ingest.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	params, err := marshalNullable(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	result, err := marshalNullable(job.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, job_type, status, phase, message, percentage, params, result, error_text, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	phase = EXCLUDED.phase,
	message = EXCLUDED.message,
	percentage = EXCLUDED.percentage,
	result = EXCLUDED.result,
	error_text = EXCLUDED.error_text,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.updated_at <= EXCLUDED.updated_at`, s.table)

	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.Type,
		string(job.Status),
		job.Progress.Phase,
		job.Progress.Message,
		job.Progress.Percentage,
		params,
		result,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// LoadJob reads one snapshot. Result is returned as json.RawMessage.
func (s *JobStore) LoadJob(ctx context.Context, id string) (ingest.Job, error) {
	query := fmt.Sprintf(`
SELECT id, job_type, status, phase, message, percentage, params, result, error_text, created_at, updated_at
FROM %s WHERE id = $1`, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Job{}, fmt.Errorf("%s: %w", id, jobs.ErrNotFound)
	}
	if err != nil {
		return ingest.Job{}, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// ListJobs returns snapshots newest first, optionally filtered by status.
func (s *JobStore) ListJobs(ctx context.Context, status *ingest.JobStatus, limit, offset int) ([]ingest.Job, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := fmt.Sprintf(`
SELECT id, job_type, status, phase, message, percentage, params, result, error_text, created_at, updated_at
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`, s.table)
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []ingest.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (ingest.Job, error) {
	var (
		job    ingest.Job
		status string
		params []byte
		result []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Type,
		&status,
		&job.Progress.Phase,
		&job.Progress.Message,
		&job.Progress.Percentage,
		&params,
		&result,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return ingest.Job{}, err
	}
	job.Status = ingest.JobStatus(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return ingest.Job{}, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	return job, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
