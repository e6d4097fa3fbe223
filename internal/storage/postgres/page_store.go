package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

const (
	defaultPagesTable = "ingest_pages"
	pageColumns       = 9
)

// PageStore appends rows to the per-page ingestion ledger.
type PageStore struct {
	pool  Pool
	table string
}

// NewPageStore builds a PageStore on an existing pool.
func NewPageStore(pool Pool, table string) (*PageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, defaultPagesTable)
	if err != nil {
		return nil, err
	}
	return &PageStore{pool: pool, table: table}, nil
}

// RecordPages inserts all records with one multi-row statement.
func (s *PageStore) RecordPages(ctx context.Context, pages []ingest.PageRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("page store is not configured")
	}
	if len(pages) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (job_id, url, site, outcome, content_hash, chunks, bytes, error_text, recorded_at) VALUES ", s.table)
	args := make([]any, 0, len(pages)*pageColumns)
	for i, p := range pages {
		if i > 0 {
			b.WriteString(",")
		}
		base := i * pageColumns
		b.WriteString("(")
		for c := 1; c <= pageColumns; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", base+c)
		}
		b.WriteString(")")
		args = append(args,
			p.JobID,
			p.URL,
			p.Site,
			string(p.Outcome),
			p.ContentHash,
			p.Chunks,
			p.Bytes,
			p.Error,
			p.RecordedAt,
		)
	}

	if _, err := s.pool.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert pages: %w", err)
	}
	return nil
}
