// Package main hosts the ingestor entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /scrape, /discover, /enhanced-crawl, /crawl-async, /upload and the
//     reindex endpoints (/sync, /sync/status/{jobId}) behind an optional X-API-Key check, plus /healthz, /readyz
//     and /metrics.
//   - Pipeline: internal/orchestrator runs discovery (sitemaps first, then a bounded colly link crawl), fetches pages
//     through the fetch executor and the per-host limiter, sanitizes them to plain text, chunks the text with overlap
//     and context windows and hands everything to the writer.
//   - Writer: documents, chunks and their metadata sidecars go to the configured blob store (memory/local/GCS). The
//     content index and per-source registry are updated with generation-matched writes so concurrent runs do not
//     lose entries.
//   - Reindex: one reindex is requested per crawl or upload through the backend executor. A reindex already running
//     for the same datasource surfaces as 409 unless the caller asked to wait for it.
//   - Async jobs: /crawl-async hands the crawl to orchestrator.Runner; progress events flow through the progress hub to
//     the job tracker, logs, Prometheus and, when a DSN is set, Postgres.
//
// Operational notes:
//   - Concurrency model: two executors bound in-flight calls. The fetch executor serves page fetches, the backend
//     executor serves storage and reindex calls. Both retry transient failures with jittered backoff.
//   - Headless rendering is opt-in (headless.enabled) and budgeted per crawl.
//   - Pub/Sub notifications are sent after each crawl when pubsub.project_id and pubsub.topic are set. A failed
//     publish is logged and does not fail the crawl.
//   - SIGINT/SIGTERM drain the HTTP server, wait for background crawls up to server.shutdown_timeout and close every
//     client.
//
// Quick checklist:
//   - Configure env vars: INGESTOR_SERVER_PORT, INGESTOR_AUTH_ENABLED and INGESTOR_AUTH_API_KEY,
//     INGESTOR_STORAGE_BACKEND with INGESTOR_STORAGE_BUCKET or INGESTOR_STORAGE_BASE_DIR, INGESTOR_REINDEX_BACKEND
//     with INGESTOR_REINDEX_HTTP_BASE_URL, and INGESTOR_DB_DSN when job history should survive restarts.
//   - Run locally: go run ./cmd/ingestor serve --config config.yaml
//   - One-shot: go run ./cmd/ingestor crawl https://docs.example.com --max-pages 20
package main
