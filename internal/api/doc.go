// Package api hosts the HTTP server, middleware, and REST handlers of the
// ingestion service. Notable routes:
//   - POST /scrape, /discover, /enhanced-crawl for synchronous ingestion.
//   - POST /crawl-async with GET /crawl/status/{jobId} for background crawls.
//   - POST /sync and GET /sync/status/{jobId} for reindex control.
//   - POST /upload for multipart text and markdown files.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
