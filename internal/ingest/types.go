// Package ingest defines the core types shared across the ingestion pipeline.
package ingest

import (
	"time"
)

// SourceKind identifies where a document came from. It is decided once when
// content enters the pipeline and carried through every later stage.
type SourceKind string

// Source kinds recognised by the pipeline.
const (
	SourceWeb          SourceKind = "web"
	SourceUploadedFile SourceKind = "file"
	SourceOther        SourceKind = "other"
)

// TypeFolder returns the top-level storage folder for the kind.
func (k SourceKind) TypeFolder() string {
	switch k {
	case SourceWeb:
		return "websites"
	case SourceUploadedFile:
		return "files"
	default:
		return "other"
	}
}

// Valid reports whether k is one of the known kinds.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceWeb, SourceUploadedFile, SourceOther:
		return true
	default:
		return false
	}
}

// ContentType is the declared or detected body format.
type ContentType string

// Body formats understood by the sanitizer.
const (
	ContentUnknown ContentType = ""
	ContentHTML    ContentType = "html"
	ContentText    ContentType = "text"
)

// Origin records which discovery strategy produced a page.
type Origin string

// Discovery origins.
const (
	OriginSitemap         Origin = "sitemap"
	OriginCrawl           Origin = "crawl"
	OriginPatternFallback Origin = "pattern-fallback"
)

// DiscoveryStrategy names the overall strategy that produced a discovery result.
type DiscoveryStrategy string

// Discovery strategies.
const (
	StrategyComprehensive DiscoveryStrategy = "comprehensive"
	StrategyFallback      DiscoveryStrategy = "fallback"
)

// DiscoveredPage is a candidate URL produced by discovery.
type DiscoveredPage struct {
	URL    string `json:"url"`
	Depth  int    `json:"depth"`
	Origin Origin `json:"origin"`
}

// DiscoveryResult is the bounded, deduplicated output of one discovery run.
type DiscoveryResult struct {
	Domain   string            `json:"domain"`
	Strategy DiscoveryStrategy `json:"strategy"`
	Reason   string            `json:"reason,omitempty"`
	Pages    []DiscoveredPage  `json:"pages"`
}

// URLs returns the page URLs in discovery order.
func (r DiscoveryResult) URLs() []string {
	out := make([]string, 0, len(r.Pages))
	for _, p := range r.Pages {
		out = append(out, p.URL)
	}
	return out
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL           string
	Depth         int
	UseHeadless   bool
	RespectRobots bool
}

// RawFetchResult is the body of one fetched page. It is owned by the
// orchestrator for the duration of a single page's processing.
type RawFetchResult struct {
	URL         string
	Body        []byte
	ContentType ContentType
	StatusCode  int
	FetchedAt   time.Time
	Kind        SourceKind
	Rendered    bool
	// AllowShort lowers the minimum accepted length for pages expected to be
	// tiny, such as contact pages or small uploaded notes.
	AllowShort bool
}

// SanitizedDocument is cleaned text that passed the quality gate.
type SanitizedDocument struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	CleanedText string     `json:"cleanedText"`
	ContentHash string     `json:"contentHash"`
	Kind        SourceKind `json:"kind"`
}

// Chunk is a bounded, overlapping slice of a document.
type Chunk struct {
	ID          string            `json:"id"`
	DocumentID  string            `json:"documentId"`
	Index       int               `json:"index"`
	TotalChunks int               `json:"totalChunks"`
	PrimaryText string            `json:"primaryText"`
	ContextText string            `json:"contextText,omitempty"`
	Metadata    map[string]string `json:"metadata"`
}

// SourceRecord describes one logical content source.
type SourceRecord struct {
	ID          string     `json:"id"`
	Type        SourceKind `json:"type"`
	DisplayName string     `json:"displayName"`
	SourceURL   string     `json:"sourceUrl"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// CrawlOptions tunes a multi-page crawl.
type CrawlOptions struct {
	MaxPages            int           `json:"maxPages"`
	BatchSize           int           `json:"batchSize"`
	Delay               time.Duration `json:"-"`
	FollowExternalLinks bool          `json:"followExternalLinks"`
	RespectRobots       bool          `json:"respectRobots"`
}

// PageSummary reports the outcome of one successfully processed page.
type PageSummary struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Chunks      int    `json:"chunks"`
	ContentHash string `json:"contentHash"`
}

// PageError records a page that was skipped during a crawl.
type PageError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// ReindexOutcome reports what happened when the crawl asked for a reindex.
type ReindexOutcome struct {
	JobID    string `json:"jobId,omitempty"`
	Status   string `json:"status"`
	Conflict bool   `json:"conflict"`
	Error    string `json:"error,omitempty"`
}

// CrawlSummary aggregates the results of one crawl.
type CrawlSummary struct {
	URL             string            `json:"url"`
	Domain          string            `json:"domain"`
	Strategy        DiscoveryStrategy `json:"strategy"`
	StrategyReason  string            `json:"strategyReason,omitempty"`
	PagesDiscovered int               `json:"pagesDiscovered"`
	PagesProcessed  int               `json:"pagesProcessed"`
	PagesFailed     int               `json:"pagesFailed"`
	SuccessRate     float64           `json:"successRate"`
	TotalChunks     int               `json:"totalChunks"`
	Pages           []PageSummary     `json:"pages"`
	Errors          []PageError       `json:"errors"`
	Reindex         *ReindexOutcome   `json:"reindex,omitempty"`
	StartedAt       time.Time         `json:"startedAt"`
	FinishedAt      time.Time         `json:"finishedAt"`
}

// ReindexStatus is the backend's view of one reindex job.
type ReindexStatus struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Reindex job states reported by backends.
const (
	ReindexStarting   = "STARTING"
	ReindexInProgress = "IN_PROGRESS"
	ReindexComplete   = "COMPLETE"
	ReindexFailed     = "FAILED"
	ReindexStopped    = "STOPPED"
)

// IsComplete reports a successfully finished job.
func (s ReindexStatus) IsComplete() bool { return s.Status == ReindexComplete }

// IsFailed reports a job that ended without completing.
func (s ReindexStatus) IsFailed() bool {
	return s.Status == ReindexFailed || s.Status == ReindexStopped
}

// IsInProgress reports a job that still occupies the backend.
func (s ReindexStatus) IsInProgress() bool {
	return s.Status == ReindexStarting || s.Status == ReindexInProgress
}

// JobStatus represents the lifecycle state of an asynchronous job.
type JobStatus string

// Job states.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobProgress is the latest progress report for a running job.
type JobProgress struct {
	Phase      string  `json:"phase"`
	Message    string  `json:"message"`
	Percentage float64 `json:"percentage"`
}

// Job is the tracked state of an asynchronous ingestion job.
type Job struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    JobStatus      `json:"status"`
	Progress  JobProgress    `json:"progress"`
	Params    map[string]any `json:"params,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// PageOutcome labels a PageRecord.
type PageOutcome string

// Page outcomes.
const (
	PageIngested PageOutcome = "ingested"
	PageFailed   PageOutcome = "failed"
)

// PageRecord is one row of the per-page ingestion ledger.
type PageRecord struct {
	JobID       string
	URL         string
	Site        string
	Outcome     PageOutcome
	ContentHash string
	Chunks      int
	Bytes       int64
	Error       string
	RecordedAt  time.Time
}
