package orchestrator

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/metrics"
	"github.com/JakeFAU/rag-ingestor/internal/writer"
)

// ScrapeOptions tunes a single-page scrape.
type ScrapeOptions struct {
	RespectRobots bool `json:"respectRobots"`
	// Reindex requests a reindex after the page is stored.
	Reindex bool `json:"reindex"`
}

// ScrapeContent lists what a scrape produced.
type ScrapeContent struct {
	Chunks []ingest.Chunk `json:"chunks"`
	Files  []string       `json:"files"`
}

// ScrapeResult is the outcome of Scrape.
type ScrapeResult struct {
	URL       string                 `json:"url"`
	Title     string                 `json:"title"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]any         `json:"metadata"`
	Content   ScrapeContent          `json:"content"`
	Reindex   *ingest.ReindexOutcome `json:"reindex,omitempty"`
}

// Scrape ingests one page. Unlike Crawl, any failure is returned.
func (o *Orchestrator) Scrape(ctx context.Context, rawURL string, opts ScrapeOptions) (ScrapeResult, error) {
	src, err := writer.SourceForURL(rawURL)
	if err != nil {
		return ScrapeResult{}, err
	}
	runID, err := o.ids.NewID()
	if err != nil {
		return ScrapeResult{}, fmt.Errorf("generate run id: %w", err)
	}
	if o.deps.HeadlessBudget != nil {
		defer o.deps.HeadlessBudget.Release(runID)
	}
	normalized, err := ingest.NormalizeURL(rawURL)
	if err != nil {
		return ScrapeResult{}, ingest.Invalid("url", "%v", err)
	}

	raw, doc, err := o.fetchAndSanitize(ctx, runID, ingest.DiscoveredPage{URL: normalized}, opts.RespectRobots)
	if err != nil {
		metrics.ObservePage(metrics.SanitizeSite(normalized), "failed")
		return ScrapeResult{}, err
	}
	chunks, err := o.deps.Chunker.Chunk(doc)
	if err != nil {
		return ScrapeResult{}, fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return ScrapeResult{}, &ingest.ContentRejectedError{
			Reason:  "no chunk passed the validity filter",
			Preview: ingest.Preview(doc.CleanedText, 120),
		}
	}
	res, err := o.deps.Writer.WriteDocument(ctx, runID, src, doc, chunks)
	if err != nil {
		return ScrapeResult{}, fmt.Errorf("write: %w", err)
	}
	metrics.ObservePage(metrics.SanitizeSite(normalized), "ingested")

	out := ScrapeResult{
		URL:       doc.URL,
		Title:     doc.Title,
		Timestamp: o.clock.Now(),
		Metadata: map[string]any{
			"domain":        src.DisplayName,
			"datasource":    src.Datasource,
			"contentHash":   doc.ContentHash,
			"contentLength": len(doc.CleanedText),
			"statusCode":    raw.StatusCode,
			"rendered":      raw.Rendered,
			"documentPath":  res.DocumentPath,
			"runId":         runID,
		},
		Content: ScrapeContent{Chunks: chunks, Files: res.ChunkPaths},
	}
	if opts.Reindex {
		out.Reindex = o.reindex(ctx, src)
	}
	o.logger.Info("page scraped", zap.String("url", doc.URL), zap.Int("chunks", len(chunks)))
	return out, nil
}

// Upload is one uploaded file.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// UploadSummary aggregates an IngestUpload call.
type UploadSummary struct {
	Project        string                 `json:"project"`
	Datasource     string                 `json:"datasource"`
	FilesProcessed int                    `json:"filesProcessed"`
	FilesFailed    int                    `json:"filesFailed"`
	TotalChunks    int                    `json:"totalChunks"`
	Files          []ingest.PageSummary   `json:"files"`
	Errors         []ingest.PageError     `json:"errors"`
	Reindex        *ingest.ReindexOutcome `json:"reindex,omitempty"`
}

var textExtensions = map[string]struct{}{".txt": {}, ".text": {}, ".md": {}, ".markdown": {}}

// IngestUpload stores plain-text and markdown files under the project's
// datasource and requests a single reindex. Other formats are reported as
// validation failures per file.
func (o *Orchestrator) IngestUpload(ctx context.Context, project string, files []Upload) (UploadSummary, error) {
	src, err := writer.SourceForProject(project)
	if err != nil {
		return UploadSummary{}, err
	}
	if len(files) == 0 {
		return UploadSummary{}, ingest.Invalid("files", "at least one file is required")
	}
	runID, err := o.ids.NewID()
	if err != nil {
		return UploadSummary{}, fmt.Errorf("generate run id: %w", err)
	}

	summary := UploadSummary{
		Project:    src.DisplayName,
		Datasource: src.Datasource,
		Files:      []ingest.PageSummary{},
		Errors:     []ingest.PageError{},
	}
	for _, f := range files {
		page, err := o.ingestFile(ctx, runID, src, f)
		if err != nil {
			summary.FilesFailed++
			summary.Errors = append(summary.Errors, ingest.PageError{URL: f.Name, Error: err.Error()})
			o.logger.Warn("upload skipped", zap.String("project", src.Datasource), zap.String("file", f.Name), zap.Error(err))
			continue
		}
		summary.FilesProcessed++
		summary.TotalChunks += page.Chunks
		summary.Files = append(summary.Files, page)
	}
	if summary.FilesProcessed > 0 {
		summary.Reindex = o.reindex(ctx, src)
	}
	return summary, nil
}

func (o *Orchestrator) ingestFile(ctx context.Context, runID string, src writer.Source, f Upload) (ingest.PageSummary, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(f.Name), `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return ingest.PageSummary{}, ingest.Invalid("file", "name is required")
	}
	if !isText(name, f.ContentType) {
		return ingest.PageSummary{}, ingest.Invalid("file", "%s: only plain text and markdown uploads are supported", name)
	}
	raw := ingest.RawFetchResult{
		URL:         "upload://" + src.Datasource + "/" + name,
		Body:        f.Data,
		ContentType: ingest.ContentText,
		StatusCode:  200,
		FetchedAt:   o.clock.Now(),
		Kind:        ingest.SourceUploadedFile,
		AllowShort:  true,
	}
	doc, err := o.deps.Sanitizer.Sanitize(raw)
	if err != nil {
		return ingest.PageSummary{}, err
	}
	page, _, err := o.store(ctx, runID, src, doc)
	if err != nil {
		return ingest.PageSummary{}, err
	}
	page.URL = name
	return page, nil
}

func isText(name, contentType string) bool {
	if _, ok := textExtensions[strings.ToLower(path.Ext(name))]; ok {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/plain" || mediaType == "text/markdown"
}
