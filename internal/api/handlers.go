package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/orchestrator"
)

// conflictMessage is returned with 409 when a reindex is already running.
const conflictMessage = "A reindex job is already in progress for this data source. Poll /sync/status/{jobId} or retry with waitForAvailability."

type crawlRequest struct {
	URL     string       `json:"url"`
	Options crawlOptions `json:"options"`
}

type crawlOptions struct {
	MaxPages int `json:"maxPages"`
	// Delay is the pause between batches in milliseconds.
	Delay               *int  `json:"delay"`
	BatchSize           int   `json:"batchSize"`
	FollowExternalLinks bool  `json:"followExternalLinks"`
	RespectRobots       *bool `json:"respectRobots"`
	Reindex             *bool `json:"reindex"`
}

type syncRequest struct {
	Domain              string `json:"domain"`
	WaitForAvailability bool   `json:"waitForAvailability"`
}

type discoverResponse struct {
	Domain         string                   `json:"domain"`
	TotalPages     int                      `json:"totalPages"`
	DiscoveredURLs []string                 `json:"discoveredUrls"`
	Strategy       ingest.DiscoveryStrategy `json:"strategy"`
	Reason         string                   `json:"reason,omitempty"`
}

type syncStatusResponse struct {
	JobID        string `json:"jobId"`
	Status       string `json:"status"`
	IsComplete   bool   `json:"isComplete"`
	IsFailed     bool   `json:"isFailed"`
	IsInProgress bool   `json:"isInProgress"`
}

func (s *Server) decodeCrawl(w http.ResponseWriter, r *http.Request) (crawlRequest, bool) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return crawlRequest{}, false
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return crawlRequest{}, false
	}
	if req.Options.MaxPages < 0 || req.Options.BatchSize < 0 || (req.Options.Delay != nil && *req.Options.Delay < 0) {
		writeError(w, http.StatusBadRequest, "maxPages, batchSize and delay must not be negative")
		return crawlRequest{}, false
	}
	return req, true
}

func (s *Server) crawlOptions(o crawlOptions) ingest.CrawlOptions {
	opts := ingest.CrawlOptions{
		MaxPages:            o.MaxPages,
		BatchSize:           o.BatchSize,
		FollowExternalLinks: o.FollowExternalLinks,
		RespectRobots:       boolOrDefault(o.RespectRobots, s.opts.RespectRobots),
	}
	if o.Delay != nil {
		opts.Delay = time.Duration(*o.Delay) * time.Millisecond
	}
	return opts
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCrawl(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Ingestor.Scrape(r.Context(), req.URL, orchestrator.ScrapeOptions{
		RespectRobots: boolOrDefault(req.Options.RespectRobots, s.opts.RespectRobots),
		Reindex:       boolOrDefault(req.Options.Reindex, true),
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCrawl(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Ingestor.Discover(r.Context(), req.URL, s.crawlOptions(req.Options))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, discoverResponse{
		Domain:         res.Domain,
		TotalPages:     len(res.Pages),
		DiscoveredURLs: res.URLs(),
		Strategy:       res.Strategy,
		Reason:         res.Reason,
	})
}

func (s *Server) enhancedCrawl(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCrawl(w, r)
	if !ok {
		return
	}
	summary, err := s.deps.Ingestor.Crawl(r.Context(), "", req.URL, s.crawlOptions(req.Options))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) crawlAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCrawl(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Runner.StartCrawl(r.Context(), req.URL, s.crawlOptions(req.Options))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  job.ID,
		"status": string(job.Status),
	})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.deps.Ingestor.Reindex(r.Context(), req.Domain, req.WaitForAvailability)
	var conflict *ingest.ReindexConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":       conflictMessage,
			"datasource":  conflict.Datasource,
			"activeJobId": conflict.ActiveJobID,
		})
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  jobID,
		"status": ingest.ReindexStarting,
	})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	st, err := s.deps.Ingestor.ReindexStatus(r.Context(), jobID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncStatusResponse{
		JobID:        st.JobID,
		Status:       st.Status,
		IsComplete:   st.IsComplete(),
		IsFailed:     st.IsFailed(),
		IsInProgress: st.IsInProgress(),
	})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.logger.Warn("remove multipart temp files", zap.Error(err))
		}
	}()

	headers := r.MultipartForm.File["files"]
	files := make([]orchestrator.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("open %s: %v", fh.Filename, err))
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
			return
		}
		files = append(files, orchestrator.Upload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	summary, err := s.deps.Ingestor.IngestUpload(r.Context(), r.FormValue("project"), files)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}
