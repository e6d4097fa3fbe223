// Package httpbackend talks to a retrieval backend's REST ingestion-job API.
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/reindex"
)

var _ reindex.Backend = (*Backend)(nil)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// Config configures the REST client.
type Config struct {
	// BaseURL is the API root; jobs live under {BaseURL}/ingestion-jobs.
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Backend implements reindex.Backend over HTTP.
type Backend struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

type startRequest struct {
	Datasource string `json:"datasource"`
}

type jobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type conflictResponse struct {
	ActiveJobID string `json:"activeJobId"`
	Message     string `json:"message"`
}

// New creates a Backend. A nil client gets a default one with cfg.Timeout.
func New(cfg Config, client *http.Client) (*Backend, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("reindex base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("reindex base url: %w", err)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Backend{client: client, baseURL: base, apiKey: cfg.APIKey}, nil
}

// StartIngestionJob issues POST {base}/ingestion-jobs. HTTP 409 becomes an
// *ingest.ReindexConflictError.
func (b *Backend) StartIngestionJob(ctx context.Context, datasource string) (string, error) {
	body, err := json.Marshal(startRequest{Datasource: datasource})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	endpoint := b.baseURL + "/ingestion-jobs"
	resp, err := b.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var conflict conflictResponse
		// A conflict without a readable body still reports the conflict.
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&conflict)
		return "", &ingest.ReindexConflictError{Datasource: datasource, ActiveJobID: conflict.ActiveJobID}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", statusError("start-ingestion-job", endpoint, resp)
	}

	var out jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("start ingestion job: response has no jobId")
	}
	return out.JobID, nil
}

// GetIngestionJob issues GET {base}/ingestion-jobs/{id}.
func (b *Backend) GetIngestionJob(ctx context.Context, jobID string) (ingest.ReindexStatus, error) {
	endpoint := b.baseURL + "/ingestion-jobs/" + url.PathEscape(jobID)
	resp, err := b.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ingest.ReindexStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ingest.ReindexStatus{}, fmt.Errorf("%s: %w", jobID, reindex.ErrUnknownJob)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return ingest.ReindexStatus{}, statusError("get-ingestion-job", endpoint, resp)
	}

	var out jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ingest.ReindexStatus{}, fmt.Errorf("decode response: %w", err)
	}
	if out.JobID == "" {
		out.JobID = jobID
	}
	return ingest.ReindexStatus{JobID: out.JobID, Status: strings.ToUpper(out.Status)}, nil
}

func (b *Backend) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

func statusError(op, endpoint string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &ingest.StatusError{
		Op:         op,
		URL:        endpoint,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(raw)),
	}
}
