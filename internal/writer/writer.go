// Package writer persists sanitized documents and their chunks to a blob
// store together with per-chunk metadata sidecars, a per-source registry
// record and a shared content index.
//
// Every blob operation goes through the backend call executor. The registry
// record and the content index are read-modify-write objects; both are
// updated with a compare-and-swap loop on the blob generation so concurrent
// ingestions never lose entries.
package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/clock/system"
	"github.com/JakeFAU/rag-ingestor/internal/executor"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/metrics"
)

// ErrContention is returned when a compare-and-swap update keeps losing.
var ErrContention = errors.New("too much contention")

const (
	jsonContentType = "application/json"
	textContentType = "text/plain; charset=utf-8"
)

// Config tunes the Writer.
type Config struct {
	// MaxCASAttempts bounds compare-and-swap retries per shared object.
	MaxCASAttempts int `mapstructure:"max_cas_attempts"`
}

// IndexEntry is one document in the content index.
type IndexEntry struct {
	URL          string            `json:"url,omitempty"`
	Title        string            `json:"title"`
	ContentHash  string            `json:"contentHash"`
	Datasource   string            `json:"datasource"`
	SourceType   ingest.SourceKind `json:"sourceType"`
	DocumentPath string            `json:"documentPath"`
	ChunkPaths   []string          `json:"chunkPaths"`
	IngestedAt   time.Time         `json:"ingestedAt"`
}

// ContentIndex is the JSON body stored at IndexPath.
type ContentIndex struct {
	Version   int                     `json:"version"`
	UpdatedAt time.Time               `json:"updatedAt"`
	Runs      map[string][]IndexEntry `json:"runs"`
}

// Entries returns every entry across runs.
func (c ContentIndex) Entries() []IndexEntry {
	var out []IndexEntry
	for _, entries := range c.Runs {
		out = append(out, entries...)
	}
	return out
}

// Result describes what WriteDocument stored.
type Result struct {
	Datasource   string   `json:"datasource"`
	DocumentPath string   `json:"documentPath"`
	ChunkPaths   []string `json:"chunkPaths"`
	RegistryPath string   `json:"registryPath"`
}

// Writer persists documents. It is safe for concurrent use.
type Writer struct {
	store  ingest.BlobStore
	exec   *executor.Executor
	clock  ingest.Clock
	cfg    Config
	logger *zap.Logger
}

// Option customizes a Writer.
type Option func(*Writer)

// WithClock overrides the time source.
func WithClock(clock ingest.Clock) Option {
	return func(w *Writer) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithConfig overrides the defaults.
func WithConfig(cfg Config) Option {
	return func(w *Writer) {
		if cfg.MaxCASAttempts > 0 {
			w.cfg.MaxCASAttempts = cfg.MaxCASAttempts
		}
	}
}

// New constructs a Writer on store, issuing every call through exec.
func New(store ingest.BlobStore, exec *executor.Executor, opts ...Option) (*Writer, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	w := &Writer{
		store:  store,
		exec:   exec,
		clock:  system.New(),
		cfg:    Config{MaxCASAttempts: 10},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("writer")
	return w, nil
}

// WriteDocument stores the cleaned text, the chunk files with their sidecars
// in index order, the source registry record, and appends one entry for the
// document to the content index under runID.
func (w *Writer) WriteDocument(
	ctx context.Context,
	runID string,
	src Source,
	doc ingest.SanitizedDocument,
	chunks []ingest.Chunk,
) (Result, error) {
	if err := validateSource(src); err != nil {
		return Result{}, err
	}
	if doc.ContentHash == "" {
		return Result{}, ingest.Invalid("contentHash", "is required")
	}
	if runID == "" {
		return Result{}, ingest.Invalid("runId", "is required")
	}

	now := w.clock.Now().UTC()
	res := Result{
		Datasource:   src.Datasource,
		DocumentPath: DocumentKey(now, doc.ContentHash),
		RegistryPath: RegistryKey(src),
	}
	if err := w.put(ctx, res.DocumentPath, textContentType, []byte(doc.CleanedText)); err != nil {
		return Result{}, err
	}

	stamp := now.Format(time.RFC3339)
	for _, chunk := range chunks {
		key := ChunkKey(src, doc, chunk.Index)
		if err := w.put(ctx, key, textContentType, []byte(chunkBody(chunk))); err != nil {
			return Result{}, err
		}
		sidecar, err := json.Marshal(sidecarFor(src, doc, chunk, stamp))
		if err != nil {
			return Result{}, fmt.Errorf("marshal sidecar: %w", err)
		}
		if err := w.put(ctx, key+SidecarSuffix, jsonContentType, sidecar); err != nil {
			return Result{}, err
		}
		res.ChunkPaths = append(res.ChunkPaths, key)
	}
	metrics.ObserveChunks(string(src.Kind), len(chunks))

	if _, err := w.UpsertRegistry(ctx, src); err != nil {
		return Result{}, err
	}
	entry := IndexEntry{
		URL:          doc.URL,
		Title:        CleanMetadata(doc.Title, MaxTitleLength),
		ContentHash:  doc.ContentHash,
		Datasource:   src.Datasource,
		SourceType:   src.Kind,
		DocumentPath: res.DocumentPath,
		ChunkPaths:   res.ChunkPaths,
		IngestedAt:   now,
	}
	if err := w.AppendIndex(ctx, runID, entry); err != nil {
		return Result{}, err
	}

	w.logger.Debug("document written",
		zap.String("run_id", runID),
		zap.String("datasource", src.Datasource),
		zap.String("content_hash", doc.ContentHash),
		zap.Int("chunks", len(chunks)),
	)
	return res, nil
}

// UpsertRegistry creates the source's registry record or, when one exists,
// overwrites its fields while keeping the original createdAt.
func (w *Writer) UpsertRegistry(ctx context.Context, src Source) (ingest.SourceRecord, error) {
	if err := validateSource(src); err != nil {
		return ingest.SourceRecord{}, err
	}
	var record ingest.SourceRecord
	err := w.update(ctx, RegistryKey(src), func(current []byte) ([]byte, error) {
		now := w.clock.Now().UTC()
		record = ingest.SourceRecord{
			ID:          src.Datasource,
			Type:        src.Kind,
			DisplayName: CleanMetadata(src.DisplayName, MaxTitleLength),
			SourceURL:   src.SourceURL,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if current != nil {
			var existing ingest.SourceRecord
			if err := json.Unmarshal(current, &existing); err != nil {
				w.logger.Warn("replacing unreadable registry record", zap.String("datasource", src.Datasource), zap.Error(err))
			} else if !existing.CreatedAt.IsZero() {
				record.CreatedAt = existing.CreatedAt
			}
		}
		return json.MarshalIndent(record, "", "  ")
	})
	if err != nil {
		return ingest.SourceRecord{}, err
	}
	return record, nil
}

// AppendIndex adds entries to the content index under runID. An entry whose
// content hash is already recorded for the run replaces the old one.
func (w *Writer) AppendIndex(ctx context.Context, runID string, entries ...IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return w.update(ctx, IndexPath, func(current []byte) ([]byte, error) {
		index := ContentIndex{Version: 1, Runs: map[string][]IndexEntry{}}
		if current != nil {
			if err := json.Unmarshal(current, &index); err != nil {
				return nil, fmt.Errorf("decode content index: %w", err)
			}
			if index.Runs == nil {
				index.Runs = map[string][]IndexEntry{}
			}
		}
		run := index.Runs[runID]
		for _, entry := range entries {
			replaced := false
			for i := range run {
				if run[i].ContentHash == entry.ContentHash {
					run[i] = entry
					replaced = true
					break
				}
			}
			if !replaced {
				run = append(run, entry)
			}
		}
		index.Runs[runID] = run
		index.Version = 1
		index.UpdatedAt = w.clock.Now().UTC()
		return json.Marshal(index)
	})
}

// ReadIndex loads the content index. A missing index reads as empty.
func (w *Writer) ReadIndex(ctx context.Context) (ContentIndex, error) {
	obj, err := w.get(ctx, IndexPath)
	if errors.Is(err, ingest.ErrObjectNotFound) {
		return ContentIndex{Version: 1, Runs: map[string][]IndexEntry{}}, nil
	}
	if err != nil {
		return ContentIndex{}, err
	}
	var index ContentIndex
	if err := json.Unmarshal(obj.Data, &index); err != nil {
		return ContentIndex{}, fmt.Errorf("decode content index: %w", err)
	}
	return index, nil
}

// ReadRegistry loads the registry record of src.
func (w *Writer) ReadRegistry(ctx context.Context, src Source) (ingest.SourceRecord, error) {
	obj, err := w.get(ctx, RegistryKey(src))
	if err != nil {
		return ingest.SourceRecord{}, err
	}
	var record ingest.SourceRecord
	if err := json.Unmarshal(obj.Data, &record); err != nil {
		return ingest.SourceRecord{}, fmt.Errorf("decode registry record: %w", err)
	}
	return record, nil
}

// update runs mutate against the current object body (nil when absent) and
// writes the result only if nobody else wrote in between.
func (w *Writer) update(ctx context.Context, key string, mutate func(current []byte) ([]byte, error)) error {
	for attempt := 1; attempt <= w.cfg.MaxCASAttempts; attempt++ {
		var (
			current    []byte
			generation int64
		)
		obj, err := w.get(ctx, key)
		switch {
		case err == nil:
			current, generation = obj.Data, obj.Generation
		case errors.Is(err, ingest.ErrObjectNotFound):
		default:
			return err
		}

		next, err := mutate(current)
		if err != nil {
			return err
		}
		err = w.exec.Do(ctx, "put-object-if", func(ctx context.Context) error {
			_, err := w.store.PutObjectIf(ctx, key, jsonContentType, next, generation)
			return err
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, ingest.ErrPreconditionFailed) {
			return fmt.Errorf("write %s: %w", key, err)
		}
		w.logger.Debug("compare-and-swap lost, retrying", zap.String("key", key), zap.Int("attempt", attempt))
	}
	return fmt.Errorf("update %s after %d attempts: %w", key, w.cfg.MaxCASAttempts, ErrContention)
}

func (w *Writer) put(ctx context.Context, key, contentType string, data []byte) error {
	err := w.exec.Do(ctx, "put-object", func(ctx context.Context) error {
		_, err := w.store.PutObject(ctx, key, contentType, bytes.NewReader(data))
		return err
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (w *Writer) get(ctx context.Context, key string) (ingest.Object, error) {
	return executor.Call(ctx, w.exec, "get-object", func(ctx context.Context) (ingest.Object, error) {
		return w.store.GetObject(ctx, key)
	})
}

func validateSource(src Source) error {
	if !src.Kind.Valid() {
		return ingest.Invalid("source.kind", "unknown kind %q", src.Kind)
	}
	if src.Datasource == "" {
		return ingest.Invalid("source.datasource", "is required")
	}
	return nil
}
