// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ingest.Invalid("path", "is required")
	}
	return s.write(ctx, s.client.Bucket(s.bucket).Object(path), contentType, r)
}

// PutObjectIf uploads data only if the object's live generation matches.
// Generation zero requires the object to be absent.
func (s *BlobStore) PutObjectIf(
	ctx context.Context,
	path string,
	contentType string,
	data []byte,
	generation int64,
) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ingest.Invalid("path", "is required")
	}
	cond := storage.Conditions{GenerationMatch: generation}
	if generation == 0 {
		cond = storage.Conditions{DoesNotExist: true}
	}
	obj := s.client.Bucket(s.bucket).Object(path).If(cond)
	uri, err := s.write(ctx, obj, contentType, bytes.NewReader(data))
	if isPreconditionFailure(err) {
		return "", fmt.Errorf("put %s at generation %d: %w", path, generation, ingest.ErrPreconditionFailed)
	}
	return uri, err
}

// GetObject downloads an object along with its generation.
func (s *BlobStore) GetObject(ctx context.Context, path string) (ingest.Object, error) {
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ingest.Object{}, fmt.Errorf("get %s: %w", path, ingest.ErrObjectNotFound)
	}
	if err != nil {
		return ingest.Object{}, fmt.Errorf("open reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return ingest.Object{}, fmt.Errorf("read object: %w", err)
	}
	return ingest.Object{
		Data:        data,
		ContentType: reader.Attrs.ContentType,
		Generation:  reader.Attrs.Generation,
	}, nil
}

func (s *BlobStore) write(ctx context.Context, obj *storage.ObjectHandle, contentType string, r io.Reader) (string, error) {
	writer := obj.NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, obj.ObjectName()), nil
}

func isPreconditionFailure(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
