// Package memory stores blob content in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

type entry struct {
	data        []byte
	contentType string
	generation  int64
}

// BlobStore stores artifacts in-memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]entry
	nextGen int64
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]entry)}
}

// PutObject persists the content unconditionally and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ingest.Invalid("path", "is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(path, contentType, data)
	return uri(path), nil
}

// PutObjectIf writes data only when the stored generation equals generation.
// Generation zero requires the object to be absent.
func (s *BlobStore) PutObjectIf(
	_ context.Context,
	path string,
	contentType string,
	data []byte,
	generation int64,
) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ingest.Invalid("path", "is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects[path].generation != generation {
		return "", fmt.Errorf("put %s at generation %d: %w", path, generation, ingest.ErrPreconditionFailed)
	}
	s.store(path, contentType, data)
	return uri(path), nil
}

// GetObject returns a copy of the stored object.
func (s *BlobStore) GetObject(_ context.Context, path string) (ingest.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objects[path]
	if !ok {
		return ingest.Object{}, fmt.Errorf("get %s: %w", path, ingest.ErrObjectNotFound)
	}
	return ingest.Object{
		Data:        append([]byte(nil), e.data...),
		ContentType: e.contentType,
		Generation:  e.generation,
	}, nil
}

// Paths lists stored object paths with the given prefix in lexical order.
func (s *BlobStore) Paths(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// store must be called with mu held.
func (s *BlobStore) store(path, contentType string, data []byte) {
	s.nextGen++
	s.objects[path] = entry{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		generation:  s.nextGen,
	}
}

func uri(path string) string {
	return "memory://" + path
}
