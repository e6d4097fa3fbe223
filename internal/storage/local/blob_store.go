// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem. Conditional writes are
// serialized by a process-wide mutex, so a single store instance should own
// its directory.
type BlobStore struct {
	baseDir string
	mu      sync.Mutex
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// PutObject writes data to a file on the local filesystem and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFile(fullPath, data); err != nil {
		return "", err
	}
	return "file://" + fullPath, nil
}

// PutObjectIf writes data only when the current file content still has the
// given generation. Generation zero requires the file to be absent.
func (s *BlobStore) PutObjectIf(_ context.Context, path string, _ string, data []byte, generation int64) (string, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := readGeneration(fullPath)
	if err != nil {
		return "", err
	}
	if current != generation {
		return "", fmt.Errorf("put %s at generation %d: %w", path, generation, ingest.ErrPreconditionFailed)
	}
	if err := writeFile(fullPath, data); err != nil {
		return "", err
	}
	return "file://" + fullPath, nil
}

// GetObject reads a file. The generation is derived from the file content.
func (s *BlobStore) GetObject(_ context.Context, path string) (ingest.Object, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return ingest.Object{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// #nosec G304 -- path is confined to baseDir by resolve.
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return ingest.Object{}, fmt.Errorf("get %s: %w", path, ingest.ErrObjectNotFound)
	}
	if err != nil {
		return ingest.Object{}, fmt.Errorf("failed to read file: %w", err)
	}
	return ingest.Object{Data: data, Generation: generationOf(data)}, nil
}

func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ingest.Invalid("path", "is required")
	}
	cleanBaseDir := filepath.Clean(s.baseDir)
	fullPath := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(fullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", ingest.Invalid("path", "escapes the base directory")
	}
	return fullPath, nil
}

func readGeneration(fullPath string) (int64, error) {
	// #nosec G304 -- path is confined to baseDir by resolve.
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read file: %w", err)
	}
	return generationOf(data), nil
}

// generationOf maps content to a positive int64, so an unchanged file keeps
// its generation and an absent file is always zero.
func generationOf(data []byte) int64 {
	sum := sha256.Sum256(data)
	gen := int64(binary.BigEndian.Uint64(sum[:8]) >> 1)
	if gen == 0 {
		gen = 1
	}
	return gen
}

// writeFile replaces fullPath atomically via a temp file and rename.
func writeFile(fullPath string, data []byte) error {
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
