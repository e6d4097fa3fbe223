package ingest

import (
	"context"
	"io"
	"time"
)

// Object is a stored blob together with its generation.
type Object struct {
	Data        []byte
	ContentType string
	// Generation changes on every write. Zero means the object does not exist.
	Generation int64
}

// BlobStore persists artifacts and supports conditional writes.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, path string) (Object, error)
	// PutObjectIf writes only when the stored generation equals generation.
	// A generation of zero requires the object to be absent. A mismatch
	// returns ErrPreconditionFailed.
	PutObjectIf(ctx context.Context, path string, contentType string, data []byte, generation int64) (string, error)
}

// Fetcher fetches a URL and returns the raw body.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (RawFetchResult, error)
}

// HeadlessDetector decides whether a page needs a rendered re-fetch.
type HeadlessDetector interface {
	ShouldPromote(page RawFetchResult) bool
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for content identity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
