package writer

import (
	"strings"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

// Length caps for metadata attribute values.
const (
	MaxTitleLength = 256
	MaxTagLength   = 128
)

// Sidecar is the JSON body stored next to each chunk file.
type Sidecar struct {
	MetadataAttributes map[string]any `json:"metadataAttributes"`
}

// CleanMetadata keeps printable ASCII (0x20-0x7E), collapses runs of spaces,
// trims, and truncates to limit bytes.
func CleanMetadata(s string, limit int) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if r == '\t' || r == '\n' || r == '\r' {
			r = ' '
		}
		if r < 0x20 || r > 0x7E {
			continue
		}
		if r == ' ' {
			if space {
				continue
			}
			space = true
		} else {
			space = false
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if limit > 0 && len(out) > limit {
		out = strings.TrimSpace(out[:limit])
	}
	return out
}

func contentTag(kind ingest.SourceKind) string {
	switch kind {
	case ingest.SourceWeb:
		return "webpage"
	case ingest.SourceUploadedFile:
		return "document"
	default:
		return "other"
	}
}

func sidecarFor(src Source, doc ingest.SanitizedDocument, chunk ingest.Chunk, ingestedAt string) Sidecar {
	title := CleanMetadata(doc.Title, MaxTitleLength)
	if title == "" {
		title = CleanMetadata(src.DisplayName, MaxTitleLength)
	}
	attrs := map[string]any{
		"datasource":   CleanMetadata(src.Datasource, MaxTagLength),
		"source_type":  CleanMetadata(string(src.Kind), MaxTagLength),
		"content_type": contentTag(src.Kind),
		"title":        title,
		"content_hash": CleanMetadata(doc.ContentHash, MaxTagLength),
		"chunk_id":     CleanMetadata(chunk.ID, MaxTagLength),
		"chunk_index":  chunk.Index,
		"total_chunks": chunk.TotalChunks,
		"ingested_at":  ingestedAt,
	}
	if doc.URL != "" {
		attrs["source_url"] = CleanMetadata(doc.URL, MaxTitleLength)
	}
	return Sidecar{MetadataAttributes: attrs}
}

// chunkBody is the stored chunk text: the primary text followed by its
// context window when one exists.
func chunkBody(chunk ingest.Chunk) string {
	if strings.TrimSpace(chunk.ContextText) == "" {
		return chunk.PrimaryText
	}
	return chunk.PrimaryText + "\n\nContext:\n" + chunk.ContextText
}
