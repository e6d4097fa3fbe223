package writer

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

const (
	// IndexPath is the object key of the shared content index.
	IndexPath = "metadata/content-index.json"
	// RegistryFile is the registry record's file name inside a source folder.
	RegistryFile = "datasource.json"
	// SidecarSuffix is appended to a chunk key to form its metadata key.
	SidecarSuffix = ".metadata.json"

	maxSlugLength = 60
)

var nonSlugChars = regexp.MustCompile(`[^a-z0-9-]+`)

// Source identifies the logical content source a document belongs to.
type Source struct {
	Kind        ingest.SourceKind
	Datasource  string
	DisplayName string
	SourceURL   string
}

// SourceForURL derives a web source from a page or start URL. The
// datasource id is the host without "www." with every other character
// outside [a-z0-9-] replaced by "-".
func SourceForURL(rawURL string) (Source, error) {
	u, err := ingest.ParseStartURL(rawURL)
	if err != nil {
		return Source{}, err
	}
	domain := ingest.Domain(u)
	return Source{
		Kind:        ingest.SourceWeb,
		Datasource:  Slug(domain),
		DisplayName: domain,
		SourceURL:   u.Scheme + "://" + u.Host,
	}, nil
}

// SourceForProject derives an uploaded-file source from a project name.
func SourceForProject(project string) (Source, error) {
	id := Slug(project)
	if id == "" {
		return Source{}, ingest.Invalid("project", "must contain at least one letter or digit")
	}
	return Source{
		Kind:        ingest.SourceUploadedFile,
		Datasource:  id,
		DisplayName: strings.TrimSpace(project),
	}, nil
}

// Slug lowercases s, maps runs of characters outside [a-z0-9-] to a single
// "-" and trims leading and trailing dashes.
func Slug(s string) string {
	s = nonSlugChars.ReplaceAllString(strings.ToLower(s), "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "-")
	}
	return s
}

// DocumentKey is the key of the cleaned document text.
func DocumentKey(at time.Time, contentHash string) string {
	return "documents/" + at.UTC().Format("2006-01-02") + "/" + contentHash + ".txt"
}

// RegistryKey is the key of a source's registry record.
func RegistryKey(src Source) string {
	return path.Join(src.Kind.TypeFolder(), src.Datasource, RegistryFile)
}

// ChunkKey is the key of one chunk file. The stem comes from the last path
// segment of the document URL, falling back to the title and then "index".
func ChunkKey(src Source, doc ingest.SanitizedDocument, index int) string {
	hash8 := doc.ContentHash
	if len(hash8) > 8 {
		hash8 = hash8[:8]
	}
	name := documentStem(doc) + "-" + hash8 + "-" + strconv.Itoa(index) + ".txt"
	return path.Join(src.Kind.TypeFolder(), src.Datasource, name)
}

func documentStem(doc ingest.SanitizedDocument) string {
	if u, err := url.Parse(doc.URL); err == nil {
		base := path.Base(strings.TrimSuffix(u.Path, "/"))
		base = strings.TrimSuffix(base, path.Ext(base))
		if s := Slug(base); s != "" {
			return s
		}
	}
	if s := Slug(doc.Title); s != "" {
		return s
	}
	return "index"
}
