// Package sanitizer cleans fetched page bodies and rejects content that is
// corrupted, encoded, or too thin to be worth indexing.
//
// The pipeline for one body is: type detection, boilerplate stripping,
// main-content extraction, corruption detection, normalization, and a final
// length gate. Failures are reported as *ingest.ContentRejectedError.
package sanitizer

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/rag-ingestor/internal/hash/sha256"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

const previewLength = 120

// Options tunes the quality gate.
type Options struct {
	// MinLength is the minimum cleaned length for ordinary pages.
	MinLength int `mapstructure:"min_length"`
	// ShortMinLength applies to pages flagged AllowShort.
	ShortMinLength int `mapstructure:"short_min_length"`
	// MinAlphaRatio is the letters-to-length floor for long content.
	MinAlphaRatio float64 `mapstructure:"min_alpha_ratio"`
	// ShortAlphaRatio replaces MinAlphaRatio below ShortContentThreshold.
	ShortAlphaRatio float64 `mapstructure:"short_alpha_ratio"`
	// ShortContentThreshold is the length under which the relaxed ratio applies.
	ShortContentThreshold int `mapstructure:"short_content_threshold"`
	// MaxRunLength is the longest unbroken alphanumeric run tolerated.
	MaxRunLength int `mapstructure:"max_run_length"`
	// ExtractMinLength is the length below which an extraction strategy is
	// considered to have failed.
	ExtractMinLength int `mapstructure:"extract_min_length"`
	// MinLineAlphaRatio drops normalized lines with fewer letters than this.
	MinLineAlphaRatio float64 `mapstructure:"min_line_alpha_ratio"`
}

// DefaultOptions returns the production thresholds.
func DefaultOptions() Options {
	return Options{
		MinLength:             100,
		ShortMinLength:        50,
		MinAlphaRatio:         0.2,
		ShortAlphaRatio:       0.1,
		ShortContentThreshold: 200,
		MaxRunLength:          100,
		ExtractMinLength:      100,
		MinLineAlphaRatio:     0.3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinLength <= 0 {
		o.MinLength = d.MinLength
	}
	if o.ShortMinLength <= 0 {
		o.ShortMinLength = d.ShortMinLength
	}
	if o.MinAlphaRatio <= 0 {
		o.MinAlphaRatio = d.MinAlphaRatio
	}
	if o.ShortAlphaRatio <= 0 {
		o.ShortAlphaRatio = d.ShortAlphaRatio
	}
	if o.ShortContentThreshold <= 0 {
		o.ShortContentThreshold = d.ShortContentThreshold
	}
	if o.MaxRunLength <= 0 {
		o.MaxRunLength = d.MaxRunLength
	}
	if o.ExtractMinLength <= 0 {
		o.ExtractMinLength = d.ExtractMinLength
	}
	if o.MinLineAlphaRatio <= 0 {
		o.MinLineAlphaRatio = d.MinLineAlphaRatio
	}
	return o
}

// Sanitizer turns raw fetch results into SanitizedDocuments.
type Sanitizer struct {
	opts   Options
	hasher ingest.Hasher
}

// New constructs a Sanitizer. A nil hasher defaults to SHA-256.
func New(opts Options, hasher ingest.Hasher) *Sanitizer {
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Sanitizer{opts: opts.withDefaults(), hasher: hasher}
}

// Sanitize cleans a raw body. Rejections are returned as
// *ingest.ContentRejectedError; other errors indicate a programming fault.
func (s *Sanitizer) Sanitize(raw ingest.RawFetchResult) (ingest.SanitizedDocument, error) {
	body := strings.ToValidUTF8(string(raw.Body), "")
	if strings.TrimSpace(body) == "" {
		return ingest.SanitizedDocument{}, reject("empty body", body)
	}

	kind := raw.Kind
	if !kind.Valid() {
		kind = ingest.SourceOther
	}

	contentType := raw.ContentType
	if contentType == ingest.ContentUnknown {
		contentType = DetectType(body)
	}

	var title, extracted string
	switch contentType {
	case ingest.ContentHTML:
		var err error
		title, extracted, err = s.extractHTML(body)
		if err != nil {
			return ingest.SanitizedDocument{}, err
		}
	default:
		extracted = stripTracking(body)
	}

	extracted = stripLinks(extracted)
	if reason := s.corruption(extracted); reason != "" {
		return ingest.SanitizedDocument{}, reject(reason, extracted)
	}

	cleaned := s.normalize(extracted)
	minLength := s.opts.MinLength
	if raw.AllowShort {
		minLength = s.opts.ShortMinLength
	}
	if len([]rune(cleaned)) < minLength {
		return ingest.SanitizedDocument{}, reject(
			fmt.Sprintf("content too short: %d < %d characters", len([]rune(cleaned)), minLength),
			cleaned,
		)
	}

	if title == "" {
		title = titleFromText(cleaned)
	}
	if title == "" {
		title = titleFromURL(raw.URL)
	}

	digest, err := s.hasher.Hash([]byte(cleaned))
	if err != nil {
		return ingest.SanitizedDocument{}, fmt.Errorf("hash content: %w", err)
	}

	return ingest.SanitizedDocument{
		URL:         raw.URL,
		Title:       collapseSpaces(title),
		CleanedText: cleaned,
		ContentHash: digest,
		Kind:        kind,
	}, nil
}

func reject(reason, content string) error {
	return &ingest.ContentRejectedError{
		Reason:  reason,
		Preview: ingest.Preview(collapseSpaces(content), previewLength),
	}
}

// titleFromText uses a short leading line as a title for plain text.
func titleFromText(text string) string {
	first, _, _ := strings.Cut(text, "\n")
	first = strings.TrimSpace(first)
	if first == "" || len(first) > 120 {
		return ""
	}
	return first
}

func titleFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return ""
	}
	base := path.Base(strings.TrimRight(u.Path, "/"))
	if base == "." || base == "/" || base == "" {
		return u.Hostname()
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	return strings.NewReplacer("-", " ", "_", " ").Replace(base)
}
