package sanitizer

import (
	"fmt"
	"regexp"
	"unicode"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

var (
	doctypeRe    = regexp.MustCompile(`(?i)<!doctype\s+html|<html[\s>]`)
	structuralRe = regexp.MustCompile(`(?i)<(div|p|span|body|head|article|section|main|nav|header|footer|table|ul|ol|li|h[1-6])[\s>/]`)
	anyTagRe     = regexp.MustCompile(`<[a-zA-Z][a-zA-Z0-9-]*(\s[^<>]*)?/?>`)

	corruptionMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bbase64\s*,`),
		regexp.MustCompile(`(?i)data:[a-z]+/[a-z0-9.+-]+;`),
		regexp.MustCompile(`(?i);base64\b`),
		regexp.MustCompile(`\\u00[0-9a-fA-F]{2}(\\u00[0-9a-fA-F]{2}){7,}`),
		regexp.MustCompile(`(\x{FFFD}.?){4,}`),
	}
)

// DetectType classifies a body as HTML or plain text from its tag density.
func DetectType(body string) ingest.ContentType {
	if doctypeRe.MatchString(body) {
		return ingest.ContentHTML
	}
	if len(structuralRe.FindAllStringIndex(body, 2)) >= 2 {
		return ingest.ContentHTML
	}
	if len(anyTagRe.FindAllStringIndex(body, 4)) > 3 {
		return ingest.ContentHTML
	}
	return ingest.ContentText
}

// corruption returns a non-empty reason when text looks encoded or garbled.
func (s *Sanitizer) corruption(text string) string {
	for _, re := range corruptionMarkers {
		if re.MatchString(text) {
			return "encoded payload marker " + re.String()
		}
	}
	if run := longestAlnumRun(text); run > s.opts.MaxRunLength {
		return fmt.Sprintf("unbroken alphanumeric run of %d characters", run)
	}

	total, letters := 0, 0
	for _, r := range text {
		total++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if total == 0 {
		return "no content"
	}
	threshold := s.opts.MinAlphaRatio
	if total < s.opts.ShortContentThreshold {
		threshold = s.opts.ShortAlphaRatio
	}
	if ratio := float64(letters) / float64(total); ratio < threshold {
		return fmt.Sprintf("alphabetic ratio %.2f below %.2f", ratio, threshold)
	}
	return ""
}

// longestAlnumRun counts the longest stretch of ASCII letters, digits and
// base64 punctuation without whitespace.
func longestAlnumRun(text string) int {
	longest, current := 0, 0
	for _, r := range text {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '+' || r == '/' || r == '=') {
			current++
			if current > longest {
				longest = current
			}
			continue
		}
		current = 0
	}
	return longest
}

// alphaRatio is the share of letters among non-space runes.
func alphaRatio(s string) float64 {
	total, letters := 0, 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(letters) / float64(total)
}
