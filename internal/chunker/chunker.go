// Package chunker splits sanitized documents into overlapping,
// context-enriched chunks sized for embedding and retrieval.
//
// Paragraphs are packed greedily up to a primary size. Each chunk after the
// first begins with a word-based tail of the previous chunk; the tail grows
// when the boundary falls on a heading. Paragraphs larger than the primary
// size are split at sentence boundaries, and sentences larger than that are
// split at word boundaries.
//
// Sizes and thresholds count characters (runes), not bytes.
//
// Every chunk's primary text is a contiguous slice of the document, and the
// "overlap_bytes" metadata key records the byte length of the repeated
// prefix, so Reconstruct can rebuild the document exactly. A draft that fails
// the validity filter is folded into its neighbour instead of being dropped,
// so kept chunks still cover the whole document.
package chunker

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/rag-ingestor/internal/hash/sha256"
	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

// Defaults used when an Option is not supplied.
const (
	DefaultPrimarySize            = 8000
	DefaultOverlapFraction        = 0.1
	DefaultHeadingOverlapFraction = 0.2
	DefaultContextParagraphs      = 3
	DefaultContextChars           = 1500
	DefaultMinChunkLength         = 50
	DefaultMinAlphaTokenRatio     = 0.1
	DefaultShortDocThreshold      = 200
)

// Metadata keys attached to every chunk.
const (
	MetaURL               = "url"
	MetaTitle             = "title"
	MetaSourceKind        = "source_kind"
	MetaContentHash       = "content_hash"
	MetaChunkIndex        = "chunk_index"
	MetaTotalChunks       = "total_chunks"
	MetaOverlapBytes      = "overlap_bytes"
	MetaOverlapWords      = "overlap_words"
	MetaStartsWithHeading = "starts_with_heading"
)

// Chunker splits documents into chunks.
type Chunker struct {
	primarySize            int
	overlapFraction        float64
	headingOverlapFraction float64
	contextParagraphs      int
	contextChars           int
	minChunkLength         int
	minAlphaTokenRatio     float64
	shortDocThreshold      int
	hasher                 ingest.Hasher
}

// Option configures the Chunker.
type Option func(*Chunker)

// WithPrimarySize sets the primary chunk size in characters.
func WithPrimarySize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.primarySize = size
		}
	}
}

// WithOverlap sets the ordinary and heading-boundary overlap fractions.
func WithOverlap(fraction, headingFraction float64) Option {
	return func(c *Chunker) {
		if fraction > 0 && fraction < 1 {
			c.overlapFraction = fraction
		}
		if headingFraction > 0 && headingFraction < 1 {
			c.headingOverlapFraction = headingFraction
		}
	}
}

// WithContext sets the paragraph window and the per-side cap in characters.
func WithContext(paragraphs, chars int) Option {
	return func(c *Chunker) {
		if paragraphs >= 0 {
			c.contextParagraphs = paragraphs
		}
		if chars > 0 {
			c.contextChars = chars
		}
	}
}

// WithValidity sets the thresholds of the chunk validity filter.
func WithValidity(minLength int, minAlphaTokenRatio float64, shortDocThreshold int) Option {
	return func(c *Chunker) {
		if minLength > 0 {
			c.minChunkLength = minLength
		}
		if minAlphaTokenRatio > 0 {
			c.minAlphaTokenRatio = minAlphaTokenRatio
		}
		if shortDocThreshold > 0 {
			c.shortDocThreshold = shortDocThreshold
		}
	}
}

// WithHasher overrides the chunk id hasher.
func WithHasher(h ingest.Hasher) Option {
	return func(c *Chunker) {
		if h != nil {
			c.hasher = h
		}
	}
}

// New creates a Chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		primarySize:            DefaultPrimarySize,
		overlapFraction:        DefaultOverlapFraction,
		headingOverlapFraction: DefaultHeadingOverlapFraction,
		contextParagraphs:      DefaultContextParagraphs,
		contextChars:           DefaultContextChars,
		minChunkLength:         DefaultMinChunkLength,
		minAlphaTokenRatio:     DefaultMinAlphaTokenRatio,
		shortDocThreshold:      DefaultShortDocThreshold,
		hasher:                 sha256.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.headingOverlapFraction < c.overlapFraction {
		c.headingOverlapFraction = c.overlapFraction
	}
	return c
}

// span is a unit of packing: a paragraph, a sentence, or a word window.
type span struct {
	start, end int
	para       int
	heading    bool
	// partial marks a piece of a paragraph that was split.
	partial bool
}

// draft is a chunk before filtering and numbering.
type draft struct {
	first, last int
	// start is the byte offset where the primary text begins, including overlap.
	start        int
	overlapBytes int
	overlapWords int
}

// Chunk splits doc into ordered chunks. Chunking the same document twice
// yields identical ids and text.
func (c *Chunker) Chunk(doc ingest.SanitizedDocument) ([]ingest.Chunk, error) {
	text := doc.CleanedText
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	documentID := doc.ContentHash
	if documentID == "" {
		digest, err := c.hasher.Hash([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("hash document: %w", err)
		}
		documentID = digest
	}

	paras := splitParagraphs(text)
	units := c.units(text, paras)
	drafts := c.pack(text, units)

	shortDoc := utf8.RuneCountInString(text) < c.shortDocThreshold
	kept := c.filter(doc, text, units, drafts, shortDoc)

	chunks := make([]ingest.Chunk, 0, len(kept))
	for i, d := range kept {
		id, err := c.chunkID(documentID, i)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, ingest.Chunk{
			ID:          id,
			DocumentID:  documentID,
			Index:       i,
			TotalChunks: len(kept),
			PrimaryText: text[d.start:units[d.last].end],
			ContextText: c.context(text, paras, units, d),
			Metadata: map[string]string{
				MetaURL:               doc.URL,
				MetaTitle:             doc.Title,
				MetaSourceKind:        string(doc.Kind),
				MetaContentHash:       documentID,
				MetaChunkIndex:        strconv.Itoa(i),
				MetaTotalChunks:       strconv.Itoa(len(kept)),
				MetaOverlapBytes:      strconv.Itoa(d.overlapBytes),
				MetaOverlapWords:      strconv.Itoa(d.overlapWords),
				MetaStartsWithHeading: strconv.FormatBool(units[d.first].heading),
			},
		})
	}
	return chunks, nil
}

// chunkID derives a stable id from the document id and chunk position.
func (c *Chunker) chunkID(documentID string, index int) (string, error) {
	digest, err := c.hasher.Hash([]byte(documentID + ":" + strconv.Itoa(index)))
	if err != nil {
		return "", fmt.Errorf("hash chunk id: %w", err)
	}
	if len(digest) > 32 {
		digest = digest[:32]
	}
	return digest, nil
}

// units breaks paragraphs into packable spans no larger than the primary size.
func (c *Chunker) units(text string, paras [][2]int) []span {
	out := make([]span, 0, len(paras))
	for pi, p := range paras {
		heading := isHeading(text[p[0]:p[1]])
		if runeLen(text, p[0], p[1]) <= c.primarySize {
			out = append(out, span{start: p[0], end: p[1], para: pi, heading: heading})
			continue
		}
		for _, s := range splitSentences(text, p[0], p[1]) {
			if runeLen(text, s[0], s[1]) <= c.primarySize {
				out = append(out, span{start: s[0], end: s[1], para: pi, partial: true})
				continue
			}
			for _, w := range splitWords(text, s[0], s[1], c.primarySize) {
				out = append(out, span{start: w[0], end: w[1], para: pi, partial: true})
			}
		}
	}
	return out
}

// pack accumulates units greedily into drafts, carrying an overlap tail
// from each draft into the next.
func (c *Chunker) pack(text string, units []span) []draft {
	if len(units) == 0 {
		return nil
	}
	var drafts []draft
	cur := draft{first: 0, last: 0, start: units[0].start}
	for j := 1; j < len(units); j++ {
		if runeLen(text, cur.start, units[j].end) <= c.primarySize {
			cur.last = j
			continue
		}
		drafts = append(drafts, cur)

		fraction := c.overlapFraction
		if units[cur.last].heading || units[j].heading {
			fraction = c.headingOverlapFraction
		}
		prevEnd := units[cur.last].end
		start, words := overlapStart(text, units[cur.first].start, prevEnd, fraction)
		cur = draft{
			first:        j,
			last:         j,
			start:        start,
			overlapBytes: prevEnd - start,
			overlapWords: words,
		}
	}
	return append(drafts, cur)
}

var wordRe = regexp.MustCompile(`\S+`)

// overlapStart returns the offset of the last ceil(words*fraction) words of
// text[bodyStart:bodyEnd], always at least one word.
func overlapStart(text string, bodyStart, bodyEnd int, fraction float64) (int, int) {
	words := wordRe.FindAllStringIndex(text[bodyStart:bodyEnd], -1)
	if len(words) == 0 {
		return bodyEnd, 0
	}
	n := int(math.Ceil(float64(len(words))*fraction - 1e-9))
	if n < 1 {
		n = 1
	}
	if n > len(words) {
		n = len(words)
	}
	return bodyStart + words[len(words)-n][0], n
}

// filter applies the validity filter. A rejected draft is merged into the
// previous kept draft, or into the next one when nothing was kept yet. The
// next draft's overlap already points into the rejected text, which now ends
// the merged draft, so overlap offsets stay consistent.
func (c *Chunker) filter(doc ingest.SanitizedDocument, text string, units []span, drafts []draft, shortDoc bool) []draft {
	kept := make([]draft, 0, len(drafts))
	var pending *draft
	for _, d := range drafts {
		if pending != nil {
			d.first, d.start = pending.first, pending.start
			d.overlapBytes, d.overlapWords = pending.overlapBytes, pending.overlapWords
			pending = nil
		}
		if c.valid(doc, text[d.start:units[d.last].end], shortDoc) {
			kept = append(kept, d)
			continue
		}
		if len(kept) > 0 {
			kept[len(kept)-1].last = d.last
			continue
		}
		pending = &d
	}
	return kept
}

// valid applies the chunk validity filter.
func (c *Chunker) valid(doc ingest.SanitizedDocument, primary string, shortDoc bool) bool {
	if doc.URL == "" && doc.Title == "" {
		return false
	}
	if utf8.RuneCountInString(strings.TrimSpace(primary)) < c.minChunkLength {
		return false
	}
	if shortDoc {
		return true
	}
	tokens := strings.Fields(primary)
	alpha := 0
	for _, tok := range tokens {
		if strings.IndexFunc(tok, unicode.IsLetter) >= 0 {
			alpha++
		}
	}
	return float64(alpha)/float64(len(tokens)) > c.minAlphaTokenRatio
}

// context builds the enrichment window around a draft: neighbouring
// paragraphs, or a fixed slice of text when the draft sits inside one long
// paragraph.
func (c *Chunker) context(text string, paras [][2]int, units []span, d draft) string {
	first, last := units[d.first], units[d.last]
	var before, after string
	if first.para == last.para && first.partial {
		lo := backRunes(text, first.start, c.contextChars)
		hi := forwardRunes(text, last.end, c.contextChars)
		before = trimLeadingPartialWord(text[lo:first.start], lo > 0)
		after = trimTrailingPartialWord(text[last.end:hi], hi < len(text))
	} else {
		lo := max(0, first.para-c.contextParagraphs)
		hi := min(len(paras), last.para+1+c.contextParagraphs)
		if lo < first.para {
			before = text[paras[lo][0]:paras[first.para-1][1]]
		}
		if last.para+1 < hi {
			after = text[paras[last.para+1][0]:paras[hi-1][1]]
		}
		if utf8.RuneCountInString(before) > c.contextChars {
			before = trimLeadingPartialWord(before[backRunes(before, len(before), c.contextChars):], true)
		}
		if utf8.RuneCountInString(after) > c.contextChars {
			after = trimTrailingPartialWord(after[:forwardRunes(after, 0, c.contextChars)], true)
		}
	}
	parts := make([]string, 0, 2)
	for _, part := range []string{before, after} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n\n")
}

func trimLeadingPartialWord(s string, cut bool) string {
	if !cut {
		return s
	}
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		return s[i:]
	}
	return ""
}

func trimTrailingPartialWord(s string, cut bool) string {
	if !cut {
		return s
	}
	if i := strings.LastIndexFunc(s, unicode.IsSpace); i >= 0 {
		return s[:i]
	}
	return ""
}

// Reconstruct rebuilds the document text from chunks of one document by
// dropping each chunk's overlap prefix.
func Reconstruct(chunks []ingest.Chunk) (string, error) {
	var b strings.Builder
	for _, ch := range chunks {
		overlap, err := strconv.Atoi(ch.Metadata[MetaOverlapBytes])
		if err != nil {
			return "", fmt.Errorf("chunk %d: overlap metadata: %w", ch.Index, err)
		}
		if overlap < 0 || overlap > len(ch.PrimaryText) {
			return "", fmt.Errorf("chunk %d: overlap %d out of range", ch.Index, overlap)
		}
		b.WriteString(ch.PrimaryText[overlap:])
	}
	return b.String(), nil
}
