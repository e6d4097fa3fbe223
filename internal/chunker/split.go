package chunker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	paragraphBreakRe = regexp.MustCompile(`\n[ \t]*\n\s*`)
	sentenceEndRe    = regexp.MustCompile(`[.!?]+["'\x{201D}\x{2019})\]]*\s+`)
	headingPatternRe = regexp.MustCompile(`(?i)^(chapter|section|part|step|article|appendix)\s+(\d+|[ivxlc]+|[a-z])\b`)
	markdownHeadRe   = regexp.MustCompile(`^#{1,6}\s+\S`)
)

// abbreviations never end a sentence when followed by a period.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true, "jr": true,
	"st": true, "vs": true, "etc": true, "inc": true, "ltd": true, "co": true, "corp": true,
	"no": true, "fig": true, "approx": true, "dept": true, "est": true, "e.g": true,
	"i.e": true, "u.s": true, "u.k": true, "jan": true, "feb": true, "mar": true,
	"apr": true, "jun": true, "jul": true, "aug": true, "sep": true, "sept": true,
	"oct": true, "nov": true, "dec": true, "mt": true, "ave": true, "vol": true,
}

// splitParagraphs returns trimmed, non-empty paragraph offsets separated by blank lines.
func splitParagraphs(text string) [][2]int {
	var out [][2]int
	add := func(start, end int) {
		for start < end {
			r, size := utf8.DecodeRuneInString(text[start:])
			if !unicode.IsSpace(r) {
				break
			}
			start += size
		}
		for end > start {
			r, size := utf8.DecodeLastRuneInString(text[:end])
			if !unicode.IsSpace(r) {
				break
			}
			end -= size
		}
		if end > start {
			out = append(out, [2]int{start, end})
		}
	}
	prev := 0
	for _, m := range paragraphBreakRe.FindAllStringIndex(text, -1) {
		add(prev, m[0])
		prev = m[1]
	}
	add(prev, len(text))
	return out
}

// splitSentences returns sentence offsets within text[start:end], keeping
// abbreviations and initials attached to their sentence.
func splitSentences(text string, start, end int) [][2]int {
	p := text[start:end]
	var out [][2]int
	cur := 0
	for _, m := range sentenceEndRe.FindAllStringIndex(p, -1) {
		if m[1] >= len(p) {
			break
		}
		next, _ := utf8.DecodeRuneInString(p[m[1]:])
		if !unicode.IsUpper(next) && !unicode.IsDigit(next) && !strings.ContainsRune("\"'(\u201C", next) {
			continue
		}
		if p[m[0]] == '.' && isAbbreviation(p[cur:m[0]]) {
			continue
		}
		wsStart := m[0] + len(strings.TrimRightFunc(p[m[0]:m[1]], unicode.IsSpace))
		out = append(out, [2]int{start + cur, start + wsStart})
		cur = m[1]
	}
	if cur < len(p) {
		out = append(out, [2]int{start + cur, end})
	}
	return out
}

func isAbbreviation(before string) bool {
	i := strings.LastIndexFunc(before, unicode.IsSpace)
	word := before[i+1:]
	word = strings.TrimLeft(word, "(\"'")
	if word == "" {
		return false
	}
	if utf8.RuneCountInString(word) == 1 {
		r, _ := utf8.DecodeRuneInString(word)
		return unicode.IsUpper(r)
	}
	return abbreviations[strings.ToLower(word)]
}

// splitWords cuts text[start:end] into windows of at most size runes at
// word boundaries. A single word longer than size becomes its own window.
func splitWords(text string, start, end, size int) [][2]int {
	words := wordRe.FindAllStringIndex(text[start:end], -1)
	var out [][2]int
	if len(words) == 0 {
		return out
	}
	winStart := words[0][0]
	winEnd := words[0][1]
	for _, w := range words[1:] {
		if runeLen(text, start+winStart, start+w[1]) > size {
			out = append(out, [2]int{start + winStart, start + winEnd})
			winStart = w[0]
		}
		winEnd = w[1]
	}
	return append(out, [2]int{start + winStart, start + winEnd})
}

// isHeading reports whether a paragraph reads like a section heading.
func isHeading(p string) bool {
	p = strings.TrimSpace(p)
	if p == "" || strings.Contains(p, "\n") || len(p) > 120 {
		return false
	}
	if headingPatternRe.MatchString(p) || markdownHeadRe.MatchString(p) {
		return true
	}

	letters, upper := 0, 0
	for _, r := range p {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters >= 2 && upper == letters {
		return true
	}

	if len(strings.Fields(p)) > 12 {
		return false
	}
	first, _ := utf8.DecodeRuneInString(p)
	last, _ := utf8.DecodeLastRuneInString(p)
	return unicode.IsUpper(first) && !strings.ContainsRune(".!?;,:", last)
}

func runeLen(text string, start, end int) int {
	return utf8.RuneCountInString(text[start:end])
}

// backRunes returns the offset n runes before end, or 0.
func backRunes(text string, end, n int) int {
	for ; n > 0 && end > 0; n-- {
		_, size := utf8.DecodeLastRuneInString(text[:end])
		end -= size
	}
	return end
}

// forwardRunes returns the offset n runes after start, or len(text).
func forwardRunes(text string, start, n int) int {
	for ; n > 0 && start < len(text); n-- {
		_, size := utf8.DecodeRuneInString(text[start:])
		start += size
	}
	return start
}
