package sanitizer

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// boilerplateSelector lists elements removed before any extraction strategy runs.
const boilerplateSelector = "script, style, noscript, template, iframe, svg, canvas, form, button, select, " +
	"nav, footer, header, aside, [role=navigation], [role=banner], [role=contentinfo], " +
	"[aria-hidden=true], [class*=cookie], [id*=cookie], [class*=consent], [id*=consent], " +
	"[class*=gdpr], [class*=newsletter], [class*=share], [class*=breadcrumb], [class*=sidebar]"

// contentSelectors are tried in order for the scoped-container strategy.
var contentSelectors = []string{
	"main",
	"article",
	"[role=main]",
	"#content",
	"#main-content",
	"#main",
	".main-content",
	".post-content",
	".entry-content",
	".article-body",
	".content",
}

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "ul": true, "ol": true, "dl": true, "dt": true, "dd": true,
	"table": true, "tr": true, "blockquote": true, "pre": true, "figure": true,
	"figcaption": true, "address": true, "hr": true,
}

var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"form": true, "nav": true, "iframe": true, "svg": true, "head": true,
}

var (
	inlineSpaceRe = regexp.MustCompile(`\s+`)

	// Fallback conversion patterns, applied to the raw markup.
	fallbackDropRe = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`),
		regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
		regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`),
		regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`),
		regexp.MustCompile(`(?is)<form[^>]*>.*?</form>`),
		regexp.MustCompile(`(?is)<nav[^>]*>.*?</nav>`),
		regexp.MustCompile(`(?is)<svg[^>]*>.*?</svg>`),
		regexp.MustCompile(`(?s)<!--.*?-->`),
	}
	fallbackBlockRe = regexp.MustCompile(`(?i)</?(p|div|h[1-6]|li|tr|blockquote|pre|table|section|article|main)[^>]*>`)
	fallbackBrRe    = regexp.MustCompile(`(?i)<(br|hr)\s*/?>`)
	fallbackTagRe   = regexp.MustCompile(`<[^>]+>`)

	// noiseTokenRe matches tokens typical of CSS or JavaScript leaking into text.
	noiseTokenRe = regexp.MustCompile(`(?i)function\s*\(|=>|\bvar\s+\w+\s*=|\bconst\s+\w+\s*=|\blet\s+\w+\s*=|@media|@import|!important|\{\s*[a-z-]+\s*:\s*[^;{}]+;|\bdocument\.|\bwindow\.|\breturn\s+[^.]*;`)
)

// extractHTML returns the page title and its main text. Strategies are tried
// in order until one yields enough non-noise text: scoped content
// containers, the whole body, then a markup-to-text fallback.
func (s *Sanitizer) extractHTML(body string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find(boilerplateSelector).Not("html, body").Remove()
	doc.Find(`script[type="application/ld+json"]`).Remove()

	for _, sel := range contentSelectors {
		found := doc.Find(sel)
		if found.Length() == 0 {
			continue
		}
		text := stripTracking(selectionText(found))
		if s.usable(text) {
			return title, text, nil
		}
	}

	if text := stripTracking(selectionText(doc.Find("body"))); s.usable(text) {
		return title, text, nil
	}

	return title, stripTracking(fallbackText(body)), nil
}

// usable reports whether an extraction strategy produced enough prose.
func (s *Sanitizer) usable(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < s.opts.ExtractMinLength {
		return false
	}
	return !looksLikeCode(trimmed)
}

// looksLikeCode detects markup or script noise by token and brace density.
func looksLikeCode(text string) bool {
	if text == "" {
		return false
	}
	braces := strings.Count(text, "{") + strings.Count(text, "}") + strings.Count(text, ";")
	if float64(braces)/float64(len(text)) > 0.02 {
		return true
	}
	words := len(strings.Fields(text))
	tokens := len(noiseTokenRe.FindAllStringIndex(text, -1))
	return tokens >= 3 && float64(tokens)/float64(words+1) > 0.01
}

// selectionText renders matched nodes to text, separating block elements
// with blank lines. Nested matches are rendered once.
func selectionText(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Each(func(_ int, item *goquery.Selection) {
		if item.Parents().FilterSelection(sel).Length() > 0 {
			return
		}
		writeBlock(item, &b)
		b.WriteString("\n\n")
	})
	return b.String()
}

func writeBlock(sel *goquery.Selection, b *strings.Builder) {
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		name := goquery.NodeName(child)
		switch {
		case name == "#text":
			b.WriteString(inlineSpaceRe.ReplaceAllString(child.Text(), " "))
		case name == "#comment" || skipTags[name]:
		case name == "br":
			b.WriteString("\n")
		case blockTags[name]:
			b.WriteString("\n\n")
			writeBlock(child, b)
			b.WriteString("\n\n")
		default:
			writeBlock(child, b)
		}
	})
}

// fallbackText converts markup to text with regular expressions, skipping
// script, style, form and navigation elements.
func fallbackText(markup string) string {
	for _, re := range fallbackDropRe {
		markup = re.ReplaceAllString(markup, " ")
	}
	markup = fallbackBlockRe.ReplaceAllString(markup, "\n\n")
	markup = fallbackBrRe.ReplaceAllString(markup, "\n")
	markup = fallbackTagRe.ReplaceAllString(markup, " ")
	return html.UnescapeString(markup)
}
