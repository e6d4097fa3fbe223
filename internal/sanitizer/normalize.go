package sanitizer

import (
	"regexp"
	"strings"
)

var (
	emailRe       = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	rawURLRe      = regexp.MustCompile(`(?i)\b(https?://|www\.)[^\s<>"')\]]+`)
	spaceRunRe    = regexp.MustCompile(`[ \t\f\v\x{00A0}]+`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
	anySpaceRunRe = regexp.MustCompile(`\s+`)

	// trackingPatterns catch analytics snippets that survive as text, for
	// example when a page inlines them outside script tags.
	trackingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
		regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`),
		regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`),
		regexp.MustCompile(`(?is)<!--.*?-->`),
		regexp.MustCompile(`(?m)^.*\b(gtag|ga|fbq|_paq\.push|dataLayer\.push|hj|mixpanel\.track|analytics\.track)\s*\(.*$`),
		regexp.MustCompile(`(?m)^.*\bwindow\.(dataLayer|_gaq|_hsq|intercomSettings)\b.*$`),
		regexp.MustCompile(`(?i)googletagmanager\.com[^\s]*`),
		regexp.MustCompile(`(?i)google-analytics\.com[^\s]*`),
	}
)

// stripTracking removes embedded script blocks and analytics snippets.
func stripTracking(text string) string {
	for _, re := range trackingPatterns {
		text = re.ReplaceAllString(text, "")
	}
	return text
}

// stripLinks removes emails and bare URLs, which add noise to embeddings.
func stripLinks(text string) string {
	text = emailRe.ReplaceAllString(text, "")
	return rawURLRe.ReplaceAllString(text, "")
}

// normalize collapses whitespace, drops lines that are mostly symbols or
// digits, and keeps blank-line paragraph separation.
func (s *Sanitizer) normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = stripLinks(text)

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(spaceRunRe.ReplaceAllString(line, " "))
		if line == "" {
			out = append(out, "")
			continue
		}
		if alphaRatio(line) < s.opts.MinLineAlphaRatio {
			continue
		}
		out = append(out, line)
	}
	joined := strings.Join(out, "\n")
	joined = blankLinesRe.ReplaceAllString(joined, "\n\n")
	return strings.TrimSpace(joined)
}

func collapseSpaces(s string) string {
	return strings.TrimSpace(anySpaceRunRe.ReplaceAllString(s, " "))
}
