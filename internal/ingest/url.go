package ingest

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so equivalent forms compare equal.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters, drops the fragment and trims a trailing slash from non-root paths.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = u.Query().Encode()

	if u.Path == "" {
		u.Path = "/"
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}

	return u.String(), nil
}

// ParseStartURL validates a caller-supplied absolute http(s) URL.
func ParseStartURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, Invalid("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, Invalid("url", "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, Invalid("url", "scheme must be http or https")
	}
	if u.Hostname() == "" {
		return nil, Invalid("url", "host is required")
	}
	return u, nil
}

// Domain returns the lowercase hostname without a leading "www.".
func Domain(u *url.URL) string {
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// SameHost reports whether two URLs share a host, ignoring "www.".
func SameHost(a, b *url.URL) bool {
	return Domain(a) == Domain(b)
}
