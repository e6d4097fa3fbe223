package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const maxRobotsBytes = 1 << 20

// robotsRules wraps a parsed robots.txt. A nil or empty value allows
// everything and lists no sitemaps.
type robotsRules struct {
	data *robotstxt.RobotsData
}

func (d *Discoverer) loadRobots(ctx context.Context, start *url.URL) *robotsRules {
	robotsURL := url.URL{Scheme: start.Scheme, Host: start.Host, Path: "/robots.txt"}
	data, err := d.fetchRobots(ctx, robotsURL.String())
	if err != nil {
		d.logger.Debug("robots.txt unavailable; allowing all", zap.String("url", robotsURL.String()), zap.Error(err))
		return &robotsRules{}
	}
	return &robotsRules{data: data}
}

func (d *Discoverer) fetchRobots(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func (r *robotsRules) sitemaps() []string {
	if r == nil || r.data == nil {
		return nil
	}
	return r.data.Sitemaps
}

func (r *robotsRules) allowed(raw, agent string) bool {
	if r == nil || r.data == nil {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	return r.data.TestAgent(p, agent)
}

// filter returns an allow func for FallbackPages, or nil when robots.txt
// is not being honored.
func (r *robotsRules) filter(respect bool, agent string) func(string) bool {
	if !respect {
		return nil
	}
	return func(raw string) bool { return r.allowed(raw, agent) }
}
