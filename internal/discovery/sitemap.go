package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"
)

const maxSitemapBytes = 50 << 20

// readSitemap fetches sitemapURL and calls visit for every page location.
// Sitemap indexes are followed until depth reaches MaxSitemapDepth. visit
// returns false to stop reading.
func (d *Discoverer) readSitemap(ctx context.Context, sitemapURL string, depth int, visit func(loc string) bool) error {
	doc, err := d.fetchSitemap(ctx, sitemapURL)
	if err != nil {
		return err
	}

	if children := xmlquery.Find(doc, "//sitemapindex/sitemap/loc"); len(children) > 0 {
		if depth >= d.cfg.MaxSitemapDepth {
			d.logger.Debug("sitemap index too deep; skipping", zap.String("sitemap", sitemapURL), zap.Int("depth", depth))
			return nil
		}
		for _, child := range children {
			loc := strings.TrimSpace(child.InnerText())
			if loc == "" {
				continue
			}
			stop := false
			err := d.readSitemap(ctx, loc, depth+1, func(page string) bool {
				if !visit(page) {
					stop = true
					return false
				}
				return true
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.logger.Debug("nested sitemap unavailable", zap.String("sitemap", loc), zap.Error(err))
			}
			if stop {
				return nil
			}
		}
		return nil
	}

	for _, node := range xmlquery.Find(doc, "//urlset/url/loc") {
		loc := strings.TrimSpace(node.InnerText())
		if loc == "" {
			continue
		}
		if !visit(loc) {
			return nil
		}
	}
	return nil
}

func (d *Discoverer) fetchSitemap(ctx context.Context, sitemapURL string) (*xmlquery.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new sitemap request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.logger.Debug("close sitemap body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sitemap %s: status %d", sitemapURL, resp.StatusCode)
	}
	doc, err := xmlquery.Parse(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap %s: %w", sitemapURL, err)
	}
	return doc, nil
}
