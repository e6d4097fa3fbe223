package discovery

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

var skippedExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {}, ".webp": {}, ".ico": {},
	".css": {}, ".js": {}, ".json": {}, ".xml": {}, ".zip": {}, ".gz": {}, ".tar": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".woff": {}, ".woff2": {}, ".ttf": {},
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
}

// crawl follows links from start with a shallow colly crawl and adds every
// HTML page it reaches until the set is full or ctx ends.
func (d *Discoverer) crawl(
	ctx context.Context,
	start *url.URL,
	set *pageSet,
	accept func(string) bool,
	opts Options,
) error {
	options := []colly.CollectorOption{
		colly.MaxDepth(d.cfg.CrawlDepth + 1),
		colly.UserAgent(d.cfg.UserAgent),
		colly.Async(true),
	}
	if !opts.FollowExternalLinks {
		domain := ingest.Domain(start)
		options = append(options, colly.AllowedDomains(start.Hostname(), domain, "www."+domain))
	}
	collector := colly.NewCollector(options...)
	collector.IgnoreRobotsTxt = !opts.RespectRobots
	collector.SetRequestTimeout(d.cfg.RequestTimeout)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: d.cfg.CrawlParallelism,
		Delay:       d.cfg.CrawlDelay,
	}); err != nil {
		return fmt.Errorf("set crawl limits: %w", err)
	}

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil || set.full() {
			r.Abort()
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		if r.Headers != nil && !strings.Contains(strings.ToLower(r.Headers.Get("Content-Type")), "html") {
			return
		}
		page := r.Request.URL.String()
		if accept(page) {
			set.add(page, r.Request.Depth-1, ingest.OriginCrawl)
		}
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if set.full() || ctx.Err() != nil {
			return
		}
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" || !crawlable(link) || !accept(link) {
			return
		}
		// Already-visited and out-of-domain links are reported as errors by colly.
		_ = e.Request.Visit(link)
	})
	collector.OnError(func(r *colly.Response, err error) {
		d.logger.Debug("crawl request failed", zap.String("url", r.Request.URL.String()), zap.Error(err))
	})

	done := make(chan error, 1)
	go func() {
		err := collector.Visit(start.String())
		collector.Wait()
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil && set.full() {
			return nil
		}
		if err != nil {
			return fmt.Errorf("crawl %s: %w", start, err)
		}
		return nil
	}
}

func crawlable(link string) bool {
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	_, skip := skippedExtensions[strings.ToLower(path.Ext(u.Path))]
	return !skip
}
