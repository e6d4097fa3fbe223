package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

type crawlFlags struct {
	maxPages       int
	batchSize      int
	delay          time.Duration
	followExternal bool
	respectRobots  bool
}

func (f *crawlFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxPages, "max-pages", 0, "maximum pages to process (0 uses crawl.max_pages)")
	cmd.Flags().BoolVar(&f.followExternal, "follow-external", false, "follow links to other hosts")
	cmd.Flags().BoolVar(&f.respectRobots, "respect-robots", true, "honor robots.txt and its sitemaps")
}

func (f *crawlFlags) options(cmd *cobra.Command) ingest.CrawlOptions {
	opts := ingest.CrawlOptions{
		MaxPages:            f.maxPages,
		BatchSize:           f.batchSize,
		FollowExternalLinks: f.followExternal,
		RespectRobots:       f.respectRobots,
	}
	if cmd.Flags().Changed("delay") {
		opts.Delay = f.delay
	}
	return opts
}

// newCrawlCmd discovers and ingests a whole site, then prints the summary.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Discover and ingest a site",
		Long: `Discovers pages under <url> through sitemaps or a link crawl, ingests them
in batches and triggers one reindex when done. Prints the crawl summary as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Ingestor().Crawl(cmd.Context(), "", args[0], flags.options(cmd))
			if err != nil {
				return fmt.Errorf("crawl %s: %w", args[0], err)
			}
			appInstance.Logger().Info("crawl command finished",
				zap.Int("pages_processed", summary.PagesProcessed),
				zap.Int("pages_failed", summary.PagesFailed),
			)
			return printJSON(cmd, summary)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "pages per batch (0 uses crawl.batch_size)")
	cmd.Flags().DurationVar(&flags.delay, "delay", 0, "pause between batches (default crawl.batch_delay)")
	return cmd
}
