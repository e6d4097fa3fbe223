package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rag-ingestor/internal/orchestrator"
)

func newScrapeCmd() *cobra.Command {
	var opts orchestrator.ScrapeOptions
	cmd := &cobra.Command{
		Use:   "scrape <url>",
		Short: "Ingest a single page",
		Long: `Fetches, sanitizes, chunks and stores one page, then triggers a reindex
unless --reindex=false. Prints the stored chunks and file keys as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Ingestor().Scrape(cmd.Context(), args[0], opts)
			if err != nil {
				return fmt.Errorf("scrape %s: %w", args[0], err)
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().BoolVar(&opts.RespectRobots, "respect-robots", true, "honor robots.txt")
	cmd.Flags().BoolVar(&opts.Reindex, "reindex", true, "trigger a reindex after storing the page")
	return cmd
}
