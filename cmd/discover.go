package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

type discoverOutput struct {
	Domain         string                   `json:"domain"`
	TotalPages     int                      `json:"totalPages"`
	DiscoveredURLs []string                 `json:"discoveredUrls"`
	Strategy       ingest.DiscoveryStrategy `json:"strategy"`
	Reason         string                   `json:"reason,omitempty"`
}

func newDiscoverCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "discover <url>",
		Short: "List the pages a crawl of <url> would ingest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Ingestor().Discover(cmd.Context(), args[0], flags.options(cmd))
			if err != nil {
				return fmt.Errorf("discover %s: %w", args[0], err)
			}
			return printJSON(cmd, discoverOutput{
				Domain:         res.Domain,
				TotalPages:     len(res.Pages),
				DiscoveredURLs: res.URLs(),
				Strategy:       res.Strategy,
				Reason:         res.Reason,
			})
		},
	}
	flags.register(cmd)
	return cmd
}
