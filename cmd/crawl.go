package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bookwatch/bookwatch/internal/app"
	"github.com/bookwatch/bookwatch/internal/crawl"
)

func newCrawlCmd() *cobra.Command {
	var startPage, endPage int

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl and exit",
		Long: `Runs a single crawl against the configured catalog and prints the
outcome as JSON. Without flags the whole catalog is crawled and
disappeared listings are marked deleted; with --start-page/--end-page
only that page range is crawled and nothing is deleted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var outcome crawl.Outcome
			if startPage > 0 || endPage > 0 {
				if endPage > 0 && endPage < startPage {
					return fmt.Errorf("--end-page must be >= --start-page")
				}
				outcome = a.Coordinator().RunPageRange(ctx, startPage, endPage)
			} else {
				outcome = a.Coordinator().RunFullCrawl(ctx)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(outcome); err != nil {
				return err
			}

			if outcome.Status == crawl.StatusFailed {
				if outcome.Err != nil {
					return outcome.Err
				}
				return fmt.Errorf("crawl failed: %s", outcome.Reason)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&startPage, "start-page", 0, "first catalog page to crawl (1-based)")
	cmd.Flags().IntVar(&endPage, "end-page", 0, "last catalog page to crawl (0 = until pagination ends)")

	return cmd
}
