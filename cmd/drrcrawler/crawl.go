package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"drrcrawler/internal/config"
	"drrcrawler/internal/crawler"
)

type crawlOptions struct {
	seeds    []string
	output   string
	maxPages int
	maxDepth int
}

// apply overrides cfg with the flags that were set on cmd.
func (o *crawlOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if len(o.seeds) > 0 {
		cfg.Crawl.Seeds = make([]config.SeedConfig, 0, len(o.seeds))
		for _, s := range o.seeds {
			cfg.Crawl.Seeds = append(cfg.Crawl.Seeds, config.SeedConfig{URL: s})
		}
	}
	if o.output != "" {
		cfg.Storage.JSON.Path = o.output
	}
	if cmd.Flags().Changed("max-pages") {
		cfg.Crawl.MaxPages = o.maxPages
	}
	if cmd.Flags().Changed("max-depth") {
		cfg.Crawl.MaxDepth = o.maxDepth
	}
	cfg.Normalise()
}

func newCrawlCommand(root *rootOptions) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the configured seeds and write page records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.config()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger, err := crawler.NewLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			engine, err := crawler.Build(cmd.Context(), *cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("initialise engine: %w", err)
			}
			defer engine.Close()

			summary, runErr := engine.Run(cmd.Context())
			printSummary(cmd.OutOrStdout(), summary)
			if runErr != nil {
				return fmt.Errorf("crawler stopped: %w", runErr)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&opts.seeds, "seed", nil, "seed URL to crawl instead of crawl.seeds (repeatable)")
	cmd.Flags().StringVar(&opts.output, "output", "", "JSON output path, {date} expands to the run date")
	cmd.Flags().IntVar(&opts.maxPages, "max-pages", 0, "maximum pages fetched across the run, 0 for unbounded")
	cmd.Flags().IntVar(&opts.maxDepth, "max-depth", 0, "maximum link depth below each seed, 0 for unbounded")
	return cmd
}

func printSummary(w io.Writer, summary crawler.Summary) {
	fmt.Fprintf(w, "run %s: %d pages processed, %d records\n", summary.RunID, summary.Processed(), summary.Records())
	if len(summary.Seeds) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEED\tSTATE\tPROCESSED\tRECORDS\tSKIPPED\tFAILED\tNOTE")
	for _, s := range summary.Seeds {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", s.Seed, s.State, s.Processed, s.Records, s.Skipped, s.Failed, s.Message)
	}
	_ = tw.Flush()
}
