package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"drrcrawler/internal/crawler"
	"drrcrawler/internal/indexer"
	"drrcrawler/internal/storage"
)

type indexOptions struct {
	input    string
	recreate bool
	verify   bool
}

func newIndexCommand(root *rootOptions) *cobra.Command {
	opts := &indexOptions{}
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Load a crawl output file into Elasticsearch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.config()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("verify") {
				cfg.Indexer.Verify = opts.verify
			}
			logger, err := crawler.NewLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			input := opts.input
			if input == "" {
				input = cfg.Storage.JSON.OutputPath(time.Now())
			}
			records, err := storage.ReadJSONRecords(input)
			if err != nil {
				return err
			}
			docs := indexer.Documents(records, cfg.Indexer.DocType)
			if err := indexer.Prepare(docs, cfg.Indexer.Verify); err != nil {
				return err
			}

			client, err := indexer.New(cfg.Indexer, nil, logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := client.EnsureIndex(ctx, opts.recreate); err != nil {
				return err
			}
			res, err := client.Load(ctx, docs, cfg.Indexer.Exclude)
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents into %s from %s (%d excluded)\n",
				len(res.Indexed), client.Index(), input, len(res.Excluded))
			return err
		},
	}
	cmd.Flags().StringVar(&opts.input, "input", "", "crawl output file (default: storage.json.path for today)")
	cmd.Flags().BoolVar(&opts.recreate, "recreate", false, "delete and recreate the index before loading")
	cmd.Flags().BoolVar(&opts.verify, "verify", true, "fail on documents with missing fields instead of backfilling them")
	return cmd
}
