package main

import (
	"github.com/spf13/cobra"

	"drrcrawler/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// config reads the configuration file without validating it. Each command
// applies its flag overrides and validates what it needs.
func (o *rootOptions) config() (*config.Config, error) {
	cfg, err := config.Read(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "drrcrawler",
		Short:         "Crawl disaster risk reduction sites and index their pages",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "configs/config.yaml", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	cmd.AddCommand(
		newCrawlCommand(opts),
		newIndexCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}
