package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"drrcrawler/internal/api"
	"drrcrawler/internal/config"
	"drrcrawler/internal/crawler"
	"drrcrawler/internal/runstate"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve crawl run status and start crawls over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.config()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.API.Addr = addr
			}
			logger, err := crawler.NewLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := runstate.Open(ctx, cfg.RunState.Redis)
			if err != nil {
				return fmt.Errorf("run state: %w", err)
			}
			defer store.Close()

			manager := api.NewRunManager(ctx, *cfg, func(ctx context.Context, runCfg config.Config) (api.Runner, error) {
				engine, err := crawler.Build(ctx, runCfg, logger, store)
				if err != nil {
					return nil, err
				}
				return engine, nil
			}, logger)

			httpServer := &http.Server{
				Addr:              cfg.API.Addr,
				Handler:           api.NewServer(store, manager, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("http shutdown error", "error", err)
				}
			}()

			logger.Info("api server listening", "addr", cfg.API.Addr)
			err = httpServer.ListenAndServe()
			manager.Shutdown()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("api server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default: api.addr)")
	return cmd
}
