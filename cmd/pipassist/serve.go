package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chenpipi0807/PIP-Assistant/internal/config"
	"github.com/chenpipi0807/PIP-Assistant/internal/runtime"
)

func newServeCmd() *cobra.Command {
	var (
		addr          string
		watch         bool
		shutdownGrace time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Starts the HTTP server and the retention janitor. With --watch the config
file is watched and prompt changes apply to new requests without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger})
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return rt.Start(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("received shutdown signal")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer shutdownCancel()
				return rt.Shutdown(shutdownCtx)
			})
			if watch && configFile != "" {
				g.Go(func() error {
					return config.Watch(gctx, configFile, logger, func(c config.Config) {
						rt.ApplyPrompts(c.Prompts)
					})
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload prompts when the config file changes")
	cmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 30*time.Second, "Time allowed for open streams on shutdown")

	return cmd
}
