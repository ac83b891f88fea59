package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/atelier/metrics"
	"github.com/c360studio/atelier/model"
	"github.com/c360studio/atelier/trigger"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(g *globalFlags) *cobra.Command {
	var embedded bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume trigger messages and run the workflow for each",
		Long: `Serve subscribes to the JetStream trigger subject and runs the workflow
for every message, publishing stage events to NATS. It also serves Prometheus
metrics and reloads the model registry when its file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if embedded {
				cfg.NATS.Embedded = true
				cfg.NATS.URL = ""
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg, logger, appOptions{needNATS: true, publishEvents: true})
			if err != nil {
				return err
			}
			defer app.Close()

			// Everything that can fail synchronously starts before the group.
			if cfg.Model.Watch && cfg.Model.Registry != "" {
				watcher, err := model.NewWatcher(cfg.Model.Registry, app.registry, model.WithWatcherLogger(logger))
				if err != nil {
					return fmt.Errorf("create registry watcher: %w", err)
				}
				if err := watcher.Start(ctx); err != nil {
					return err
				}
				defer func() { _ = watcher.Stop() }()
			}

			var exporter *metrics.Exporter
			if cfg.Metrics.Addr != "" {
				exporter = metrics.NewExporter(cfg.Metrics.Addr)
				if err := exporter.Listen(); err != nil {
					return fmt.Errorf("listen for metrics: %w", err)
				}
				logger.Info("Serving metrics", "addr", exporter.Addr())
			}

			group, gctx := errgroup.WithContext(ctx)

			consumer := trigger.NewConsumer(app.nats.JS, app.orchestrator, trigger.Config{
				Stream:        cfg.Trigger.Stream,
				Subject:       cfg.Trigger.Subject,
				Consumer:      cfg.Trigger.Consumer,
				MaxConcurrent: cfg.Workflow.MaxConcurrentRuns,
				RunTimeout:    cfg.Trigger.RunTimeout,
			}, trigger.WithLogger(logger))
			group.Go(func() error {
				return consumer.Run(gctx)
			})

			if exporter != nil {
				group.Go(exporter.Serve)
				group.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					return exporter.Shutdown(shutdownCtx)
				})
			}

			logger.Info("Atelier ready",
				"version", Version,
				"store", cfg.Store.Driver,
				"subject", cfg.Trigger.Subject)

			if err := group.Wait(); err != nil {
				return err
			}
			logger.Info("Atelier stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&embedded, "embedded-nats", false, "Start an in-process NATS server")
	return cmd
}
