// Package main implements a mock LLM server for offline atelier runs.
// It serves OpenAI-compatible /v1/chat/completions responses from fixture
// files, routing by the "model" field in the request, so a model registry
// whose endpoints point at it drives every pipeline stage deterministically.
//
// Usage:
//
//	mock-llm --fixtures ./cmd/mock-llm/fixtures --port 11434
//
// Fixture files are named by model: "atelier-decide.json" answers model
// "atelier-decide". JSON fixtures must be valid JSON; ".txt" fixtures are
// returned verbatim, which suits prose replies. A "<model>.status" file
// holding an HTTP status code makes every call to that model fail with it.
//
// Sequential fixtures: numbered files ("atelier-decide.1.json",
// "atelier-decide.2.json") answer the Nth call to that model. After they run
// out the base file repeats, or the last numbered file when there is none.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		fixtureDir string
		port       int
		latency    time.Duration
	)

	cmd := &cobra.Command{
		Use:          "mock-llm",
		Short:        "OpenAI-compatible fixture server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

			// Allow env var override
			if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && fixtureDir == "" {
				fixtureDir = envDir
			}
			if fixtureDir == "" {
				fixtureDir = "/fixtures"
			}

			fixtures, err := loadFixtures(fixtureDir)
			if err != nil {
				return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
			}
			logger.Info("Loaded fixtures", "dir", fixtureDir, "models", len(fixtures))
			for model, f := range fixtures {
				logger.Info("Fixture", "model", model, "replies", len(f.replies), "status", f.status)
			}

			s := newServer(fixtures, logger)
			s.latency = latency

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, fmt.Sprintf(":%d", port), s.routes(), logger)
		},
	}

	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory containing fixture files (env MOCK_LLM_FIXTURES)")
	cmd.Flags().IntVar(&port, "port", 11434, "Port to listen on")
	cmd.Flags().DurationVar(&latency, "latency", 0, "Delay added to every completion")
	return cmd
}

func serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Mock LLM server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
