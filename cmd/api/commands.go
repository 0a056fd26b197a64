package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/convertd/api-go/internal/blob"
	"github.com/example/convertd/api-go/internal/config"
	"github.com/example/convertd/api-go/internal/convert"
	"github.com/example/convertd/api-go/internal/formats"
	"github.com/example/convertd/api-go/internal/httpapi"
	"github.com/example/convertd/api-go/internal/model"
	"github.com/example/convertd/api-go/internal/notify"
	"github.com/example/convertd/api-go/internal/orchestrator"
	"github.com/example/convertd/api-go/internal/quota"
	"github.com/example/convertd/api-go/internal/store"
)

const shutdownGrace = 30 * time.Second

func rootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "convertd",
		Short:         "Asynchronous file conversion service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serve := serveCmd(cfg)
	root.AddCommand(serve)
	root.AddCommand(formatsCmd())
	// Running the binary bare starts the server.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func serveCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and conversion workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	cmd.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for uploads, outputs and the job database")
	return cmd
}

func formatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List supported output formats per family",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FAMILY\tOUTPUTS")
			for _, f := range formats.Families() {
				fmt.Fprintf(tw, "%s\t%s\n", f, strings.Join(formats.Outputs(f), ", "))
			}
			return tw.Flush()
		},
	}
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.JobStore == "sqlite" {
		return store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	}
	return store.NewMemory(), nil
}

func serve(ctx context.Context, cfg config.Config) error {
	blobs := blob.LocalFS{Root: cfg.DataDir}
	outputDir, err := blobs.Path(httpapi.OutputPrefix)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	jobStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobStore.Close()

	baseURL := cfg.ResolvedBaseURL()
	hub := notify.NewHub(func(j model.Job) any { return httpapi.JobResponse(j, baseURL) })
	limiter := quota.NewLimiter(cfg.MonthlyLimit)
	registry := convert.NewDefaultRegistry(convert.Tools{
		FFmpeg:  cfg.FFmpeg,
		FFprobe: cfg.FFprobe,
		Soffice: cfg.Soffice,
	})
	orch := orchestrator.New(jobStore, limiter, registry, orchestrator.Options{
		OutputDir:     outputDir,
		MaxConcurrent: cfg.MaxConcurrent,
		OnUpdate:      hub.Publish,
		Logger:        slog.Default(),
	})

	server := httpapi.Server{
		Blobs:          blobs,
		Jobs:           jobStore,
		Orchestrator:   orch,
		Quota:          limiter,
		Hub:            hub,
		BaseURL:        baseURL,
		MaxUploadBytes: cfg.MaxUploadBytes,
		UserHeader:     cfg.UserHeader,
		DefaultUser:    cfg.DefaultUser,
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("API listening", "addr", cfg.Addr, "baseURL", baseURL, "jobStore", cfg.JobStore)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return orch.RunJanitor(gctx, cfg.JanitorInterval, cfg.Retention) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown", "error", err)
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			slog.Warn("conversions cancelled at shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}
