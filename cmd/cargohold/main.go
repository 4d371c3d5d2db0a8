// Command cargohold runs the Storage Engine HTTP server: it opens the
// sqlite catalog, seeds the configured default buckets, and serves the
// bucket/object API until signalled to stop. Shutdown is structured
// around golang.org/x/sync/errgroup driving a context-cancel-triggered
// http.Server.Shutdown, against a single HTTP listener since cargohold
// carries no TLS requirement.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eteran/cargohold/internal/api"
	"github.com/eteran/cargohold/internal/catalog"
	"github.com/eteran/cargohold/internal/config"
	"github.com/eteran/cargohold/internal/storageengine"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := config.FromFlags(flag.NewFlagSet("cargohold", flag.ExitOnError), os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	cat, err := catalog.OpenSQLite(ctx, cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	for _, name := range cfg.DefaultBuckets {
		if _, err := cat.EnsureBucket(ctx, name); err != nil {
			return fmt.Errorf("seed default bucket %q: %w", name, err)
		}
	}

	engine := storageengine.New(cat, storageengine.Config{
		RootPath:           cfg.RootPath,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		UploadBufferSize:   cfg.UploadBufferSize,
		FirstChunkSize:     cfg.FirstChunkSize,
		AllowedExtensions:  cfg.AllowedExtensions,
		InlineContentTypes: cfg.InlineContentTypes,
	}, logger)

	server := api.NewServer(cat, engine, logger)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		logger.Info("cargohold listening", slog.String("addr", cfg.Listen), slog.String("rootPath", cfg.RootPath))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("cargohold exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
