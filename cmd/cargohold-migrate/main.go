// Command cargohold-migrate runs one pass of the Migration Pipeline
// against a single source year: ensure the target bucket, seed, enrich,
// migrate, and report, then exit. Intended to be re-invoked (by a cron,
// a supervisor, or a human) until the report shows zero eligible rows
// remaining; every phase is safe to resume because the migration log
// tracks per-row state persistently.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eteran/cargohold/internal/config"
	"github.com/eteran/cargohold/internal/migration/logstore"
	"github.com/eteran/cargohold/internal/migration/sourcedb"
	"github.com/eteran/cargohold/internal/migration/uploadclient"
	"github.com/eteran/cargohold/internal/migration/worker"
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

	fs := flag.NewFlagSet("cargohold-migrate", flag.ExitOnError)
	cfg, err := config.FromFlagsMigration(fs, os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	migrationDBPath := cfg.MigrationDbConnectionString
	if migrationDBPath == "" {
		migrationDBPath = "./data/migration.db"
	}

	if cfg.TargetAPIBaseURL == "" {
		return fmt.Errorf("-target-api-base-url is required")
	}
	if cfg.Year == 0 {
		return fmt.Errorf("-year is required")
	}
	if cfg.TargetBucket == "" {
		return fmt.Errorf("-target-bucket is required")
	}
	if cfg.DocumentsTable == "" {
		return fmt.Errorf("-documents-table is required")
	}

	log1, err := logstore.Open(ctx, migrationDBPath)
	if err != nil {
		return fmt.Errorf("open migration log: %w", err)
	}
	defer log1.Close()

	content, err := sourcedb.OpenContentStore(ctx, cfg.ContentConnectionString, cfg.ContentTable)
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}
	defer content.Close()

	docs, err := sourcedb.OpenDocumentStore(ctx, cfg.SourceConnectionString, cfg.DocumentsTable)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer docs.Close()

	client := uploadclient.New(cfg.TargetAPIBaseURL)

	w := worker.New(log1, content, docs, client, worker.Config{
		Year:           cfg.Year,
		TargetBucket:   cfg.TargetBucket,
		BatchSize:      cfg.BatchSize,
		MaxParallelism: cfg.MaxParallelism,
		MaxRetries:     cfg.MaxRetries,
		WorkerToken:    cfg.WorkerToken,
	}, logger)

	logger.Info("starting migration run",
		slog.Int("year", cfg.Year),
		slog.String("targetBucket", cfg.TargetBucket),
		slog.String("workerToken", cfg.WorkerToken))

	return w.Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("cargohold-migrate exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
