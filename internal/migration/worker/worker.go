// Package worker is the Migration Pipeline's four-phase driver: ensure the
// target bucket exists, seed the log with every legacy ContentId, enrich
// seeded rows with metadata from the legacy document database, then
// migrate eligible rows through the Upload Client with bounded parallelism
// and per-row retry.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/eteran/cargohold/internal/metrics"
	"github.com/eteran/cargohold/internal/migration/logstore"
	"github.com/eteran/cargohold/internal/migration/sourcedb"
	"github.com/eteran/cargohold/internal/migration/uploadclient"
	"golang.org/x/sync/semaphore"
)

// ContentFetcher is the subset of sourcedb.ContentStore the worker needs,
// narrowed to an interface so tests can substitute a fake instead of a
// live Postgres connection.
type ContentFetcher interface {
	ListDistinctContentIDs(ctx context.Context) ([]string, error)
	FetchBlob(ctx context.Context, contentID string) ([]byte, bool, error)
}

// MetadataLookup is the subset of sourcedb.DocumentStore the worker needs.
type MetadataLookup interface {
	LookupMetadata(ctx context.Context, contentID string) (sourcedb.DocumentMetadata, bool, error)
}

// Uploader is the subset of uploadclient.Client the worker needs.
type Uploader interface {
	EnsureBucketExists(ctx context.Context, name string) (bool, error)
	Upload(ctx context.Context, bucket, filename string, data []byte, claimedContentType string, year int) (uploadclient.Result, error)
}

// Config carries the tunables for one migration run, populated from
// config.MigrationConfig at wiring time.
type Config struct {
	Year           int
	TargetBucket   string
	BatchSize      int
	MaxParallelism int
	MaxRetries     int
	WorkerToken    string
}

// Worker drives one migration run against a single source year. It
// depends only on the logstore.Store, sourcedb readers, and the upload
// client interface, all bound explicitly at process start rather than at
// call sites.
type Worker struct {
	log     *logstore.Store
	content ContentFetcher
	docs    MetadataLookup
	client  Uploader
	cfg     Config
	logger  *slog.Logger
}

// New builds a Worker bound to its collaborators and cfg.
func New(log *logstore.Store, content ContentFetcher, docs MetadataLookup, client Uploader, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Worker{log: log, content: content, docs: docs, client: client, cfg: cfg, logger: logger}
}

// Run executes Ensure bucket -> Seed -> Enrich -> Migrate -> Report
// sequentially, aborting only on catastrophic startup failures (schema
// provisioning already happened in logstore.Open; bucket ensure failure
// here).
func (w *Worker) Run(ctx context.Context) error {
	if ok, err := w.client.EnsureBucketExists(ctx, w.cfg.TargetBucket); err != nil || !ok {
		return fmt.Errorf("worker: ensure target bucket %q: %w", w.cfg.TargetBucket, err)
	}

	seeded, err := w.seed(ctx)
	if err != nil {
		return fmt.Errorf("worker: seed phase: %w", err)
	}
	w.logger.InfoContext(ctx, "seed phase complete", slog.Int64("inserted", seeded), slog.Int("year", w.cfg.Year))

	if err := w.enrich(ctx); err != nil {
		return fmt.Errorf("worker: enrich phase: %w", err)
	}
	w.logger.InfoContext(ctx, "enrich phase complete", slog.Int("year", w.cfg.Year))

	if err := w.migrate(ctx); err != nil {
		return fmt.Errorf("worker: migrate phase: %w", err)
	}

	return w.report(ctx)
}

// seed enumerates every distinct ContentId in the legacy content
// database and bulk-inserts the ones not already logged for this year.
func (w *Worker) seed(ctx context.Context) (int64, error) {
	ids, err := w.content.ListDistinctContentIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list distinct content ids: %w", err)
	}
	return w.log.SeedMissing(ctx, w.cfg.Year, ids)
}

// enrich fills metadata from the legacy document database for every
// Seeded row, transitioning matched rows to Pending and unmatched ones to
// Skipped. A database-side join would be faster; this iterates row-by-row
// instead, reaching the same end state.
func (w *Worker) enrich(ctx context.Context) error {
	rows, err := w.log.ListSeeded(ctx, w.cfg.Year)
	if err != nil {
		return fmt.Errorf("list seeded rows: %w", err)
	}

	for _, row := range rows {
		meta, found, err := w.docs.LookupMetadata(ctx, row.SourceDocumentID)
		if err != nil {
			return fmt.Errorf("lookup metadata for %q: %w", row.SourceDocumentID, err)
		}
		if !found {
			if err := w.log.MarkSkipped(ctx, row.ID, "no metadata found"); err != nil {
				return fmt.Errorf("mark skipped %q: %w", row.SourceDocumentID, err)
			}
			continue
		}
		if err := w.log.EnrichToPending(ctx, row.ID, meta.OriginalFilename, meta.OriginalExtension, meta.ClaimedContentType, meta.FileSize, meta.RecordDate); err != nil {
			return fmt.Errorf("enrich %q: %w", row.SourceDocumentID, err)
		}
	}
	return nil
}

// migrate loops fetching batches of eligible rows until a batch comes
// back empty or the context is cancelled, dispatching each row's
// ProcessDocument under a semaphore bounded to MaxParallelism.
func (w *Worker) migrate(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(w.cfg.MaxParallelism))

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := w.log.SelectMigrateBatch(ctx, w.cfg.Year, w.cfg.WorkerToken, w.cfg.MaxRetries, w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("select migrate batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		var failures atomic.Int64
		done := make(chan struct{}, len(batch))
		launched := 0
		for _, entry := range batch {
			entry := entry
			if err := sem.Acquire(ctx, 1); err != nil {
				// Context cancelled while waiting for a slot; let in-flight
				// documents finish and stop fetching new batches.
				break
			}
			launched++
			go func() {
				defer sem.Release(1)
				defer func() { done <- struct{}{} }()
				if err := w.processDocument(ctx, entry); err != nil {
					failures.Add(1)
					w.logger.ErrorContext(ctx, "process document failed unexpectedly", slog.String("sourceDocumentId", entry.SourceDocumentID), slog.Any("error", err))
				}
			}()
		}
		for i := 0; i < launched; i++ {
			<-done
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// processDocument runs the per-document migration attempt, recording the
// outcome in the log and the migration metrics counter, and never
// propagating a per-row error up to the Migrate loop (only catastrophic
// logstore write failures are returned, and even those are swallowed
// into a Failed transition attempt first).
func (w *Worker) processDocument(ctx context.Context, entry logstore.Entry) error {
	if err := w.log.MarkInProgress(ctx, entry.ID); err != nil {
		_ = w.log.MarkFailed(ctx, entry.ID, err.Error())
		return fmt.Errorf("mark in progress: %w", err)
	}

	outcome, failErr := w.attemptDocument(ctx, entry)
	if failErr != nil {
		_ = w.log.MarkFailed(ctx, entry.ID, failErr.Error())
		outcome = outcomeFailed
	}
	switch outcome {
	case outcomeCompleted:
		metrics.MigrationDocumentsTotal.WithLabelValues("completed").Inc()
	case outcomeSkipped:
		metrics.MigrationDocumentsTotal.WithLabelValues("skipped").Inc()
	case outcomeFailed:
		metrics.MigrationDocumentsTotal.WithLabelValues("failed").Inc()
	}
	return failErr
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeSkipped
	outcomeFailed
)

// attemptDocument fetches the blob, uploads it, and records the terminal
// state. Any error surfaced here is a logstore write failure, not a
// migration failure: those are always absorbed into MarkFailed/MarkSkipped.
func (w *Worker) attemptDocument(ctx context.Context, entry logstore.Entry) (outcome, error) {
	data, found, err := w.content.FetchBlob(ctx, entry.SourceDocumentID)
	if err != nil {
		if markErr := w.log.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			return outcomeFailed, fmt.Errorf("mark failed after fetch error: %w", markErr)
		}
		return outcomeFailed, nil
	}
	if !found {
		if err := w.log.MarkSkipped(ctx, entry.ID, "No content found"); err != nil {
			return outcomeSkipped, fmt.Errorf("mark skipped: %w", err)
		}
		return outcomeSkipped, nil
	}

	targetFilename := buildTargetFilename(entry)

	result, err := w.client.Upload(ctx, w.cfg.TargetBucket, targetFilename, data, entry.ClaimedContentType, entry.SourceYear)
	if err != nil {
		if markErr := w.log.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			return outcomeFailed, fmt.Errorf("mark failed after upload error: %w", markErr)
		}
		return outcomeFailed, nil
	}

	if !result.Success {
		if err := w.log.MarkFailed(ctx, entry.ID, result.ErrorMessage); err != nil {
			return outcomeFailed, fmt.Errorf("mark failed after unsuccessful upload: %w", err)
		}
		return outcomeFailed, nil
	}

	if result.AlreadyExists {
		// 409: the record is considered already migrated. There is no
		// fresh DocId/SHA256 to record, so the row is completed with the
		// target identity it was attempting, matching upload client
		// idempotency semantics.
		if err := w.log.MarkCompleted(ctx, entry.ID, entry.TargetDocID, w.cfg.TargetBucket, targetFilename, entry.TargetSHA256, entry.DetectedContentType); err != nil {
			return outcomeCompleted, fmt.Errorf("mark completed after conflict: %w", err)
		}
		return outcomeCompleted, nil
	}

	if err := w.log.MarkCompleted(ctx, entry.ID, result.DocID, w.cfg.TargetBucket, targetFilename, result.SHA256, result.DetectedContentType); err != nil {
		return outcomeCompleted, fmt.Errorf("mark completed: %w", err)
	}
	return outcomeCompleted, nil
}

// buildTargetFilename builds the migrated object's target key:
// "{contentId}/{originalFilename ?? contentId}{.originalExtension?}".
func buildTargetFilename(entry logstore.Entry) string {
	name := entry.OriginalFilename
	if name == "" {
		name = entry.SourceDocumentID
	}
	var sb strings.Builder
	sb.WriteString(entry.SourceDocumentID)
	sb.WriteByte('/')
	sb.WriteString(name)
	if entry.OriginalExtension != "" {
		sb.WriteByte('.')
		sb.WriteString(strings.TrimPrefix(entry.OriginalExtension, "."))
	}
	return sb.String()
}

// report groups rows by status for this year (and worker token) and logs
// counts, plus the count of rows that exhausted their retry budget.
func (w *Worker) report(ctx context.Context) error {
	counts, err := w.log.CountsByStatus(ctx, w.cfg.Year, w.cfg.WorkerToken)
	if err != nil {
		return fmt.Errorf("counts by status: %w", err)
	}
	exhausted, err := w.log.ExhaustedFailedCount(ctx, w.cfg.Year, w.cfg.WorkerToken, w.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("exhausted failed count: %w", err)
	}

	w.logger.InfoContext(ctx, "migration report",
		slog.Int("year", w.cfg.Year),
		slog.String("workerToken", w.cfg.WorkerToken),
		slog.Int64("seeded", int64(counts[logstore.StatusSeeded])),
		slog.Int64("pending", int64(counts[logstore.StatusPending])),
		slog.Int64("inProgress", int64(counts[logstore.StatusInProgress])),
		slog.Int64("completed", int64(counts[logstore.StatusCompleted])),
		slog.Int64("failed", int64(counts[logstore.StatusFailed])),
		slog.Int64("skipped", int64(counts[logstore.StatusSkipped])),
		slog.Int64("exhaustedFailed", exhausted),
	)
	return nil
}
