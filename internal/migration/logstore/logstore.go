// Package logstore is the Migration Pipeline's persisted state machine: one
// row per legacify document, tracking it through
// Seeded -> Pending -> InProgress -> {Completed|Failed|Skipped}. It is a
// dedicated sqlite database (modernc.org/sqlite, the same pure-Go driver
// internal/catalog uses) so the migration worker can run against a storage
// engine on a different host. The migration log is its own durability
// boundary, separate from the catalog.
package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Status is a migration row's lifecycle state.
type Status string

const (
	StatusSeeded     Status = "Seeded"
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusSkipped    Status = "Skipped"
)

const maxErrorMessageLen = 2000

// Entry is one MigrationLog row.
type Entry struct {
	ID                  int64
	SourceDocumentID    string
	SourceYear          int
	OriginalFilename    string
	OriginalExtension   string
	ClaimedContentType  string
	SourceFileSize      int64
	SourceRecordDate    time.Time
	Status              Status
	TargetDocID         string
	TargetBucket        string
	TargetFilename      string
	TargetSHA256        string
	DetectedContentType string
	ErrorMessage        string
	RetryCount          int
	WorkerToken         string
	CreatedAt           time.Time
	ProcessedAt         time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS migration_log (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	source_document_id    TEXT NOT NULL,
	source_year           INTEGER NOT NULL,
	original_filename     TEXT NOT NULL DEFAULT '',
	original_extension    TEXT NOT NULL DEFAULT '',
	claimed_content_type  TEXT NOT NULL DEFAULT '',
	source_file_size      INTEGER NOT NULL DEFAULT 0,
	source_record_date    TIMESTAMP,
	status                TEXT NOT NULL,
	target_doc_id         TEXT NOT NULL DEFAULT '',
	target_bucket         TEXT NOT NULL DEFAULT '',
	target_filename       TEXT NOT NULL DEFAULT '',
	target_sha256         TEXT NOT NULL DEFAULT '',
	detected_content_type TEXT NOT NULL DEFAULT '',
	error_message         TEXT NOT NULL DEFAULT '',
	retry_count           INTEGER NOT NULL DEFAULT 0,
	worker_token          TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMP NOT NULL,
	processed_at          TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_migration_log_year_doc ON migration_log(source_year, source_document_id);
CREATE INDEX IF NOT EXISTS idx_migration_log_status ON migration_log(status);
CREATE INDEX IF NOT EXISTS idx_migration_log_worker_token ON migration_log(worker_token);
`

// Store is the concrete sqlite-backed migration log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the migration log database at path and
// applies its schema idempotently.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("logstore: open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("logstore: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SeedMissing inserts Seeded rows for every sourceDocumentID in ids that
// does not already have a row for sourceYear, returning the count actually
// inserted. Safe to call repeatedly: already-present ids are skipped.
func (s *Store) SeedMissing(ctx context.Context, sourceYear int, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("logstore: begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO migration_log(source_document_id, source_year, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_year, source_document_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("logstore: prepare seed insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var inserted int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id, sourceYear, string(StatusSeeded), now)
		if err != nil {
			return 0, fmt.Errorf("logstore: seed insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("logstore: seed rows affected: %w", err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("logstore: commit seed transaction: %w", err)
	}
	return inserted, nil
}

const entryColumns = `id, source_document_id, source_year, original_filename, original_extension,
	claimed_content_type, source_file_size, source_record_date, status,
	target_doc_id, target_bucket, target_filename, target_sha256, detected_content_type,
	error_message, retry_count, worker_token, created_at, processed_at`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var (
		e                Entry
		status           string
		sourceRecordDate sql.NullTime
		processedAt      sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.SourceDocumentID, &e.SourceYear, &e.OriginalFilename, &e.OriginalExtension,
		&e.ClaimedContentType, &e.SourceFileSize, &sourceRecordDate, &status,
		&e.TargetDocID, &e.TargetBucket, &e.TargetFilename, &e.TargetSHA256, &e.DetectedContentType,
		&e.ErrorMessage, &e.RetryCount, &e.WorkerToken, &e.CreatedAt, &processedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	if sourceRecordDate.Valid {
		e.SourceRecordDate = sourceRecordDate.Time
	}
	if processedAt.Valid {
		e.ProcessedAt = processedAt.Time
	}
	return e, nil
}

// ListSeeded returns every Seeded row for sourceYear, for the enrichment
// phase to iterate over.
func (s *Store) ListSeeded(ctx context.Context, sourceYear int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM migration_log
		WHERE source_year = ? AND status = ? ORDER BY source_document_id`, sourceYear, string(StatusSeeded))
	if err != nil {
		return nil, fmt.Errorf("logstore: list seeded: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("logstore: scan seeded row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnrichToPending fills metadata found in the legacy document database and
// transitions the row to Pending.
func (s *Store) EnrichToPending(ctx context.Context, id int64, filename, extension, claimedContentType string, fileSize int64, recordDate time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_log SET
			original_filename = ?, original_extension = ?, claimed_content_type = ?,
			source_file_size = ?, source_record_date = ?, status = ?
		WHERE id = ?`,
		filename, strings.TrimPrefix(extension, "."), claimedContentType, fileSize, recordDate, string(StatusPending), id)
	if err != nil {
		return fmt.Errorf("logstore: enrich to pending: %w", err)
	}
	return nil
}

// MarkSkipped transitions the row to Skipped with reason, setting
// processedAt.
func (s *Store) MarkSkipped(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_log SET status = ?, error_message = ?, processed_at = ? WHERE id = ?`,
		string(StatusSkipped), truncate(reason, maxErrorMessageLen), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("logstore: mark skipped: %w", err)
	}
	return nil
}

// SelectMigrateBatch returns up to batchSize rows eligible for the migrate
// phase: Pending, or Failed with retryCount < maxRetries, optionally
// restricted to workerToken, ordered by sourceDocumentId.
func (s *Store) SelectMigrateBatch(ctx context.Context, sourceYear int, workerToken string, maxRetries, batchSize int) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM migration_log
		WHERE source_year = ? AND (status = ? OR (status = ? AND retry_count < ?))`
	args := []any{sourceYear, string(StatusPending), string(StatusFailed), maxRetries}

	if workerToken != "" {
		query += ` AND worker_token = ?`
		args = append(args, workerToken)
	}
	query += ` ORDER BY source_document_id LIMIT ?`
	args = append(args, batchSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("logstore: select migrate batch: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("logstore: scan batch row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AssignWorkerToken sets the shard key for sourceYear's rows so a fleet
// of workers, each pinned to a distinct token, partitions the row set
// between them. Typically run once at sharding setup time, not by the
// worker itself.
func (s *Store) AssignWorkerToken(ctx context.Context, sourceYear int, id int64, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE migration_log SET worker_token = ? WHERE id = ? AND source_year = ?`, token, id, sourceYear)
	if err != nil {
		return fmt.Errorf("logstore: assign worker token: %w", err)
	}
	return nil
}

// MarkInProgress is the write barrier executed before attempting a
// document, so a crash mid-attempt leaves the row visibly InProgress.
func (s *Store) MarkInProgress(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE migration_log SET status = ? WHERE id = ?`, string(StatusInProgress), id)
	if err != nil {
		return fmt.Errorf("logstore: mark in progress: %w", err)
	}
	return nil
}

// MarkCompleted transitions the row to Completed with the target fields
// filled, setting processedAt.
func (s *Store) MarkCompleted(ctx context.Context, id int64, targetDocID, targetBucket, targetFilename, targetSHA256, detectedContentType string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_log SET
			status = ?, target_doc_id = ?, target_bucket = ?, target_filename = ?,
			target_sha256 = ?, detected_content_type = ?, processed_at = ?
		WHERE id = ?`,
		string(StatusCompleted), targetDocID, targetBucket, targetFilename, targetSHA256, detectedContentType, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("logstore: mark completed: %w", err)
	}
	return nil
}

// MarkFailed transitions the row to Failed, incrementing retryCount and
// recording a truncated error message, setting processedAt.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_log SET
			status = ?, retry_count = retry_count + 1, error_message = ?, processed_at = ?
		WHERE id = ?`,
		string(StatusFailed), truncate(errMessage, maxErrorMessageLen), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("logstore: mark failed: %w", err)
	}
	return nil
}

// CountsByStatus groups rows by status for sourceYear (and workerToken when
// non-empty), for the report phase.
func (s *Store) CountsByStatus(ctx context.Context, sourceYear int, workerToken string) (map[Status]int64, error) {
	query := `SELECT status, COUNT(*) FROM migration_log WHERE source_year = ?`
	args := []any{sourceYear}
	if workerToken != "" {
		query += ` AND worker_token = ?`
		args = append(args, workerToken)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("logstore: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("logstore: scan status count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// ExhaustedFailedCount returns the count of rows that reached Failed with
// retryCount >= maxRetries, i.e. rows that will never be retried again.
func (s *Store) ExhaustedFailedCount(ctx context.Context, sourceYear int, workerToken string, maxRetries int) (int64, error) {
	query := `SELECT COUNT(*) FROM migration_log WHERE source_year = ? AND status = ? AND retry_count >= ?`
	args := []any{sourceYear, string(StatusFailed), maxRetries}
	if workerToken != "" {
		query += ` AND worker_token = ?`
		args = append(args, workerToken)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("logstore: exhausted failed count: %w", err)
	}
	return count, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
