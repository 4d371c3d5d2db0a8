// Package sourcedb reads the legacy databases the Migration Pipeline
// copies out of: a content store holding raw document blobs keyed by
// ContentId, and a document store holding per-year metadata tables
// (Documents_{Year}). Table names are parameterized once at construction
// time and never interpolated from request data.
//
// It talks to Postgres directly through jackc/pgx/v5 rather than through
// an ORM, since both queries are simple lookups against a handful of
// fixed, pre-validated table names.
package sourcedb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ContentStore reads the legacy content database, the source of document
// blobs keyed by ContentId.
type ContentStore struct {
	pool  *pgxpool.Pool
	table string
}

// OpenContentStore connects to the legacy content database and binds to
// table, building its query strings once so no later call can interpolate
// an attacker- or request-controlled table name.
func OpenContentStore(ctx context.Context, connString, table string) (*ContentStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("sourcedb: connect content database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sourcedb: ping content database: %w", err)
	}
	return &ContentStore{pool: pool, table: table}, nil
}

func (c *ContentStore) Close() { c.pool.Close() }

// ListDistinctContentIDs enumerates every distinct ContentId present in the
// content table, for the seed phase.
func (c *ContentStore) ListDistinctContentIDs(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT "ContentId" FROM %s`, c.table)
	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sourcedb: list distinct content ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sourcedb: scan content id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FetchBlob returns the raw bytes for contentID, or (nil, false, nil) when
// no row or a null/empty blob is present.
func (c *ContentStore) FetchBlob(ctx context.Context, contentID string) ([]byte, bool, error) {
	query := fmt.Sprintf(`SELECT "Content" FROM %s WHERE "ContentId" = $1`, c.table)
	var data []byte
	err := c.pool.QueryRow(ctx, query, contentID).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sourcedb: fetch blob: %w", err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

// DocumentMetadata is the subset of a legacy Documents_{Year} row the
// enrichment phase needs.
type DocumentMetadata struct {
	OriginalFilename  string
	OriginalExtension string
	ClaimedContentType string
	FileSize          int64
	RecordDate        time.Time
}

// DocumentStore reads a single year's legacy document metadata table.
type DocumentStore struct {
	pool  *pgxpool.Pool
	table string
}

// OpenDocumentStore connects to the legacy document database and binds to
// table (e.g. "Documents_2019"), built once at construction time.
func OpenDocumentStore(ctx context.Context, connString, table string) (*DocumentStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("sourcedb: connect document database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sourcedb: ping document database: %w", err)
	}
	return &DocumentStore{pool: pool, table: table}, nil
}

func (d *DocumentStore) Close() { d.pool.Close() }

// LookupMetadata finds the non-deleted document row whose ContentId
// matches contentID.
func (d *DocumentStore) LookupMetadata(ctx context.Context, contentID string) (DocumentMetadata, bool, error) {
	query := fmt.Sprintf(`
		SELECT "OriginalFilename", "OriginalExtension", "ClaimedContentType", "FileSize", "RecordDate"
		FROM %s WHERE "ContentId" = $1 AND "DelStatus" = false`, d.table)

	var meta DocumentMetadata
	err := d.pool.QueryRow(ctx, query, contentID).Scan(
		&meta.OriginalFilename, &meta.OriginalExtension, &meta.ClaimedContentType, &meta.FileSize, &meta.RecordDate)
	if err != nil {
		if isNoRows(err) {
			return DocumentMetadata{}, false, nil
		}
		return DocumentMetadata{}, false, fmt.Errorf("sourcedb: lookup metadata: %w", err)
	}
	return meta, true, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
