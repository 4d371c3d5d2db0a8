package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS buckets (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS objects (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	bucket                TEXT NOT NULL REFERENCES buckets(name),
	filename              TEXT NOT NULL,
	doc_id                TEXT NOT NULL,
	year                  INTEGER NOT NULL,
	size_bytes            INTEGER NOT NULL,
	sha256                BLOB NOT NULL,
	served_content_type   TEXT NOT NULL,
	detected_content_type TEXT NOT NULL,
	claimed_content_type  TEXT NOT NULL DEFAULT '',
	detected_extension    TEXT NOT NULL,
	detection_method      TEXT NOT NULL,
	is_mismatch           INTEGER NOT NULL DEFAULT 0,
	is_dangerous_mismatch INTEGER NOT NULL DEFAULT 0,
	created_at            TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_objects_bucket_filename ON objects(bucket, filename);
CREATE UNIQUE INDEX IF NOT EXISTS idx_objects_doc_id ON objects(doc_id);
CREATE INDEX IF NOT EXISTS idx_objects_bucket ON objects(bucket);
`

// sqliteCatalog is the concrete Catalog implementation backed by the
// pure-Go modernc.org/sqlite driver.
type sqliteCatalog struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the catalog database at path and
// applies the schema idempotently.
func OpenSQLite(ctx context.Context, path string) (Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms.

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: init schema: %w", err)
	}

	return &sqliteCatalog{db: db}, nil
}

func (c *sqliteCatalog) Close() error {
	return c.db.Close()
}

func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (c *sqliteCatalog) CreateBucket(ctx context.Context, name string) (Bucket, error) {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `INSERT INTO buckets(name, created_at) VALUES(?, ?)`, name, now)
	if isUniqueViolation(err) {
		return Bucket{}, newError(KindConflict, "CreateBucket", fmt.Errorf("bucket %q already exists", name))
	}
	if err != nil {
		return Bucket{}, newError(KindInternal, "CreateBucket", err)
	}
	return Bucket{Name: name, CreatedAt: now}, nil
}

func (c *sqliteCatalog) EnsureBucket(ctx context.Context, name string) (Bucket, error) {
	bucket, err := c.CreateBucket(ctx, name)
	if err == nil {
		return bucket, nil
	}
	if KindOf(err) == KindConflict {
		return c.GetBucket(ctx, name)
	}
	return Bucket{}, err
}

func (c *sqliteCatalog) BucketExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, newError(KindInternal, "BucketExists", err)
	}
	return count > 0, nil
}

func (c *sqliteCatalog) GetBucket(ctx context.Context, name string) (Bucket, error) {
	var b Bucket
	b.Name = name
	err := c.db.QueryRowContext(ctx, `SELECT created_at FROM buckets WHERE name = ?`, name).Scan(&b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Bucket{}, newError(KindNotFound, "GetBucket", fmt.Errorf("bucket %q not found", name))
	}
	if err != nil {
		return Bucket{}, newError(KindInternal, "GetBucket", err)
	}

	err = c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM objects WHERE bucket = ?`, name,
	).Scan(&b.ObjectCount, &b.TotalSizeBytes)
	if err != nil {
		return Bucket{}, newError(KindInternal, "GetBucket", err)
	}
	return b, nil
}

func (c *sqliteCatalog) ListBuckets(ctx context.Context) ([]Bucket, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT b.name, b.created_at, COUNT(o.id), COALESCE(SUM(o.size_bytes), 0)
		FROM buckets b
		LEFT JOIN objects o ON o.bucket = b.name
		GROUP BY b.name, b.created_at
		ORDER BY b.name`)
	if err != nil {
		return nil, newError(KindInternal, "ListBuckets", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Name, &b.CreatedAt, &b.ObjectCount, &b.TotalSizeBytes); err != nil {
			return nil, newError(KindInternal, "ListBuckets", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (c *sqliteCatalog) DeleteBucket(ctx context.Context, name string) error {
	return withTransaction(ctx, c.db, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ?`, name).Scan(&count); err != nil {
			return newError(KindInternal, "DeleteBucket", err)
		}
		if count > 0 {
			return newError(KindConflict, "DeleteBucket", fmt.Errorf("bucket %q is not empty", name))
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
		if err != nil {
			return newError(KindInternal, "DeleteBucket", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return newError(KindInternal, "DeleteBucket", err)
		}
		if rows == 0 {
			return newError(KindNotFound, "DeleteBucket", fmt.Errorf("bucket %q not found", name))
		}
		return nil
	})
}

func (c *sqliteCatalog) InsertObject(ctx context.Context, p NewObjectParams) (Object, error) {
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO objects(
			bucket, filename, doc_id, year, size_bytes, sha256,
			served_content_type, detected_content_type, claimed_content_type,
			detected_extension, detection_method, is_mismatch, is_dangerous_mismatch,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Bucket, p.Filename, p.DocID, p.Year, p.SizeBytes, p.SHA256[:],
		p.ServedContentType, p.DetectedContentType, p.ClaimedContentType,
		p.DetectedExtension, string(p.DetectionMethod), p.IsMismatch, p.IsDangerousMismatch,
		now,
	)
	if isUniqueViolation(err) {
		return Object{}, newError(KindConflict, "InsertObject", fmt.Errorf("object %s/%s already exists", p.Bucket, p.Filename))
	}
	if err != nil {
		return Object{}, newError(KindInternal, "InsertObject", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Object{}, newError(KindInternal, "InsertObject", err)
	}

	return Object{
		ID:                  id,
		Bucket:              p.Bucket,
		Filename:            p.Filename,
		DocID:               p.DocID,
		Year:                p.Year,
		SizeBytes:           p.SizeBytes,
		SHA256:              p.SHA256,
		ServedContentType:   p.ServedContentType,
		DetectedContentType: p.DetectedContentType,
		ClaimedContentType:  p.ClaimedContentType,
		DetectedExtension:   p.DetectedExtension,
		DetectionMethod:     p.DetectionMethod,
		IsMismatch:          p.IsMismatch,
		IsDangerousMismatch: p.IsDangerousMismatch,
		CreatedAt:           now,
	}, nil
}

func scanObject(row interface{ Scan(...any) error }) (Object, error) {
	var (
		o         Object
		sha       []byte
		method    string
		isMis     int
		isDangMis int
	)
	err := row.Scan(
		&o.ID, &o.Bucket, &o.Filename, &o.DocID, &o.Year, &o.SizeBytes, &sha,
		&o.ServedContentType, &o.DetectedContentType, &o.ClaimedContentType,
		&o.DetectedExtension, &method, &isMis, &isDangMis, &o.CreatedAt,
	)
	if err != nil {
		return Object{}, err
	}
	copy(o.SHA256[:], sha)
	o.DetectionMethod = DetectionMethod(method)
	o.IsMismatch = isMis != 0
	o.IsDangerousMismatch = isDangMis != 0
	return o, nil
}

const objectColumns = `id, bucket, filename, doc_id, year, size_bytes, sha256,
	served_content_type, detected_content_type, claimed_content_type,
	detected_extension, detection_method, is_mismatch, is_dangerous_mismatch, created_at`

func (c *sqliteCatalog) GetObjectByName(ctx context.Context, bucket, filename string) (Object, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND filename = ?`, bucket, filename)
	o, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, newError(KindNotFound, "GetObjectByName", fmt.Errorf("object %s/%s not found", bucket, filename))
	}
	if err != nil {
		return Object{}, newError(KindInternal, "GetObjectByName", err)
	}
	return o, nil
}

func (c *sqliteCatalog) GetObjectByDocID(ctx context.Context, bucket, docID string) (Object, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND doc_id = ?`, bucket, docID)
	o, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, newError(KindNotFound, "GetObjectByDocID", fmt.Errorf("object %s/%s not found", bucket, docID))
	}
	if err != nil {
		return Object{}, newError(KindInternal, "GetObjectByDocID", err)
	}
	return o, nil
}

func (c *sqliteCatalog) GetObjectByDocIDAnyBucket(ctx context.Context, docID string) (Object, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE doc_id = ?`, docID)
	o, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, newError(KindNotFound, "GetObjectByDocIDAnyBucket", fmt.Errorf("object %s not found", docID))
	}
	if err != nil {
		return Object{}, newError(KindInternal, "GetObjectByDocIDAnyBucket", err)
	}
	return o, nil
}

func (c *sqliteCatalog) ObjectExistsByName(ctx context.Context, bucket, filename string) (bool, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ? AND filename = ?`, bucket, filename).Scan(&count)
	if err != nil {
		return false, newError(KindInternal, "ObjectExistsByName", err)
	}
	return count > 0, nil
}

func (c *sqliteCatalog) ListObjects(ctx context.Context, bucket, prefix string, page, pageSize int) ([]Object, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 1000 {
		pageSize = 1000
	}
	offset := (page - 1) * pageSize

	query := `SELECT ` + objectColumns + ` FROM objects WHERE bucket = ?`
	args := []any{bucket}
	if prefix != "" {
		query += ` AND filename LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(prefix)+"%")
	}
	query += ` ORDER BY filename LIMIT ? OFFSET ?`
	args = append(args, pageSize, offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newError(KindInternal, "ListObjects", err)
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, newError(KindInternal, "ListObjects", err)
		}
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (c *sqliteCatalog) DeleteObject(ctx context.Context, bucket, docID string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND doc_id = ?`, bucket, docID)
	if err != nil {
		return newError(KindInternal, "DeleteObject", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return newError(KindInternal, "DeleteObject", err)
	}
	if rows == 0 {
		return newError(KindNotFound, "DeleteObject", fmt.Errorf("object %s/%s not found", bucket, docID))
	}
	return nil
}
