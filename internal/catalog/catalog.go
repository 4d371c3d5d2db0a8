// Package catalog is the Storage Engine's metadata store: buckets and
// objects, with the uniqueness and existence guarantees the rest of the
// engine depends on. It is a thin Go interface over whatever relational
// database backs it; the storage engine and HTTP handlers depend on
// Catalog, never on *sqliteCatalog directly.
package catalog

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a catalog error so the API layer can map it to an HTTP
// status without the catalog package importing net/http.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindInternal
)

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// does not wrap a catalog *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// Bucket is a named top-level container for objects.
type Bucket struct {
	Name           string
	CreatedAt      time.Time
	ObjectCount    int64
	TotalSizeBytes int64
}

// DetectionMethod mirrors mimetype.Method without creating an import cycle
// between catalog and mimetype; the storage engine is responsible for the
// conversion.
type DetectionMethod string

const (
	DetectionMagic     DetectionMethod = "magic"
	DetectionExtension DetectionMethod = "extension"
	DetectionHeader    DetectionMethod = "header"
	DetectionHeuristic DetectionMethod = "heuristic"
	DetectionFallback  DetectionMethod = "fallback"
)

// Object is a single stored blob's catalog row.
type Object struct {
	ID                  int64
	Bucket              string
	Filename            string
	DocID               string
	Year                int
	SizeBytes           int64
	SHA256              [32]byte
	ServedContentType   string
	DetectedContentType string
	ClaimedContentType  string
	DetectedExtension   string
	DetectionMethod     DetectionMethod
	IsMismatch          bool
	IsDangerousMismatch bool
	CreatedAt           time.Time
}

// NewObjectParams carries everything needed to insert an Object row. ID and
// CreatedAt are assigned by the catalog.
type NewObjectParams struct {
	Bucket              string
	Filename            string
	DocID               string
	Year                int
	SizeBytes           int64
	SHA256              [32]byte
	ServedContentType   string
	DetectedContentType string
	ClaimedContentType  string
	DetectedExtension   string
	DetectionMethod     DetectionMethod
	IsMismatch          bool
	IsDangerousMismatch bool
}

// Catalog is the storage engine's view of the metadata database.
type Catalog interface {
	// CreateBucket inserts a new bucket row. Returns a Conflict error if the
	// name is already taken.
	CreateBucket(ctx context.Context, name string) (Bucket, error)

	// EnsureBucket is idempotent: it returns the existing bucket on
	// conflict, otherwise creates it.
	EnsureBucket(ctx context.Context, name string) (Bucket, error)

	// GetBucket returns a bucket with its aggregate counts populated.
	// Returns a NotFound error when absent.
	GetBucket(ctx context.Context, name string) (Bucket, error)

	// ListBuckets returns all buckets with aggregate counts, ordered by
	// name.
	ListBuckets(ctx context.Context) ([]Bucket, error)

	// DeleteBucket removes a bucket row. Returns a Conflict error if the
	// bucket still has objects.
	DeleteBucket(ctx context.Context, name string) error

	// BucketExists reports whether a bucket row exists.
	BucketExists(ctx context.Context, name string) (bool, error)

	// InsertObject inserts a new object row. Returns a Conflict error if
	// (bucket, filename) or docId is already taken.
	InsertObject(ctx context.Context, params NewObjectParams) (Object, error)

	// GetObjectByName looks up an object by (bucket, filename).
	GetObjectByName(ctx context.Context, bucket, filename string) (Object, error)

	// GetObjectByDocID looks up an object by (bucket, docId).
	GetObjectByDocID(ctx context.Context, bucket, docID string) (Object, error)

	// GetObjectByDocIDAnyBucket looks up an object by docId alone, for the
	// cross-bucket routes.
	GetObjectByDocIDAnyBucket(ctx context.Context, docID string) (Object, error)

	// ObjectExistsByName reports whether (bucket, filename) is taken.
	ObjectExistsByName(ctx context.Context, bucket, filename string) (bool, error)

	// ListObjects returns a page of objects in bucket, optionally filtered
	// by key prefix.
	ListObjects(ctx context.Context, bucket, prefix string, page, pageSize int) ([]Object, error)

	// DeleteObject removes an object row by (bucket, docId).
	DeleteObject(ctx context.Context, bucket, docID string) error

	// Close releases underlying resources.
	Close() error
}
