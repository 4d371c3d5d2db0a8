// Package storageengine orchestrates the streaming upload, download, head,
// and delete operations of the storage engine: hashing and MIME
// identification happen in the same pass as the copy to disk, the blob only
// becomes visible via an atomic rename, and the catalog insert is the
// durability boundary.
package storageengine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/eteran/cargohold/internal/catalog"
	"github.com/eteran/cargohold/internal/hashing"
	"github.com/eteran/cargohold/internal/metrics"
	"github.com/eteran/cargohold/internal/mimetype"
	"github.com/eteran/cargohold/internal/pathbuilder"
	"github.com/eteran/cargohold/internal/validate"
)

// ErrKind classifies a storage-engine error for the API layer, mirroring
// catalog.Kind without creating a dependency from this package back onto
// net/http.
type ErrKind int

const (
	ErrKindUnknown ErrKind = iota
	ErrKindNotFound
	ErrKindConflict
	ErrKindInvalid
	ErrKindInvalidBucket
	ErrKindFileTooLarge
	ErrKindStorage
	ErrKindInternal
)

// Error wraps an underlying error with an ErrKind.
type Error struct {
	Kind ErrKind
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

func newError(kind ErrKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrKind from err, defaulting to ErrKindInternal.
func KindOf(err error) ErrKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrKindInternal
}

// Config carries the tunables the engine needs; populated from
// config.StorageConfig at wiring time.
type Config struct {
	RootPath           string
	MaxUploadBytes     int64
	UploadBufferSize   int
	FirstChunkSize     int
	AllowedExtensions  map[string]bool
	InlineContentTypes map[string]bool
}

// Engine is the Storage Engine's upload/download/delete orchestrator. It
// depends only on the Catalog interface, never a concrete database type.
type Engine struct {
	cat catalog.Catalog
	cfg Config
	log *slog.Logger
}

// New builds an Engine bound to cat and cfg.
func New(cat catalog.Catalog, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cat: cat, cfg: cfg, log: log}
}

// ObjectResponse is what Upload returns to callers: everything the HTTP
// layer needs to build a JSON body plus the two canonical download URLs.
type ObjectResponse struct {
	DocID               string
	Bucket              string
	Filename            string
	SizeBytes           int64
	SHA256Hex           string
	ServedContentType   string
	DetectedContentType string
	DetectedExtension   string
	ClaimedContentType  string
	IsMismatch          bool
	IsDangerousMismatch bool
	CreatedAt           time.Time
	DownloadURLByID     string
	DownloadURLByName   string
}

func (e *Engine) downloadURLs(bucket, docID, filename string) (byID, byName string) {
	return fmt.Sprintf("/api/buckets/%s/objects/%s", bucket, docID),
		fmt.Sprintf("/api/buckets/%s/objects/by-name/%s", bucket, filename)
}

// Upload implements the upload algorithm: validate, generate a DocId,
// identify the MIME type from the first chunk, stream the rest to a temp
// file while hashing, rename atomically, then insert the catalog row.
func (e *Engine) Upload(ctx context.Context, bucket, filename string, stream io.Reader, claimedContentType string, year int) (ObjectResponse, error) {
	if res := validate.ValidateBucketName(bucket); !res.Valid {
		return ObjectResponse{}, newError(ErrKindInvalidBucket, "Upload", errors.New(res.Message))
	}
	if res := validate.ValidateObjectKey(filename); !res.Valid {
		return ObjectResponse{}, newError(ErrKindInvalid, "Upload", errors.New(res.Message))
	}

	exists, err := e.cat.BucketExists(ctx, bucket)
	if err != nil {
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
	}
	if !exists {
		return ObjectResponse{}, newError(ErrKindNotFound, "Upload", fmt.Errorf("bucket %q not found", bucket))
	}

	taken, err := e.cat.ObjectExistsByName(ctx, bucket, filename)
	if err != nil {
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
	}
	if taken {
		return ObjectResponse{}, newError(ErrKindConflict, "Upload", fmt.Errorf("object %s/%s already exists", bucket, filename))
	}

	docID := pathbuilder.GenerateDocID(year)

	firstChunkSize := e.cfg.FirstChunkSize
	if firstChunkSize <= 0 {
		firstChunkSize = mimetype.FirstChunkSize
	}
	firstChunk := make([]byte, firstChunkSize)
	n, readErr := io.ReadFull(stream, firstChunk)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", readErr)
	}
	firstChunk = firstChunk[:n]

	identified := mimetype.Identify(firstChunk, filename, claimedContentType)

	ext := identified.DetectedExtension
	if ext == "" {
		ext = "bin"
	}
	if e.cfg.AllowedExtensions != nil && !e.cfg.AllowedExtensions[ext] {
		e.log.WarnContext(ctx, "upload extension not in allow-list, downgrading to bin",
			slog.String("docId", docID), slog.String("extension", ext))
		ext = "bin"
	}

	dir, err := pathbuilder.BlobDir(e.cfg.RootPath, docID)
	if err != nil {
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
	}
	blobPath, err := pathbuilder.BlobPath(e.cfg.RootPath, docID, ext)
	if err != nil {
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
	}
	tempPath, err := pathbuilder.TempPath(e.cfg.RootPath, docID)
	if err != nil {
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
	}

	cleanupTemp := true
	defer func() {
		if cleanupTemp {
			_ = os.Remove(tempPath)
			removeIfEmpty(dir)
		}
	}()

	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
	}
	defer tempFile.Close()

	hasher := hashing.New()
	var totalBytes int64

	if len(firstChunk) > 0 {
		if _, err := hasher.Write(firstChunk); err != nil {
			return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
		}
		if _, err := tempFile.Write(firstChunk); err != nil {
			return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
		}
		totalBytes += int64(len(firstChunk))
	}

	maxUploadBytes := e.cfg.MaxUploadBytes
	if maxUploadBytes > 0 && totalBytes > maxUploadBytes {
		return ObjectResponse{}, newError(ErrKindFileTooLarge, "Upload", fmt.Errorf("upload exceeds MaxUploadBytes (%d)", maxUploadBytes))
	}
	bufferSize := e.cfg.UploadBufferSize
	if bufferSize <= 0 {
		bufferSize = 64 * 1024
	}
	buf := make([]byte, bufferSize)

	if readErr != io.EOF {
		for {
			select {
			case <-ctx.Done():
				return ObjectResponse{}, newError(ErrKindInternal, "Upload", ctx.Err())
			default:
			}

			n, err := stream.Read(buf)
			if n > 0 {
				totalBytes += int64(n)
				if maxUploadBytes > 0 && totalBytes > maxUploadBytes {
					return ObjectResponse{}, newError(ErrKindFileTooLarge, "Upload", fmt.Errorf("upload exceeds MaxUploadBytes (%d)", maxUploadBytes))
				}
				if _, werr := hasher.Write(buf[:n]); werr != nil {
					return ObjectResponse{}, newError(ErrKindInternal, "Upload", werr)
				}
				if _, werr := tempFile.Write(buf[:n]); werr != nil {
					return ObjectResponse{}, newError(ErrKindInternal, "Upload", werr)
				}
			}
			if err != nil {
				if err == io.EOF {
					break
				}
				return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
			}
		}
	}

	if err := tempFile.Sync(); err != nil {
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
	}
	if err := tempFile.Close(); err != nil {
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
	}

	sum := hasher.Sum()

	if err := os.Rename(tempPath, blobPath); err != nil {
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
	}
	cleanupTemp = false

	servedContentType := identified.DetectedContentType

	year = 0
	if y, err := pathbuilder.ExtractYear(docID); err == nil {
		year = y
	}

	inserted, err := e.cat.InsertObject(ctx, catalog.NewObjectParams{
		Bucket:              bucket,
		Filename:            filename,
		DocID:               docID,
		Year:                year,
		SizeBytes:           totalBytes,
		SHA256:              sum,
		ServedContentType:   servedContentType,
		DetectedContentType: identified.DetectedContentType,
		ClaimedContentType:  claimedContentType,
		DetectedExtension:   ext,
		DetectionMethod:     catalog.DetectionMethod(identified.Method),
		IsMismatch:          identified.IsMismatch,
		IsDangerousMismatch: identified.IsDangerousMismatch,
	})
	if err != nil {
		if catalog.KindOf(err) == catalog.KindConflict {
			// Lost the race on (bucket, filename) or docId; the blob we
			// just renamed into place is orphaned and must be cleaned up.
			_ = os.Remove(blobPath)
			removeIfEmpty(dir)
			return ObjectResponse{}, newError(ErrKindConflict, "Upload", err)
		}
		return ObjectResponse{}, newError(ErrKindInternal, "Upload", err)
	}

	metrics.UploadBytesTotal.Add(float64(totalBytes))

	byID, byName := e.downloadURLs(bucket, docID, filename)

	return ObjectResponse{
		DocID:               inserted.DocID,
		Bucket:              inserted.Bucket,
		Filename:            inserted.Filename,
		SizeBytes:           inserted.SizeBytes,
		SHA256Hex:           hex.EncodeToString(inserted.SHA256[:]),
		ServedContentType:   inserted.ServedContentType,
		DetectedContentType: inserted.DetectedContentType,
		DetectedExtension:   inserted.DetectedExtension,
		ClaimedContentType:  inserted.ClaimedContentType,
		IsMismatch:          inserted.IsMismatch,
		IsDangerousMismatch: inserted.IsDangerousMismatch,
		CreatedAt:           inserted.CreatedAt,
		DownloadURLByID:     byID,
		DownloadURLByName:   byName,
	}, nil
}

// removeIfEmpty removes dir if it contains no entries; errors are ignored
// since this is best-effort cleanup.
func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	if len(entries) == 0 {
		_ = os.Remove(dir)
	}
}

// DownloadResult is the open-stream counterpart of the Head metadata
// lookup. It is the caller's responsibility to Close the returned file.
type DownloadResult struct {
	Object      catalog.Object
	Body        *os.File
	Disposition string
}

func (e *Engine) dispositionFor(obj catalog.Object) string {
	if obj.IsDangerousMismatch {
		return "attachment"
	}
	if e.cfg.InlineContentTypes != nil && e.cfg.InlineContentTypes[obj.ServedContentType] {
		return "inline"
	}
	return "attachment"
}

func (e *Engine) openBlob(obj catalog.Object) (*os.File, error) {
	path, err := pathbuilder.BlobPath(e.cfg.RootPath, obj.DocID, obj.DetectedExtension)
	if err != nil {
		return nil, newError(ErrKindInternal, "openBlob", err)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(ErrKindStorage, "openBlob", fmt.Errorf("blob missing on disk for docId %s at %s: %w", obj.DocID, path, err))
		}
		return nil, newError(ErrKindInternal, "openBlob", err)
	}
	return f, nil
}

// DownloadByID opens the blob for (bucket, docId).
func (e *Engine) DownloadByID(ctx context.Context, bucket, docID string) (DownloadResult, error) {
	obj, err := e.cat.GetObjectByDocID(ctx, bucket, docID)
	if err != nil {
		return DownloadResult{}, translateCatalogErr(err, "DownloadByID")
	}
	f, err := e.openBlob(obj)
	if err != nil {
		return DownloadResult{}, err
	}
	return DownloadResult{Object: obj, Body: f, Disposition: e.dispositionFor(obj)}, nil
}

// DownloadByName opens the blob for (bucket, filename).
func (e *Engine) DownloadByName(ctx context.Context, bucket, filename string) (DownloadResult, error) {
	obj, err := e.cat.GetObjectByName(ctx, bucket, filename)
	if err != nil {
		return DownloadResult{}, translateCatalogErr(err, "DownloadByName")
	}
	f, err := e.openBlob(obj)
	if err != nil {
		return DownloadResult{}, err
	}
	return DownloadResult{Object: obj, Body: f, Disposition: e.dispositionFor(obj)}, nil
}

// HeadByID returns the metadata row and disposition without opening the
// blob on disk.
func (e *Engine) HeadByID(ctx context.Context, bucket, docID string) (catalog.Object, string, error) {
	obj, err := e.cat.GetObjectByDocID(ctx, bucket, docID)
	if err != nil {
		return catalog.Object{}, "", translateCatalogErr(err, "HeadByID")
	}
	return obj, e.dispositionFor(obj), nil
}

// HeadByName returns the metadata row and disposition without opening the
// blob on disk.
func (e *Engine) HeadByName(ctx context.Context, bucket, filename string) (catalog.Object, string, error) {
	obj, err := e.cat.GetObjectByName(ctx, bucket, filename)
	if err != nil {
		return catalog.Object{}, "", translateCatalogErr(err, "HeadByName")
	}
	return obj, e.dispositionFor(obj), nil
}

// DownloadCrossBucket serves the /api/objects/{docId} route.
func (e *Engine) DownloadCrossBucket(ctx context.Context, docID string) (DownloadResult, error) {
	obj, err := e.cat.GetObjectByDocIDAnyBucket(ctx, docID)
	if err != nil {
		return DownloadResult{}, translateCatalogErr(err, "DownloadCrossBucket")
	}
	f, err := e.openBlob(obj)
	if err != nil {
		return DownloadResult{}, err
	}
	return DownloadResult{Object: obj, Body: f, Disposition: e.dispositionFor(obj)}, nil
}

func (e *Engine) deleteBlob(ctx context.Context, obj catalog.Object) {
	path, err := pathbuilder.BlobPath(e.cfg.RootPath, obj.DocID, obj.DetectedExtension)
	if err != nil {
		e.log.WarnContext(ctx, "could not compute blob path during delete", slog.String("docId", obj.DocID), slog.Any("error", err))
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.log.WarnContext(ctx, "failed to remove blob file", slog.String("docId", obj.DocID), slog.String("path", path), slog.Any("error", err))
		return
	}
	dir, err := pathbuilder.BlobDir(e.cfg.RootPath, obj.DocID)
	if err == nil {
		removeIfEmpty(dir)
	}
}

// DeleteByID deletes the catalog row first, then best-effort removes the
// blob file and its enclosing directory if left empty.
func (e *Engine) DeleteByID(ctx context.Context, bucket, docID string) error {
	obj, err := e.cat.GetObjectByDocID(ctx, bucket, docID)
	if err != nil {
		return translateCatalogErr(err, "DeleteByID")
	}
	if err := e.cat.DeleteObject(ctx, bucket, docID); err != nil {
		return translateCatalogErr(err, "DeleteByID")
	}
	e.deleteBlob(ctx, obj)
	return nil
}

// DeleteByName deletes by (bucket, filename).
func (e *Engine) DeleteByName(ctx context.Context, bucket, filename string) error {
	obj, err := e.cat.GetObjectByName(ctx, bucket, filename)
	if err != nil {
		return translateCatalogErr(err, "DeleteByName")
	}
	if err := e.cat.DeleteObject(ctx, bucket, obj.DocID); err != nil {
		return translateCatalogErr(err, "DeleteByName")
	}
	e.deleteBlob(ctx, obj)
	return nil
}

// DeleteCrossBucket serves the /api/objects/{docId} DELETE route.
func (e *Engine) DeleteCrossBucket(ctx context.Context, docID string) error {
	obj, err := e.cat.GetObjectByDocIDAnyBucket(ctx, docID)
	if err != nil {
		return translateCatalogErr(err, "DeleteCrossBucket")
	}
	if err := e.cat.DeleteObject(ctx, obj.Bucket, docID); err != nil {
		return translateCatalogErr(err, "DeleteCrossBucket")
	}
	e.deleteBlob(ctx, obj)
	return nil
}

func translateCatalogErr(err error, op string) error {
	switch catalog.KindOf(err) {
	case catalog.KindNotFound:
		return newError(ErrKindNotFound, op, err)
	case catalog.KindConflict:
		return newError(ErrKindConflict, op, err)
	default:
		return newError(ErrKindInternal, op, err)
	}
}
