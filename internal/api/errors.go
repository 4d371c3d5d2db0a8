package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/eteran/cargohold/internal/catalog"
	"github.com/eteran/cargohold/internal/storageengine"
)

// Code is one of the fixed error codes the HTTP surface can return.
type Code string

const (
	CodeBucketNotFound      Code = "BucketNotFound"
	CodeBucketAlreadyExists Code = "BucketAlreadyExists"
	CodeBucketNotEmpty      Code = "BucketNotEmpty"
	CodeInvalidBucketName   Code = "InvalidBucketName"
	CodeObjectNotFound      Code = "ObjectNotFound"
	CodeObjectAlreadyExists Code = "ObjectAlreadyExists"
	CodeInvalidFilename     Code = "InvalidFilename"
	CodeFileTooLarge        Code = "FileTooLarge"
	CodeInvalidContentType  Code = "InvalidContentType"
	CodeStorageError        Code = "StorageError"
	CodeInternalError       Code = "InternalError"
)

type errorBody struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code Code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	}})
}

// writeEngineError maps a storageengine error to the JSON envelope, logging
// internal errors with the request id and, where relevant, the docId.
func writeEngineError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	switch storageengine.KindOf(err) {
	case storageengine.ErrKindInvalid:
		writeError(w, r, http.StatusBadRequest, CodeInvalidFilename, err.Error())
	case storageengine.ErrKindInvalidBucket:
		writeError(w, r, http.StatusBadRequest, CodeInvalidBucketName, err.Error())
	case storageengine.ErrKindNotFound:
		writeError(w, r, http.StatusNotFound, CodeObjectNotFound, err.Error())
	case storageengine.ErrKindConflict:
		writeError(w, r, http.StatusConflict, CodeObjectAlreadyExists, err.Error())
	case storageengine.ErrKindFileTooLarge:
		writeError(w, r, http.StatusBadRequest, CodeFileTooLarge, err.Error())
	case storageengine.ErrKindStorage:
		// Always the "row exists but blob missing on disk" case (see
		// openBlob): a write-failure kind of storage error surfaces as
		// ErrKindInternal instead, so this one maps to 404 rather than 500.
		log.ErrorContext(r.Context(), "storage error: blob missing on disk", slog.String("requestId", RequestIDFromContext(r.Context())), slog.Any("error", err))
		writeError(w, r, http.StatusNotFound, CodeStorageError, "storage backend error")
	default:
		log.ErrorContext(r.Context(), "internal error", slog.String("requestId", RequestIDFromContext(r.Context())), slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, CodeInternalError, "internal error")
	}
}

// writeCatalogError maps a catalog error (bucket CRUD) to the JSON
// envelope.
func writeCatalogError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, notFoundCode, conflictCode Code) {
	switch catalog.KindOf(err) {
	case catalog.KindNotFound:
		writeError(w, r, http.StatusNotFound, notFoundCode, err.Error())
	case catalog.KindConflict:
		writeError(w, r, http.StatusConflict, conflictCode, err.Error())
	default:
		log.ErrorContext(r.Context(), "internal error", slog.String("requestId", RequestIDFromContext(r.Context())), slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, CodeInternalError, "internal error")
	}
}
