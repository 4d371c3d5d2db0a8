package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/eteran/cargohold/internal/catalog"
	"github.com/eteran/cargohold/internal/validate"
	"github.com/go-chi/chi/v5"
)

type bucketResponse struct {
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"createdAt"`
	ObjectCount    int64     `json:"objectCount"`
	TotalSizeBytes int64     `json:"totalSizeBytes"`
}

func toBucketResponse(b catalog.Bucket) bucketResponse {
	return bucketResponse{
		Name:           b.Name,
		CreatedAt:      b.CreatedAt,
		ObjectCount:    b.ObjectCount,
		TotalSizeBytes: b.TotalSizeBytes,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type createBucketRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.cat.ListBuckets(r.Context())
	if err != nil {
		writeCatalogError(w, r, s.log, err, CodeBucketNotFound, CodeBucketAlreadyExists)
		return
	}
	out := make([]bucketResponse, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, toBucketResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	var req createBucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidBucketName, "malformed request body")
		return
	}

	if res := validate.ValidateBucketName(req.Name); !res.Valid {
		writeError(w, r, http.StatusBadRequest, CodeInvalidBucketName, res.Message)
		return
	}

	bucket, err := s.cat.CreateBucket(r.Context(), req.Name)
	if err != nil {
		writeCatalogError(w, r, s.log, err, CodeBucketNotFound, CodeBucketAlreadyExists)
		return
	}
	writeJSON(w, http.StatusCreated, toBucketResponse(bucket))
}

func (s *Server) handleEnsureBucket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	if res := validate.ValidateBucketName(name); !res.Valid {
		writeError(w, r, http.StatusBadRequest, CodeInvalidBucketName, res.Message)
		return
	}

	bucket, err := s.cat.EnsureBucket(r.Context(), name)
	if err != nil {
		writeCatalogError(w, r, s.log, err, CodeBucketNotFound, CodeBucketAlreadyExists)
		return
	}
	writeJSON(w, http.StatusOK, toBucketResponse(bucket))
}

func (s *Server) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	bucket, err := s.cat.GetBucket(r.Context(), name)
	if err != nil {
		writeCatalogError(w, r, s.log, err, CodeBucketNotFound, CodeBucketAlreadyExists)
		return
	}
	writeJSON(w, http.StatusOK, toBucketResponse(bucket))
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	if err := s.cat.DeleteBucket(r.Context(), name); err != nil {
		writeCatalogError(w, r, s.log, err, CodeBucketNotFound, CodeBucketNotEmpty)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
