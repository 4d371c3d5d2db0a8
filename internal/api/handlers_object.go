package api

import (
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eteran/cargohold/internal/catalog"
	"github.com/eteran/cargohold/internal/storageengine"
	"github.com/eteran/cargohold/internal/validate"
	"github.com/go-chi/chi/v5"
)

type objectResponse struct {
	DocID               string    `json:"docId"`
	Bucket              string    `json:"bucket"`
	Filename            string    `json:"filename"`
	SizeBytes           int64     `json:"sizeBytes"`
	SHA256              string    `json:"sha256"`
	ServedContentType   string    `json:"servedContentType"`
	DetectedContentType string    `json:"detectedContentType"`
	DetectedExtension   string    `json:"detectedExtension"`
	ClaimedContentType  string    `json:"claimedContentType,omitempty"`
	IsMismatch          bool      `json:"isMismatch"`
	IsDangerousMismatch bool      `json:"isDangerousMismatch"`
	CreatedAt           time.Time `json:"createdAt"`
	DownloadURLByID     string    `json:"downloadUrlById"`
	DownloadURLByName   string    `json:"downloadUrlByName"`
}

func toObjectResponse(o catalog.Object) objectResponse {
	return objectResponse{
		DocID:               o.DocID,
		Bucket:              o.Bucket,
		Filename:            o.Filename,
		SizeBytes:           o.SizeBytes,
		SHA256:              hex.EncodeToString(o.SHA256[:]),
		ServedContentType:   o.ServedContentType,
		DetectedContentType: o.DetectedContentType,
		DetectedExtension:   o.DetectedExtension,
		ClaimedContentType:  o.ClaimedContentType,
		IsMismatch:          o.IsMismatch,
		IsDangerousMismatch: o.IsDangerousMismatch,
		CreatedAt:           o.CreatedAt,
		DownloadURLByID:     fmt.Sprintf("/api/buckets/%s/objects/%s", o.Bucket, o.DocID),
		DownloadURLByName:   fmt.Sprintf("/api/buckets/%s/objects/by-name/%s", o.Bucket, o.Filename),
	}
}

func toObjectResponseFromUpload(resp storageengine.ObjectResponse) objectResponse {
	return objectResponse{
		DocID:               resp.DocID,
		Bucket:              resp.Bucket,
		Filename:            resp.Filename,
		SizeBytes:           resp.SizeBytes,
		SHA256:              resp.SHA256Hex,
		ServedContentType:   resp.ServedContentType,
		DetectedContentType: resp.DetectedContentType,
		DetectedExtension:   resp.DetectedExtension,
		ClaimedContentType:  resp.ClaimedContentType,
		IsMismatch:          resp.IsMismatch,
		IsDangerousMismatch: resp.IsDangerousMismatch,
		CreatedAt:           resp.CreatedAt,
		DownloadURLByID:     resp.DownloadURLByID,
		DownloadURLByName:   resp.DownloadURLByName,
	}
}

func normalizedWildcard(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	return validate.Normalize(raw)
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")

	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page = n
		}
	}
	pageSize := 100
	if v := r.URL.Query().Get("pageSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			pageSize = n
		}
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 1000 {
		pageSize = 1000
	}
	if page < 1 {
		page = 1
	}
	prefix := r.URL.Query().Get("prefix")

	objects, err := s.cat.ListObjects(r.Context(), bucket, prefix, page, pageSize)
	if err != nil {
		writeCatalogError(w, r, s.log, err, CodeBucketNotFound, CodeBucketAlreadyExists)
		return
	}

	out := make([]objectResponse, 0, len(objects))
	for _, o := range objects {
		out = append(out, toObjectResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStreamUpload(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	filename, err := normalizedWildcard(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidFilename, "malformed filename encoding")
		return
	}

	year := 0
	if v := r.URL.Query().Get("year"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			year = n
		}
	}
	claimedContentType := r.Header.Get("X-Claimed-Content-Type")

	resp, err := s.engine.Upload(r.Context(), bucket, filename, r.Body, claimedContentType, year)
	if err != nil {
		writeEngineError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toObjectResponseFromUpload(resp))
}

func (s *Server) handleFormUpload(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidFilename, "malformed multipart body")
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File) == 0 {
		writeError(w, r, http.StatusBadRequest, CodeInvalidFilename, "no file part present")
		return
	}

	var fileHeader *multipart.FileHeader
	for _, headers := range r.MultipartForm.File {
		if len(headers) > 0 {
			fileHeader = headers[0]
			break
		}
	}
	if fileHeader == nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidFilename, "no file part present")
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidFilename, "could not open uploaded file")
		return
	}
	defer f.Close()

	year := 0
	if v := r.URL.Query().Get("year"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			year = n
		}
	}

	claimedContentType := fileHeader.Header.Get("Content-Type")

	resp, err := s.engine.Upload(r.Context(), bucket, fileHeader.Filename, f, claimedContentType, year)
	if err != nil {
		writeEngineError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toObjectResponseFromUpload(resp))
}

func setDownloadHeaders(w http.ResponseWriter, obj catalog.Object, disposition string) {
	w.Header().Set("Content-Type", obj.ServedContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.SizeBytes, 10))
	w.Header().Set("ETag", `"`+hex.EncodeToString(obj.SHA256[:])+`"`)
	w.Header().Set("Content-Disposition", formatContentDisposition(disposition, obj.Filename))
}

// formatContentDisposition builds a Content-Disposition header value
// carrying both an ASCII-safe fallback filename and the RFC 5987
// filename*=UTF-8''... form for Unicode names.
func formatContentDisposition(disposition, filename string) string {
	ascii := toASCIIFallback(filename)
	encoded := rfc5987Encode(filename)
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, disposition, ascii, encoded)
}

func toASCIIFallback(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r < 0x7F && r != '"' && r != '\\' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func rfc5987Encode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func (s *Server) handleDownloadByID(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	docID := chi.URLParam(r, "docId")

	dl, err := s.engine.DownloadByID(r.Context(), bucket, docID)
	if err != nil {
		writeEngineError(w, r, s.log, err)
		return
	}
	defer dl.Body.Close()

	setDownloadHeaders(w, dl.Object, dl.Disposition)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, dl.Body)
}

func (s *Server) handleDownloadByName(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	filename, err := normalizedWildcard(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidFilename, "malformed filename encoding")
		return
	}

	dl, err := s.engine.DownloadByName(r.Context(), bucket, filename)
	if err != nil {
		writeEngineError(w, r, s.log, err)
		return
	}
	defer dl.Body.Close()

	setDownloadHeaders(w, dl.Object, dl.Disposition)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, dl.Body)
}

func (s *Server) handleHeadByID(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	docID := chi.URLParam(r, "docId")

	obj, disposition, err := s.engine.HeadByID(r.Context(), bucket, docID)
	if err != nil {
		writeEngineError(w, r, s.log, err)
		return
	}
	setDownloadHeaders(w, obj, disposition)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeadByName(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	filename, err := normalizedWildcard(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidFilename, "malformed filename encoding")
		return
	}

	obj, disposition, err := s.engine.HeadByName(r.Context(), bucket, filename)
	if err != nil {
		writeEngineError(w, r, s.log, err)
		return
	}
	setDownloadHeaders(w, obj, disposition)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteByID(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	docID := chi.URLParam(r, "docId")

	if err := s.engine.DeleteByID(r.Context(), bucket, docID); err != nil {
		writeEngineError(w, r, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteByName(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	filename, err := normalizedWildcard(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidFilename, "malformed filename encoding")
		return
	}

	if err := s.engine.DeleteByName(r.Context(), bucket, filename); err != nil {
		writeEngineError(w, r, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadCrossBucket(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docId")

	dl, err := s.engine.DownloadCrossBucket(r.Context(), docID)
	if err != nil {
		writeEngineError(w, r, s.log, err)
		return
	}
	defer dl.Body.Close()

	setDownloadHeaders(w, dl.Object, dl.Disposition)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, dl.Body)
}

func (s *Server) handleDeleteCrossBucket(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docId")

	if err := s.engine.DeleteCrossBucket(r.Context(), docID); err != nil {
		writeEngineError(w, r, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
