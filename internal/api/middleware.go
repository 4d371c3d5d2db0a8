package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestID assigns a trace identifier to every request, surfaced in both
// error bodies and structured log entries.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request id assigned by RequestID, or
// the empty string if none was assigned.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// responseWriterWrapper intercepts WriteHeader so the logging middleware
// can report the status code actually sent.
type responseWriterWrapper struct {
	http.ResponseWriter
	writtenStatusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.writtenStatusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWrapper) Write(b []byte) (int, error) {
	if w.writtenStatusCode == 0 {
		w.writtenStatusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// logEntry carries one request's structured-logging fields, including the
// request id.
type logEntry struct {
	RemoteAddr string
	Method     string
	URL        string
	Proto      string
	RequestID  string
	DurationMS float64
	StatusCode int
}

func (e logEntry) client() slog.Attr {
	return slog.Group("client", "remote_addr", e.RemoteAddr)
}

func (e logEntry) request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"request_id", e.RequestID,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

// LogRequest logs every request at Info/Warn/Error depending on the
// response status.
func LogRequest(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := logEntry{
				RemoteAddr: r.RemoteAddr,
				Method:     r.Method,
				URL:        r.URL.String(),
				Proto:      r.Proto,
				RequestID:  RequestIDFromContext(r.Context()),
			}

			wrapped := &responseWriterWrapper{ResponseWriter: w}

			start := time.Now()
			next.ServeHTTP(wrapped, r)
			entry.DurationMS = float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)
			entry.StatusCode = wrapped.writtenStatusCode

			switch {
			case entry.StatusCode >= 500:
				log.Error("request", entry.client(), entry.request())
			case entry.StatusCode >= 400:
				log.Warn("request", entry.client(), entry.request())
			default:
				log.Info("request", entry.client(), entry.request())
			}
		})
	}
}

// Recoverer recovers panics in downstream handlers, logs them, and returns
// a 500 response.
func Recoverer(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					log.ErrorContext(r.Context(), "panic in http handler", slog.Any("error", rvr), slog.String("request_id", RequestIDFromContext(r.Context())))
					writeError(w, r, http.StatusInternalServerError, CodeInternalError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
