// Package api is the Storage Engine's HTTP surface: a chi router over
// internal/storageengine and internal/catalog, translating their typed
// errors into the JSON error envelope and mapping routes exactly to the
// table the storage engine's design calls for.
package api

import (
	"log/slog"
	"net/http"

	"github.com/eteran/cargohold/internal/catalog"
	"github.com/eteran/cargohold/internal/metrics"
	"github.com/eteran/cargohold/internal/storageengine"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires the catalog and storage engine into chi handlers.
type Server struct {
	cat    catalog.Catalog
	engine *storageengine.Engine
	log    *slog.Logger
}

// NewServer builds a Server bound to cat and engine.
func NewServer(cat catalog.Catalog, engine *storageengine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cat: cat, engine: engine, log: log}
}

// Handler returns the fully wired http.Handler: a request-id,
// structured-logging, metrics, and recovery middleware chain in front of
// the bucket and object routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LogRequest(s.log))
	r.Use(metrics.Middleware)
	r.Use(Recoverer(s.log))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/buckets", func(r chi.Router) {
		r.Get("/", s.handleListBuckets)
		r.Post("/", s.handleCreateBucket)

		r.Route("/{bucket}", func(r chi.Router) {
			r.Put("/", s.handleEnsureBucket)
			r.Get("/", s.handleGetBucket)
			r.Delete("/", s.handleDeleteBucket)

			r.Route("/objects", func(r chi.Router) {
				r.Get("/", s.handleListObjects)
				r.Post("/form", s.handleFormUpload)
				r.Put("/*", s.handleStreamUpload)

				r.Get("/by-name/*", s.handleDownloadByName)
				r.Head("/by-name/*", s.handleHeadByName)
				r.Delete("/by-name/*", s.handleDeleteByName)

				r.Get("/{docId}", s.handleDownloadByID)
				r.Head("/{docId}", s.handleHeadByID)
				r.Delete("/{docId}", s.handleDeleteByID)
			})
		})
	})

	r.Route("/api/objects/{docId}", func(r chi.Router) {
		r.Get("/", s.handleDownloadCrossBucket)
		r.Delete("/", s.handleDeleteCrossBucket)
	})

	return r
}
