// Package server is the coordination server: it owns the authoritative
// entities, detects stale client writes, and exposes the conflict resolver,
// review queue and resolution history over HTTP.
package server

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/snappy"

	"github.com/tonimelisma/fieldsync/internal/conflict"
	"github.com/tonimelisma/fieldsync/internal/entity"
	"github.com/tonimelisma/fieldsync/internal/transport"
)

// maxBodyBytes caps decoded request bodies.
const maxBodyBytes = 4 << 20

// Config wires the handler to its collaborators.
type Config struct {
	Entities *entity.Service
	Resolver *conflict.Resolver
	// Events serves the websocket notification stream. Optional.
	Events      http.Handler
	Collections *transport.Collections
	Logger      *slog.Logger
}

type api struct {
	entities    *entity.Service
	resolver    *conflict.Resolver
	collections *transport.Collections
	logger      *slog.Logger
}

// New returns the HTTP handler of the coordination server.
func New(cfg Config) (http.Handler, error) {
	if cfg.Entities == nil || cfg.Resolver == nil {
		return nil, errors.New("server: entities and resolver are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collections := cfg.Collections
	if collections == nil {
		collections = transport.NewCollections(nil)
	}

	a := &api{
		entities:    cfg.Entities,
		resolver:    cfg.Resolver,
		collections: collections,
		logger:      logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(decodeBody)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/conflicts", func(r chi.Router) {
			r.Post("/resolve", a.resolveConflict)
			r.Get("/review", a.listReview)
			r.Post("/review/{id}/resolve", a.resolveReview)
			r.Get("/history", a.history)
			r.Get("/history/replay", a.replay)
			r.Get("/stats", a.stats)
		})

		if cfg.Events != nil {
			r.Handle("/events", cfg.Events)
		}

		r.Get("/{collection}/{id}", a.getEntity)
		r.Post("/{collection}/{id}", a.writeEntity)
		r.Put("/{collection}/{id}", a.writeEntity)
		r.Delete("/{collection}/{id}", a.writeEntity)
	})

	return router, nil
}

// decodeBody bounds request bodies and expands snappy-compressed ones.
func decodeBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			next.ServeHTTP(w, r)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		if r.Header.Get("Content-Encoding") == transport.EncodingSnappy {
			compressed, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusRequestEntityTooLarge, "reading body: "+err.Error())
				return
			}

			if n, err := snappy.DecodedLen(compressed); err != nil || n > maxBodyBytes {
				writeError(w, http.StatusBadRequest, "invalid snappy body")
				return
			}

			plain, err := snappy.Decode(nil, compressed)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid snappy body: "+err.Error())
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(plain))
			r.Header.Del("Content-Encoding")
			r.ContentLength = int64(len(plain))
		}

		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
