// Package server provides the HTTP receiver of a snipdex node: the
// search endpoint in its native XML and HTML forms, plus the small
// web directory that carries the user interface.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/djoerd/snipdex/config"
	"github.com/djoerd/snipdex/fanout"
)

// New creates a configured HTTP server with all routes.
func New(cfg *config.Config, engine *fanout.Engine, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := NewHandler(cfg, engine, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(Exposure(cfg.Web.Mode))

	r.Get("/", redirectToRoot)
	r.Get("/snipdex", redirectToRoot)
	r.Get("/snipdex/", h.HandleSearch)
	r.Get("/snipdex/index.html", h.HandleSearch)
	r.Get("/favicon.ico", h.HandleFile)
	r.Get("/snipdex/*", h.HandleFile)

	// The pitch protocol has no receiver yet.
	r.Post("/snipdex/", h.HandleNotImplemented)
	r.Post("/snipdex/*", h.HandleNotImplemented)

	return &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: r,
	}
}

func redirectToRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/snipdex/", http.StatusMovedPermanently)
}
