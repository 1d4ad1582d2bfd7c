// Package web provides the HTTP API and status page for vecrag.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/abdul-hamid-achik/vecrag/internal/corpus"
	"github.com/abdul-hamid-achik/vecrag/internal/search"
	"github.com/abdul-hamid-achik/vecrag/internal/service"
)

// RequestTimeout bounds every request.
const RequestTimeout = 60 * time.Second

// Backend is the part of service.Service the HTTP layer needs.
type Backend interface {
	Ready() bool
	Stats(ctx context.Context) (service.Stats, error)
	List(ctx context.Context) ([]corpus.Document, error)
	Upload(ctx context.Context, filename string, r io.Reader) (corpus.Document, error)
	Delete(ctx context.Context, id string) (bool, error)
	Ask(ctx context.Context, query string, opts service.QueryOptions) (service.Answer, error)
	Retrieve(ctx context.Context, query string, opts service.QueryOptions) (search.RetrievalResult, error)
}

// ServerConfig holds configuration for the web server.
type ServerConfig struct {
	Host    string
	Port    int
	Backend Backend
	Logger  *slog.Logger
	// MaxUploadBytes caps multipart uploads. Zero means 16 MiB.
	MaxUploadBytes int64
	// Quiet disables the request log.
	Quiet bool
}

// Server is the HTTP server.
type Server struct {
	config  ServerConfig
	router  *chi.Mux
	handler *Handler
}

// NewServer creates a new web server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 16 << 20
	}

	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
	}
	s.handler = NewHandler(cfg.Backend, cfg.Logger, cfg.MaxUploadBytes)
	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	if !s.config.Quiet {
		s.router.Use(middleware.Logger)
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(RequestTimeout))
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.handler.Status)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handler.Health)
		r.Get("/stats", s.handler.Stats)

		r.Get("/documents", s.handler.ListDocuments)
		r.Post("/documents", s.handler.Upload)
		r.Delete("/documents/{id}", s.handler.DeleteDocument)
		// Older clients post uploads here.
		r.Post("/upload", s.handler.Upload)

		r.Post("/query", s.handler.Query)
		r.Post("/retrieve", s.handler.Retrieve)
	})
}

// Router returns the chi router for external use.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.config.Logger.Info("http server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
