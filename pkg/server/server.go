// Package server exposes a catalog over HTTP. Node paths are carried in
// the URL after the route name, for example GET /api/v1/metadata/a/b.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kubeflow/data-catalog/pkg/audit"
	"github.com/kubeflow/data-catalog/pkg/authz"
	"github.com/kubeflow/data-catalog/pkg/catalog"
)

// Server serves one catalog.
type Server struct {
	catalog    *catalog.Catalog
	cfg        *Config
	logger     *slog.Logger
	verifier   *authz.TokenVerifier
	authorizer authz.Authorizer
	audit      *audit.Store
	auditCfg   *audit.Config
	router     chi.Router
	startedAt  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTokenVerifier accepts bearer tokens checked by v.
func WithTokenVerifier(v *authz.TokenVerifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithAuthorizer checks every API request against a before it reaches
// the catalog. Node-level decisions remain with the catalog's policy.
func WithAuthorizer(a authz.Authorizer) Option {
	return func(s *Server) { s.authorizer = a }
}

// WithAudit records API mutations in store and serves them under
// /api/v1/audit/events.
func WithAudit(store *audit.Store, cfg *audit.Config) Option {
	return func(s *Server) {
		s.audit = store
		s.auditCfg = cfg
	}
}

// New builds a server for cat.
func New(cat *catalog.Catalog, cfg *Config, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		catalog:   cat,
		cfg:       cfg,
		logger:    slog.Default(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Remote-User", "X-Remote-Group"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readyHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authz.IdentityMiddleware(s.verifier, s.logger))
		if s.audit != nil {
			r.Use(audit.Middleware(s.audit, s.auditCfg, s.logger))
		}
		if s.authorizer != nil {
			r.Use(authz.AuthzMiddleware(s.authorizer))
		}
		r.Use(s.limitBody)

		r.Get("/metadata/*", s.getNodeHandler)
		r.Post("/metadata/*", s.createNodeHandler)
		r.Patch("/metadata/*", s.patchMetadataHandler)
		r.Get("/list/*", s.listHandler)
		r.Get("/search/*", s.listHandler)
		r.Get("/distinct/*", s.distinctHandler)
		r.Put("/move/*", s.moveHandler)
		r.Delete("/nodes/*", s.deleteHandler)

		r.Get("/revisions/*", s.revisionsHandler)
		r.Delete("/revisions/*", s.deleteRevisionHandler)

		r.Get("/data_sources/*", s.getDataSourceHandler)
		r.Post("/data_sources/*", s.registerDataSourceHandler)
		r.Get("/assets/{id}", s.listAssetsHandler)
		r.Post("/assets/{id}", s.addAssetHandler)

		r.Get("/table/full/*", s.readDataHandler)
		r.Get("/table/partition/*", s.readBlockHandler("partition"))
		r.Patch("/table/partition/*", s.appendPartitionHandler)
		r.Get("/array/full/*", s.readDataHandler)
		r.Get("/array/block/*", s.readBlockHandler("block"))
		r.Patch("/array/full/*", s.patchArrayHandler)

		if s.audit != nil {
			r.Mount("/audit", audit.Router(s.audit, s.logger))
		}
	})
	return r
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && s.cfg.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("catalog server listening", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down catalog server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// healthHandler returns the liveness status of the server.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports whether the database is reachable.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.catalog.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "not_ready",
			"database": map[string]string{"status": "down", "error": err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"database": map[string]string{"status": "up"},
	})
}
