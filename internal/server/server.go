// internal/server/server.go

// Package server assembles the HTTP API: middleware, routes and the
// process-level endpoints.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jules-labs/library-backend/internal/apperr"
	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/catalog"
	"github.com/jules-labs/library-backend/internal/circulation"
	"github.com/jules-labs/library-backend/internal/config"
	"github.com/jules-labs/library-backend/internal/httpx"
	"github.com/jules-labs/library-backend/internal/membership"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the handlers and collaborators the router dispatches to.
type Deps struct {
	DB            Pinger
	Authenticator *auth.Authenticator
	Catalog       *catalog.Handler
	Circulation   *circulation.Handler
	Membership    *membership.Handler
}

// Server is the API http.Handler.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router *chi.Mux
	log    *slog.Logger
}

func New(cfg *config.Config, deps Deps, log *slog.Logger) *Server {
	s := &Server{cfg: cfg, deps: deps, router: chi.NewRouter(), log: log}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router in an *http.Server using the configured
// address and timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelError),
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.log))
	s.router.Use(recoverer(s.log))
	s.router.Use(middleware.StripSlashes)
	// No configured origins means no cross-origin access at all. Credentials
	// are never allowed together with the wildcard origin.
	if origins := s.cfg.Server.AllowedOrigins; len(origins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: !slices.Contains(origins, "*"),
			MaxAge:           300,
		}))
	}
	if s.cfg.Server.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
	}
}

func (s *Server) setupRoutes() {
	r := s.router
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.Error(w, req, s.log, apperr.NotFound("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.JSON(w, http.StatusMethodNotAllowed, map[string]string{
			"error": "METHOD_NOT_ALLOWED", "message": "method not allowed",
		})
	})

	r.Get("/", s.handleWelcome)
	r.Get("/health", s.handleHealth)

	m, c, l := s.deps.Membership, s.deps.Catalog, s.deps.Circulation
	authn := s.deps.Authenticator.Middleware

	r.Post("/token", m.HandleToken)

	r.Route("/users", func(r chi.Router) {
		r.Use(authn)
		r.Post("/", m.HandleCreateUser)
		r.Get("/me", m.HandleMe)
		r.Put("/me", m.HandleUpdateMe)
	})

	r.Route("/patrons", func(r chi.Router) {
		r.Post("/", m.HandleRegister)
		r.Group(func(r chi.Router) {
			r.Use(authn)
			r.Get("/", m.HandleList)
			r.Get("/{id}", m.HandleGet)
			r.Put("/{id}", m.HandleUpdate)
			r.Delete("/{id}", m.HandleDelete)
		})
	})

	r.Route("/books", func(r chi.Router) {
		r.Use(authn)
		r.Post("/", c.HandleCreate)
		r.Get("/", c.HandleList)
		r.Get("/search", c.HandleSearch)
		r.Get("/{id}", c.HandleGet)
		r.Put("/{id}", c.HandleUpdate)
		r.Delete("/{id}", c.HandleDelete)
	})

	r.Route("/checkouts", func(r chi.Router) {
		r.Use(authn)
		r.Post("/", l.HandleCreate)
		r.Get("/", l.HandleList)
		r.Get("/overdue", l.HandleOverdue)
		r.Get("/due-soon", l.HandleDueSoon)
		r.Get("/{id}", l.HandleGet)
		r.Post("/{id}/return", l.HandleReturn)
	})

	r.Route("/admin/checkouts", func(r chi.Router) {
		r.Use(authn)
		r.Get("/all", l.HandleAdminAll)
		r.Get("/overdue", l.HandleAdminOverdue)
		r.Get("/{id}/history", l.HandleHistory)
	})
}

func (s *Server) handleWelcome(w http.ResponseWriter, _ *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"message": "Welcome to " + s.cfg.App.Name,
		"version": s.cfg.App.Version,
		"endpoints": map[string]string{
			"books":     "/books/",
			"patrons":   "/patrons/",
			"checkouts": "/checkouts/",
			"token":     "/token",
		},
	})
}

type healthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:   "healthy",
		Version:  s.cfg.App.Version,
		Services: map[string]string{"api": "up", "database": "up"},
	}
	status := http.StatusOK
	if err := s.deps.DB.PingContext(ctx); err != nil {
		s.log.WarnContext(ctx, "health check: database unreachable", "error", err)
		resp.Status = "unhealthy"
		resp.Services["database"] = "down"
		status = http.StatusServiceUnavailable
	}
	httpx.JSON(w, status, resp)
}
