// Package server exposes the ledger over HTTP: public wallet endpoints for
// task state, payments, and claims, plus token-guarded admin endpoints for
// catalog and epoch management.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/tally/pkg/ledger"
	"github.com/malbeclabs/tally/pkg/metrics"
	"golang.org/x/time/rate"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Ledger     *ledger.Service
	ListenAddr string
	// AdminToken guards the admin routes. Empty disables them entirely
	// rather than leaving them open.
	AdminToken string
	// Ready is polled by /readyz; nil means always ready.
	Ready func(ctx context.Context) error
	// PublicRate limits the public wallet endpoints per client IP. Zero
	// value disables limiting (used by tests).
	PublicRate  rate.Limit
	PublicBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	ledger *ledger.Service
	router *chi.Mux
	srv    *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		ledger: cfg.Ledger,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Router returns the configured handler, primarily for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.cfg.PublicRate > 0 {
			limiter := NewRateLimiter(s.cfg.PublicRate, s.cfg.PublicBurst)
			r.Use(limiter.Middleware)
		}

		r.Get("/tasks", s.handleGetTaskContract)
		r.Get("/epochs", s.handleListEpochs)
		r.Get("/epochs/{epoch}", s.handleGetEpoch)

		r.Route("/wallets/{wallet}", func(r chi.Router) {
			r.Get("/tasks", s.handleGetUserTasks)
			r.Post("/tasks/{taskID}/complete", s.handleCompleteTask)
			r.Get("/payments", s.handleGetPayments)
			r.Post("/payments", s.handleRecordPayment)
			r.Post("/claim-ticket", s.handleGetClaimTicket)
			r.Post("/claims/{epoch}/result", s.handleMarkClaimResult)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Put("/tasks", s.handleSetTaskContract)
			r.Post("/epochs/{epoch}/build", s.handleBuildEpoch)
		})
	})
}

// adminAuth requires a constant-time bearer token match. With no token
// configured the admin surface does not exist.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			s.writeError(w, http.StatusNotFound, "not found")
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := auth[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			s.log.Warn("server: rejected admin request", "path", r.URL.Path, "ip", clientIP(r))
			s.writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.log.Info("server: listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server: shutting down")
	return s.srv.Shutdown(ctx)
}
