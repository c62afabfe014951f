// Package api serves the analyst over HTTP.
package api

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

	apimetrics "github.com/malbeclabs/analyst/internal/api/metrics"
	"github.com/malbeclabs/analyst/internal/sessions"
	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/executor"
	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

const (
	MaxQueryLength      = 2000
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Minute
	maxBodyBytes        = 1 << 20
)

// Runner answers one question. *workflow.Orchestrator implements it.
type Runner interface {
	RunWithProgress(ctx context.Context, question string, history []workflow.Message, id identity.Identity, onProgress workflow.ProgressCallback) (*workflow.Result, error)
}

// SessionStore is the part of *sessions.Store the handlers use.
type SessionStore interface {
	CreateSession(ctx context.Context, id identity.Identity, title string) (*sessions.Session, error)
	GetSession(ctx context.Context, sessionID, userID string) (*sessions.Session, error)
	CountSessions(ctx context.Context, userID string) (int, error)
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]sessions.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]sessions.Message, error)
	History(ctx context.Context, sessionID string, limit int) ([]workflow.Message, error)
	AppendMessage(ctx context.Context, sessionID, role, content string, metadata map[string]any) (*sessions.Message, error)
	UpdateTitle(ctx context.Context, sessionID, userID, title string) error
	DeleteSession(ctx context.Context, sessionID, userID string) error
}

// Database reports on the analysis database.
type Database interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context) executor.Health
}

// LiveSchema introspects the analysis database as the requesting user.
// *executor.Executor implements it.
type LiveSchema interface {
	TableStats(ctx context.Context, id identity.Identity) ([]executor.TableStat, error)
	TableColumns(ctx context.Context, tables []string, id identity.Identity) ([]executor.Column, error)
	SampleRows(ctx context.Context, table string, limit int, id identity.Identity) (*executor.Result, error)
}

type Config struct {
	Logger    *slog.Logger
	Runner    Runner
	Catalog   *catalog.Catalog
	Validator workflow.SQLValidator
	Database  Database

	// LiveSchema is optional; without it the live schema routes return 503.
	LiveSchema LiveSchema

	// Sessions is optional; without it every turn is stateless.
	Sessions     SessionStore
	HistoryLimit int

	CORSOrigins []string

	// With MockAuth, requests without X-User-ID run as MockUser.
	MockAuth bool
	MockUser identity.Identity
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if c.Validator == nil {
		return errors.New("validator is required")
	}
	if c.Database == nil {
		return errors.New("database is required")
	}
	if c.MockAuth && c.MockUser.UserID == "" {
		return errors.New("mock user id is required when mock auth is enabled")
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = workflow.DefaultHistoryLimit
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router chi.Router
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	s := &Server{log: cfg.Logger, cfg: cfg}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apimetrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", headerUserID, headerUserEmail},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.authenticate)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Post("/analyze", s.analyze)
		r.Post("/analyze/stream", s.analyzeStream)
		r.Post("/chat/stream", s.chatStream)

		r.Get("/quick-analysis/budgets", s.quickBudgets)
		r.Get("/quick-analysis/overspending", s.quickOverspending)
		r.Get("/quick-analysis/categories", s.quickCategories)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Get("/{id}", s.getSession)
			r.Patch("/{id}", s.renameSession)
			r.Delete("/{id}", s.deleteSession)
			r.Get("/{id}/messages", s.listMessages)
		})

		r.Get("/schema/summary", s.schemaSummary)
		r.Get("/schema/domains", s.schemaDomains)
		r.Get("/schema/domains/{domain}", s.schemaDomain)
		r.Post("/schema/context", s.schemaContext)

		r.Get("/schema", s.liveSchema)
		r.Get("/schema/tables", s.liveTables)
		r.Get("/schema/tables/{table}", s.liveTable)
		r.Get("/schema/tables/{table}/sample", s.liveSample)

		r.Post("/sql/validate", s.validateSQL)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Database.Ping(ctx); err != nil {
		s.log.Warn("api: readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type healthResponse struct {
	Status   string          `json:"status"`
	Database executor.Health `json:"database"`
	Sessions bool            `json:"sessions_enabled"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	db := s.cfg.Database.Health(ctx)
	resp := healthResponse{Status: "healthy", Database: db, Sessions: s.cfg.Sessions != nil}
	status := http.StatusOK
	if db.Status != "healthy" {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
