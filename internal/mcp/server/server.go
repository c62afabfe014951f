// Package server exposes the budget schema and read-only query execution as
// MCP tools over streamable HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/analyst/internal/mcp/server/metrics"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	mcp     *mcp.Server
	handler http.Handler
	http    *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "Procast Budget Analyst",
		Version: cfg.Version,
	}, nil)

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
		mcp: mcpServer,
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	streamable := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{
		Stateless: true,
	})

	var root http.Handler = s.metricsMiddleware(streamable)
	if len(cfg.AllowedTokens) > 0 {
		root = s.authMiddleware(root)
	}

	mux := http.NewServeMux()
	mux.Handle("/", root)
	mux.Handle("/healthz", s.metricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeText(w, http.StatusOK, "ok")
	})))
	mux.Handle("/readyz", s.metricsMiddleware(http.HandlerFunc(s.readyzHandler)))
	s.handler = mux

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("mcp: streamable http listening", "listenAddr", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("mcp: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		s.log.Error("mcp: http server error", "error", err)
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Database.Ping(ctx); err != nil {
			s.log.Debug("mcp: readyz database ping failed", "error", err)
			s.writeText(w, http.StatusServiceUnavailable, "database not ready")
			return
		}
	}
	s.writeText(w, http.StatusOK, "ok")
}

func (s *Server) writeText(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	if _, err := w.Write([]byte(msg + "\n")); err != nil {
		s.log.Error("mcp: failed to write response", "error", err)
	}
}

func (s *Server) unauthorized(w http.ResponseWriter, reason, msg string) {
	metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	w.Header().Set("WWW-Authenticate", `Bearer`)
	s.writeText(w, http.StatusUnauthorized, "unauthorized: "+msg)
}

// authMiddleware requires a bearer token from AllowedTokens.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.unauthorized(w, "missing_header", "missing authorization header")
			return
		}
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.unauthorized(w, "invalid_format", "invalid authorization header format")
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			s.unauthorized(w, "empty_token", "empty token")
			return
		}
		for _, allowed := range s.cfg.AllowedTokens {
			if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.unauthorized(w, "invalid_token", "invalid token")
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode)).Inc()
		metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	})
}

// responseWriter captures the status code. Flush is forwarded so streamed
// MCP responses still reach the client.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
