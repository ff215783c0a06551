// Package api wires the controller's HTTP surface: the JSON-RPC and
// chat-tool/OAuth endpoints, the GitHub webhook receiver, and the
// unauthenticated health / authenticated dashboard endpoints, behind one
// go-chi router with the teacher's middleware stack.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/orchestra-systems/orchestrator/internal/dashboard"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/mcpapi"
	"github.com/orchestra-systems/orchestrator/internal/rpcapi"
	"github.com/orchestra-systems/orchestrator/internal/webhook"
)

// Server mounts every HTTP-facing surface the controller exposes.
type Server struct {
	router chi.Router

	bearerToken string
	logger      *logging.Logger
	rpc         *rpcapi.Handler
	mcp         *mcpapi.Handler
	oauth       *mcpapi.OAuthServer
	webhooks    *webhook.Router
	dashboard   *dashboard.Aggregator
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithBearerToken sets the token gating /dashboard. A empty token leaves
// the dashboard unauthenticated.
func WithBearerToken(token string) ServerOption {
	return func(s *Server) { s.bearerToken = token }
}

// WithRPC mounts the JSON-RPC surface at POST /rpc.
func WithRPC(h *rpcapi.Handler) ServerOption {
	return func(s *Server) { s.rpc = h }
}

// WithMCP mounts the chat-tool surface at POST /mcp.
func WithMCP(h *mcpapi.Handler) ServerOption {
	return func(s *Server) { s.mcp = h }
}

// WithOAuth mounts the OAuth 2.1 discovery, registration, authorization,
// and token endpoints backing the chat-tool surface.
func WithOAuth(o *mcpapi.OAuthServer) ServerOption {
	return func(s *Server) { s.oauth = o }
}

// WithWebhooks mounts the GitHub inbound webhook receiver.
func WithWebhooks(r *webhook.Router) ServerOption {
	return func(s *Server) { s.webhooks = r }
}

// WithDashboard mounts the authenticated dashboard aggregate.
func WithDashboard(a *dashboard.Aggregator) ServerOption {
	return func(s *Server) { s.dashboard = a }
}

// NewServer creates a new API server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "X-Requested-With", "X-Hub-Signature-256"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/", s.handleHealth)
	r.Get("/healthz", s.handleHealth)

	if s.rpc != nil {
		r.Post("/rpc", s.rpc.ServeHTTP)
	}
	if s.mcp != nil {
		r.Post("/mcp", s.mcp.ServeHTTP)
	}
	if s.oauth != nil {
		r.Get("/.well-known/oauth-authorization-server", s.oauth.HandleMetadata)
		r.Post("/oauth/register", s.oauth.HandleRegister)
		r.Get("/oauth/authorize", s.oauth.HandleAuthorize)
		r.Post("/oauth/token", s.oauth.HandleToken)
	}
	if s.webhooks != nil {
		r.Post("/webhooks/github", s.webhooks.ServeHTTP)
	}
	if s.dashboard != nil {
		r.Get("/dashboard", s.requireBearerToken(s.handleDashboard))
	}

	return r
}

// requireBearerToken wraps next with the shared bearer-token gate, the same
// constant-time comparison internal/rpcapi and internal/mcpapi use. An
// unconfigured token leaves the wrapped handler open.
func (s *Server) requireBearerToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken != "" {
			const prefix = "Bearer "
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, prefix)
			if token == header || subtle.ConstantTimeCompare([]byte(token), []byte(s.bearerToken)) != 1 {
				respondError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap := s.dashboard.Snapshot(r.Context())
	respondJSON(w, http.StatusOK, snap)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// handleHealth returns server health status. Unauthenticated, per SPEC_FULL
// §6.4.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe starts the HTTP server, shutting down gracefully when ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	return srv.ListenAndServe()
}
