// Package server exposes the operational HTTP API: health, pipeline stats,
// and the two entry points that hand work to the ingestion loops.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sloghttp "github.com/samber/slog-http"

	"github.com/voyagen/channelfeed/api"
	"github.com/voyagen/channelfeed/internal/cache"
	"github.com/voyagen/channelfeed/internal/service"
	"github.com/voyagen/channelfeed/internal/store"
)

// userLockTTL bounds how long one user's request may hold the per-user lock.
const userLockTTL = 10 * time.Second

// StatsSource is satisfied by *service.Stats.
type StatsSource interface {
	Snapshot() service.Snapshot
}

// Server holds dependencies for the ops API.
type Server struct {
	store  store.Store
	rds    *cache.Redis
	stats  StatsSource
	port   string
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Server and registers routes.
func New(s store.Store, rds *cache.Redis, stats StatsSource, port string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:  s,
		rds:    rds,
		stats:  stats,
		port:   port,
		logger: logger.With("component", "server"),
		mux:    http.NewServeMux(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	s.mux.HandleFunc("POST /api/channels/sync", s.handleSyncChannel)
	s.mux.HandleFunc("POST /api/backfill/{user_id}", s.handleBackfill)

	// Docs
	s.mux.HandleFunc("GET /api/docs", handleSwaggerUI)
	s.mux.HandleFunc("GET /api/docs/openapi.yaml", handleOpenAPISpec)
}

// Handler returns the routes wrapped in recovery, request logging and CORS.
func (s *Server) Handler() http.Handler {
	h := sloghttp.Recovery(s.mux)
	h = sloghttp.New(s.logger)(h)
	return withCORS(h)
}

// ServeHTTP implements http.Handler without middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.port
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.rds != nil {
		if err := s.rds.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["redis"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["redis"] = "ok"
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

type syncChannelRequest struct {
	ChannelID int64  `json:"channel_id"`
	Username  string `json:"username,omitempty"`
	UserID    int64  `json:"user_id"`
}

// handleSyncChannel queues an immediate first sync of a channel a user has
// just subscribed to. The outcome is published on the events topic.
func (s *Server) handleSyncChannel(w http.ResponseWriter, r *http.Request) {
	var req syncChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.ChannelID <= 0 {
		writeErr(w, http.StatusBadRequest, errors.New("channel_id is required"))
		return
	}
	if req.UserID <= 0 {
		writeErr(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	if s.rds == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("queue not configured"))
		return
	}

	unlock, ok := s.lockUser(w, r, req.UserID)
	if !ok {
		return
	}
	defer unlock()

	job := cache.NewChannelJob{ChannelID: req.ChannelID, Username: req.Username, UserID: req.UserID}
	if err := cache.Enqueue(r.Context(), s.rds, cache.NewChannelQueue, job); err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("enqueue: %w", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"channel_id": req.ChannelID,
		"user_id":    req.UserID,
		"queued":     true,
	})
}

// handleBackfill records a backfill request for the user. Repeated requests
// before the consumer runs collapse into one.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(r, "user_id")
	if err != nil || userID <= 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid user_id: %s", r.PathValue("user_id")))
		return
	}

	if s.rds != nil {
		unlock, ok := s.lockUser(w, r, userID)
		if !ok {
			return
		}
		defer unlock()
	}

	if err := s.store.CreateBackfillRequest(r.Context(), userID); err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("create backfill request: %w", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"user_id": userID,
		"queued":  true,
	})
}

// lockUser serializes requests of one user. On failure it has already
// written the response.
func (s *Server) lockUser(w http.ResponseWriter, r *http.Request, userID int64) (func(), bool) {
	unlock, err := cache.TryLock(r.Context(), s.rds, cache.UserLockKey(userID), userLockTTL)
	if errors.Is(err, cache.ErrLocked) {
		writeErr(w, http.StatusConflict, fmt.Errorf("another request for user %d is in progress", userID))
		return nil, false
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return unlock, true
}

// --- middleware ---

// withCORS adds CORS headers to every response and handles preflight OPTIONS requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// parseID extracts a path parameter by name and parses it as int64.
func parseID(r *http.Request, param string) (int64, error) {
	v := r.PathValue(param)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", param, v)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", "error", err)
	}
}

func writeErr(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	})
}

// --- docs handlers ---

func handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.OpenAPISpec)
}

func handleSwaggerUI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, swaggerUIHTML)
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>channelfeed ops API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({ url: "/api/docs/openapi.yaml", dom_id: "#swagger-ui" });
  </script>
</body>
</html>`
