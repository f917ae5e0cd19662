// Package server exposes the repository cache as a JSON API over HTTP.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/repo-cache/eviction"
	"github.com/wolfeidau/repo-cache/manager"
	"github.com/wolfeidau/repo-cache/metadata"
	"github.com/wolfeidau/repo-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "localhost:8080")
	Address string

	// AuthToken enables Bearer authentication when set.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Cache is the set of repository cache operations the API serves.
// *manager.Manager implements it.
type Cache interface {
	CloneRepository(ctx context.Context, source, branch, strategy string) (*manager.CloneResponse, error)
	RefreshRepository(ctx context.Context, source, branch, strategy string) (*manager.CloneResponse, error)
	ListRepositoryBranches(ctx context.Context, source string) (*manager.BranchListing, error)
	ListRemoteBranches(ctx context.Context, source string) (*manager.RemoteBranches, error)
	GetRepositoryStatus(ctx context.Context, path string) (*metadata.Status, error)
	GetResource(ctx context.Context, source, branch, strategy, resource string) (*manager.Resource, error)
	SetRepoMapStatus(ctx context.Context, path, state, message string) error
	RemoveRepository(ctx context.Context, path string) error
	CleanupOverflow(ctx context.Context) *eviction.Result
	Stats(ctx context.Context) (*manager.Stats, error)
}

var _ Cache = (*manager.Manager)(nil)

// Server is the HTTP server for the repository cache.
type Server struct {
	config     Config
	cache      Cache
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a server answering from cache.
func New(cfg Config, cache Cache) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "localhost:8080"
	}

	s := &Server{
		config: cfg,
		cache:  cache,
		logger: cfg.Logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // remote branch listing can be slow
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// 404 unless the Prometheus exporter is enabled.
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("POST /repos/clone", s.handleClone)
	mux.HandleFunc("POST /repos/refresh", s.handleRefresh)
	mux.HandleFunc("GET /repos/branches", s.handleBranches)
	mux.HandleFunc("GET /repos/remote-branches", s.handleRemoteBranches)
	mux.HandleFunc("GET /repos/status", s.handleStatus)
	mux.HandleFunc("GET /repos/content", s.handleContent)
	mux.HandleFunc("PUT /repos/map-status", s.handleMapStatus)
	mux.HandleFunc("DELETE /repos", s.handleRemove)
	mux.HandleFunc("POST /admin/cleanup", s.handleCleanup)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = telemetry.InjectTags(r)
		r = r.WithContext(telemetry.WithRequestID(r.Context(), requestID))
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Strategy != "" {
			attrs = append(attrs, "cache_strategy", tags.Strategy)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "auth", s.config.AuthToken != "")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
