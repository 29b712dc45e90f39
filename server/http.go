// Package server provides the HTTP front door of the offline cache: the
// interceptor for application traffic plus the /_offline control routes.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/offline-cache/connectivity"
	"github.com/wolfeidau/offline-cache/store/cachestore"
	"github.com/wolfeidau/offline-cache/store/queue"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// ControlPrefix is the path prefix of the control routes. Everything else
// is application traffic.
const ControlPrefix = "/_offline"

const classInternal = "internal"

// CacheInspector reports cache store statistics.
type CacheInspector interface {
	Stats(ctx context.Context) (cachestore.Stats, error)
}

// QueueInspector exposes the offline queue to the control routes.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	List(ctx context.Context) ([]queue.Record, error)
	ListUnsynced(ctx context.Context) ([]queue.Record, error)
	Get(ctx context.Context, id uint64) (*queue.Record, error)
	ListEquipment(ctx context.Context, datasetID uint64) ([]queue.EquipmentRow, error)
	Remove(ctx context.Context, id uint64) error
}

// Connectivity is the reconciler as seen by the control routes.
type Connectivity interface {
	Online() bool
	Drain(ctx context.Context) (bool, error)
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AdminToken guards the mutating control routes. Empty disables the check.
	AdminToken string

	// Handler serves application traffic, normally the interceptor.
	Handler http.Handler

	Cache        CacheInspector
	Queue        QueueInspector
	Connectivity Connectivity
	Hub          *connectivity.Hub

	// Signals receives platform connectivity reports posted to
	// /_offline/connectivity.
	Signals chan<- connectivity.Signal

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the offline cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	handler    http.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Handler == nil {
		return nil, errors.New("server: an application handler is required")
	}
	if cfg.Cache == nil || cfg.Queue == nil || cfg.Connectivity == nil || cfg.Hub == nil {
		return nil, errors.New("server: cache, queue, connectivity and hub are required")
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// No write timeout: /_offline/events holds its connection open.
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("GET "+ControlPrefix+"/health", internal(s.handleHealth))
	mux.Handle("GET "+ControlPrefix+"/stats", internal(s.handleStats))
	mux.Handle("GET "+ControlPrefix+"/metrics", internal(telemetry.PrometheusHandler().ServeHTTP))
	mux.Handle("GET "+ControlPrefix+"/status", internal(s.handleStatus))
	mux.Handle("GET "+ControlPrefix+"/events", internal(s.handleEvents))

	mux.Handle("POST "+ControlPrefix+"/connectivity", internal(s.requireToken(s.handleConnectivity)))
	mux.Handle("POST "+ControlPrefix+"/sync", internal(s.requireToken(s.handleSync)))

	mux.Handle("GET "+ControlPrefix+"/datasets", internal(s.handleDatasets))
	mux.Handle("GET "+ControlPrefix+"/datasets/{id}/equipment", internal(s.handleEquipment))
	mux.Handle("DELETE "+ControlPrefix+"/datasets/{id}", internal(s.requireToken(s.handleRemoveDataset)))

	// Everything else is application traffic.
	mux.Handle("/", s.config.Handler)
}

// internal tags control routes so they are reported apart from app traffic.
func internal(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetClass(r, classInternal)
		telemetry.SetCacheResult(r, telemetry.CacheNA)
		h(w, r)
	})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Online bool             `json:"online"`
	Cache  cachestore.Stats `json:"cache"`
	Queue  queue.Stats      `json:"queue"`
}

// handleStats reports cache and queue statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	cacheStats, err := s.config.Cache.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, "reading cache stats", err)
		return
	}
	queueStats, err := s.config.Queue.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, "reading queue stats", err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Online: s.config.Connectivity.Online(),
		Cache:  cacheStats,
		Queue:  queueStats,
	})
}

type statusResponse struct {
	Online   bool `json:"online"`
	Unsynced int  `json:"unsynced"`
}

// handleStatus answers the current connectivity state. Consumers that
// attach to /_offline/events late use this instead of a replay.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.config.Queue.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, "reading queue stats", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Online:   s.config.Connectivity.Online(),
		Unsynced: stats.Unsynced,
	})
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// handleConnectivity accepts a platform online/offline report.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, `body must be {"online":true|false}`)
		return
	}
	if s.config.Signals == nil {
		writeError(w, http.StatusServiceUnavailable, "connectivity signals are not accepted")
		return
	}

	sig := connectivity.Signal{Online: *req.Online, Source: connectivity.SourceHTTP}
	select {
	case s.config.Signals <- sig:
	case <-r.Context().Done():
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"online": sig.Online})
}

// handleSync runs a drain pass now.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.config.Connectivity.Online() {
		writeError(w, http.StatusConflict, "offline")
		return
	}
	completed, err := s.config.Connectivity.Drain(r.Context())
	if err != nil {
		s.internalError(w, r, "draining queue", err)
		return
	}
	stats, err := s.config.Queue.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, "reading queue stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"completed": completed,
		"unsynced":  stats.Unsynced,
	})
}

// handleDatasets lists queued records, newest last. ?unsynced=true limits
// the list to records still waiting for replay.
func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	var (
		records []queue.Record
		err     error
	)
	if unsynced, _ := strconv.ParseBool(r.URL.Query().Get("unsynced")); unsynced {
		records, err = s.config.Queue.ListUnsynced(r.Context())
	} else {
		records, err = s.config.Queue.List(r.Context())
	}
	if err != nil {
		s.internalError(w, r, "listing datasets", err)
		return
	}
	if records == nil {
		records = []queue.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleEquipment lists the equipment rows stored with a queued dataset.
func (s *Server) handleEquipment(w http.ResponseWriter, r *http.Request) {
	id, ok := datasetID(w, r)
	if !ok {
		return
	}
	if _, err := s.config.Queue.Get(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dataset not found")
			return
		}
		s.internalError(w, r, "reading dataset", err)
		return
	}
	rows, err := s.config.Queue.ListEquipment(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "listing equipment", err)
		return
	}
	if rows == nil {
		rows = []queue.EquipmentRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleRemoveDataset deletes a synced record.
func (s *Server) handleRemoveDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := datasetID(w, r)
	if !ok {
		return
	}
	err := s.config.Queue.Remove(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "dataset not found")
	case errors.Is(err, queue.ErrUnsynced):
		writeError(w, http.StatusConflict, "dataset has not been synced")
	default:
		s.internalError(w, r, "removing dataset", err)
	}
}

func datasetID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dataset id")
		return 0, false
	}
	return id, true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
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

		// Inject request tags so handlers can set class, cache_result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Class != "" {
			attrs = append(attrs, "class", tags.Class)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		if tags.Class == classInternal {
			s.logger.Debug("http request", attrs...)
		} else {
			s.logger.Info("http request", attrs...)
		}

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Hijacked websocket
// connections are not tracked by http.Server; closing the hub ends them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.config.Hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
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

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for the websocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		rw.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
