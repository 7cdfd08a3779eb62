// Package api implements the mcpvisor status API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/nugget/mcpvisor/internal/buildinfo"
	"github.com/nugget/mcpvisor/internal/events"
	"github.com/nugget/mcpvisor/internal/manager"
	"github.com/nugget/mcpvisor/internal/mcp"
)

// requestIDHeader carries the per-request correlation ID.
const requestIDHeader = "X-Request-Id"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP status API server.
type Server struct {
	address string
	port    int
	manager *manager.Manager
	bus     *events.Bus
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
	done   chan struct{}
}

// NewServer creates a new API server. bus may be nil, which disables
// the event stream.
func NewServer(address string, port int, mgr *manager.Manager, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		manager: mgr,
		bus:     bus,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Handler returns the API routes with CORS, request IDs and request
// logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Servers
	mux.HandleFunc("GET /v1/servers", s.handleServerList)
	mux.HandleFunc("GET /v1/servers/{name}", s.handleServerGet)
	mux.HandleFunc("POST /v1/servers/{name}/restart", s.handleServerRestart)
	mux.HandleFunc("POST /v1/servers/{name}/health", s.handleServerHealth)
	mux.HandleFunc("GET /v1/servers/{name}/tools", s.handleServerTools)
	mux.HandleFunc("GET /v1/tools", s.handleCatalog)

	// Lifecycle event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		ExposedHeaders: []string{requestIDHeader},
	})
	return c.Handler(s.withLogging(mux))
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // restart and health checks wait on servers
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return http.ErrServerClosed
	default:
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server and ends open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set(requestIDHeader, id)

		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", id,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    buildinfo.Name,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// healthResponse summarizes the fleet. Status is "degraded" when any
// live server failed its last health check.
type healthResponse struct {
	Status  string `json:"status"`
	Servers int    `json:"servers"`
	Healthy int    `json:"healthy"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	for _, st := range s.manager.Status() {
		resp.Servers++
		if st.Healthy && st.Connected {
			resp.Healthy++
		}
	}
	if resp.Healthy < resp.Servers {
		resp.Status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": s.manager.Status()}, s.logger)
}

func (s *Server) handleServerGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	conn, ok := s.manager.Connection(name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "server not found: "+name)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conn.Status(), s.logger)
}

func (s *Server) handleServerRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	conn, err := s.manager.RestartServer(r.Context(), name)
	if err != nil {
		s.managerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conn.Status(), s.logger)
}

// healthCheckResponse is the JSON form of manager.HealthResult.
type healthCheckResponse struct {
	Server    string `json:"server"`
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	res := s.manager.HealthCheck(r.Context(), name)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, healthCheckResponse{
		Server:    name,
		Healthy:   res.Healthy,
		LatencyMS: res.Latency.Milliseconds(),
		ToolCount: res.ToolCount,
		Error:     res.Error,
	}, s.logger)
}

func (s *Server) handleServerTools(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tools, err := s.manager.Tools(r.Context(), name)
	if err != nil {
		s.managerError(w, err)
		return
	}
	conn, ok := s.manager.Connection(name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "server not found: "+name)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"server": name,
		"tools":  mcp.Catalog(name, tools, conn.Config.Filter()),
	}, s.logger)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	tools := s.manager.Catalog(r.Context())
	if tools == nil {
		tools = []mcp.CatalogEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": tools}, s.logger)
}

// managerError maps manager and MCP errors onto HTTP statuses.
func (s *Server) managerError(w http.ResponseWriter, err error) {
	var rpcErr *mcp.RPCError
	switch {
	case errors.Is(err, manager.ErrServerNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	case mcp.IsCode(err, mcp.ErrTimeout):
		s.errorResponse(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &rpcErr), mcp.CodeOf(err) != "":
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	default:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
