// Package server provides the HTTP and WebSocket front end for gdbmux.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/workspace/gdbmux/internal/config"
	"github.com/workspace/gdbmux/internal/idle"
	"github.com/workspace/gdbmux/internal/logging"
	"github.com/workspace/gdbmux/internal/metrics"
	"github.com/workspace/gdbmux/internal/persistence"
	"github.com/workspace/gdbmux/internal/session"
	"github.com/workspace/gdbmux/internal/sysinfo"
)

// Options holds the collaborators a Server is built from.
type Options struct {
	Config      *config.Config
	Multiplexer *session.Multiplexer
	Store       *persistence.Store // optional
	Metrics     *metrics.Metrics   // optional
	SysInfo     *sysinfo.Collector // optional
	Reaper      *idle.Reaper       // optional
}

// Server is the HTTP server for gdbmux.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	mux        *session.Multiplexer
	store      *persistence.Store
	metrics    *metrics.Metrics
	sysInfo    *sysinfo.Collector
	reaper     *idle.Reaper
	hub        *hub
	done       chan struct{}
	stopOnce   sync.Once
}

// New creates a new server instance.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	if opts.Multiplexer == nil {
		return nil, errors.New("server: multiplexer is required")
	}

	sysInfo := opts.SysInfo
	if sysInfo == nil {
		sysInfo = sysinfo.NewCollector(sysinfo.CollectorConfig{})
	}

	s := &Server{
		config:  opts.Config,
		mux:     opts.Multiplexer,
		store:   opts.Store,
		metrics: opts.Metrics,
		sysInfo: sysInfo,
		reaper:  opts.Reaper,
		hub:     newHub(),
		done:    make(chan struct{}),
	}

	opts.Multiplexer.SetBackendExitHandler(func(pid int, orphans []string) {
		slog.Info("gdb exited", "pid", pid, "clients", len(orphans))
		s.notifyExited(orphans, pid)
	})

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        opts.Config.Addr(),
		Handler:     corsMiddleware(mux, opts.Config.AllowedOrigins),
		ReadTimeout: opts.Config.HTTPReadTimeout,
		IdleTimeout: opts.Config.HTTPIdleTimeout,
		ErrorLog:    logging.ErrorLog("http"),
	}

	return s, nil
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	slog.Info("Starting gdbmux", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server. Backends are not terminated here; the
// caller runs Multiplexer.ExitAll first.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		// Signal pumps and WebSocket handlers to stop.
		close(s.done)
	})
	s.hub.closeAll()

	// Close persistence store
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Failed to close persistence store", "error", err)
		}
	}

	// Shutdown HTTP server
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health and introspection
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /dashboard", s.handleDashboard)
	mux.HandleFunc("GET /dashboard/history", s.handleDashboardHistory)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Session lifecycle
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /kill_session", s.handleKillSession)

	// gdb traffic
	mux.HandleFunc("POST /run_gdb_command", s.handleRunGdbCommand)
	mux.HandleFunc("GET /get_gdb_response", s.handleGetGdbResponse)
	mux.HandleFunc("GET /gdb_console", s.handleGdbConsole)
	mux.HandleFunc("GET /read_file", s.handleReadFile)

	// Push channel
	mux.HandleFunc("GET /ws", s.handleWS)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			// Support wildcard subdomain patterns like "https://*.example.com"
			if strings.Contains(o, "*") && matchWildcardOrigin(origin, o) {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+clientIDHeader)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
