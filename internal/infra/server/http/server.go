// Package httpserver exposes the read-only status API of a running strategy.
package httpserver

import (
	"net/http"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/dcabot/internal/app/strategy"
	"github.com/coachpo/dcabot/internal/infra/config"
)

const (
	healthPath = "/healthz"
	statusPath = "/status"

	readHeaderTimeout = 5 * time.Second
)

// StatusReporter supplies the strategy snapshot served on /status.
type StatusReporter interface {
	Status() strategy.Status
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	reporter    StatusReporter
}

// NewHandler builds the status API handler.
func NewHandler(environment config.Environment, reporter StatusReporter) http.Handler {
	server := &httpServer{environment: environment, reporter: reporter}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))
	return withCORS(mux)
}

// NewServer returns an http.Server for cfg, or nil when no address is configured.
func NewServer(cfg config.APIServerConfig, environment config.Environment, reporter StatusReporter) *http.Server {
	if cfg.Addr == "" {
		return nil
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(environment, reporter),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// getHealth answers 200 while the strategy runs and 503 otherwise.
func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	if s.reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "strategy not configured")
		return
	}
	status := s.reporter.Status()
	if !status.Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped", "connection": status.Connection})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "connection": status.Connection})
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	if s.reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "strategy not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"environment": s.environment,
		"strategy":    s.reporter.Status(),
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, method := range allowed {
		w.Header().Add("Allow", method)
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
