// Package web serves the status API and the WebSocket event stream.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"quilt-bridge/internal/reconcile"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /api/status.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// SystemStatus is one system's entry in the status API.
type SystemStatus struct {
	SystemID    string    `json:"system_id"`
	Name        string    `json:"name,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
	Connection  string    `json:"connection"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
}

// Server is the HTTP server for the status API.
type Server struct {
	rec            *reconcile.Reconciler
	systems        func() []SystemStatus
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a web server. systems reports per-system connection
// state for /api/status and /api/systems.
func NewServer(rec *reconcile.Reconciler, bus *reconcile.EventBus, systems func() []SystemStatus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		rec:     rec,
		systems: systems,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Every reconciler event goes out on the WebSocket stream.
	s.unsubEvents = bus.OnAll(func(event reconcile.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/systems", s.handleAPISystems)
	s.mux.HandleFunc("GET /api/spaces", s.handleAPIListSpaces)
	s.mux.HandleFunc("GET /api/spaces/{id}", s.handleAPIGetSpace)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ endpoints require a key. The WebSocket upgrade cannot
		// carry custom headers from a browser.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// spaceView is the API shape of a reconciled space.
type spaceView struct {
	SpaceID     string         `json:"space_id"`
	SystemID    string         `json:"system_id"`
	Name        string         `json:"name"`
	Fields      map[string]any `json:"fields"`
	Available   bool           `json:"available"`
	LastApplied time.Time      `json:"last_applied,omitempty"`
	LastSeen    time.Time      `json:"last_seen,omitempty"`
}

func toSpaceView(sp reconcile.Space) spaceView {
	return spaceView{
		SpaceID:     sp.SpaceID,
		SystemID:    sp.SystemID,
		Name:        sp.Name(),
		Fields:      sp.Fields,
		Available:   sp.Available,
		LastApplied: sp.LastApplied,
		LastSeen:    sp.LastSeen,
	}
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	systems := s.systems()
	healthy := len(systems) > 0
	for _, sys := range systems {
		if sys.Connection == "disconnected" {
			healthy = false
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version": s.version,
		"healthy": healthy,
		"systems": systems,
	})
}

func (s *Server) handleAPISystems(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.systems())
}

func (s *Server) handleAPIListSpaces(w http.ResponseWriter, r *http.Request) {
	spaces := s.rec.Spaces()
	views := make([]spaceView, 0, len(spaces))
	for _, sp := range spaces {
		views = append(views, toSpaceView(sp))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetSpace(w http.ResponseWriter, r *http.Request) {
	sp, ok := s.rec.Space(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "space not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, toSpaceView(sp))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
