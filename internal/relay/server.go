package relay

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ssd-technologies/obscura/internal/storage"
)

// Config holds the relay's tunable limits.
type Config struct {
	CommandTimeout   time.Duration // per node command
	SessionTTL       time.Duration // transfer session inactivity deadline
	FrameSize        int           // max payload bytes per binary frame
	MaxAttemptsPerIP int           // connection attempts per window
	AttemptWindow    time.Duration
	MaxConnsPerIP    int // concurrent node links per IP
}

// DefaultConfig returns the limits used when a field is zero.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:   30 * time.Second,
		SessionTTL:       2 * time.Minute,
		FrameSize:        256 * 1024,
		MaxAttemptsPerIP: 10,
		AttemptWindow:    time.Minute,
		MaxConnsPerIP:    5,
	}
}

// Server is the relay's HTTP surface: the chunk API consumed by clients and
// the websocket endpoint node agents connect to.
type Server struct {
	db       *storage.DB
	auth     Authorizer
	registry *Registry
	sessions *SessionManager
	guard    *Guard
	cfg      Config
	mux      *http.ServeMux
}

// New creates a Server with all routes registered. Zero Config fields fall
// back to DefaultConfig values.
func New(db *storage.DB, auth Authorizer, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = def.FrameSize
	}
	if cfg.MaxAttemptsPerIP <= 0 {
		cfg.MaxAttemptsPerIP = def.MaxAttemptsPerIP
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = def.AttemptWindow
	}
	if cfg.MaxConnsPerIP <= 0 {
		cfg.MaxConnsPerIP = def.MaxConnsPerIP
	}

	registry := NewRegistry()
	s := &Server{
		db:       db,
		auth:     auth,
		registry: registry,
		sessions: NewSessionManager(cfg.SessionTTL),
		guard:    NewGuard(cfg.MaxAttemptsPerIP, cfg.AttemptWindow, cfg.MaxConnsPerIP, registry.CountForIP),
		cfg:      cfg,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Registry exposes the connection registry (used by the node deletion
// handler and by tests).
func (s *Server) Registry() *Registry { return s.registry }

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health and stats
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	// Node lifecycle
	s.mux.HandleFunc("POST /api/nodes", s.handleRegisterNode)
	s.mux.HandleFunc("GET /api/nodes", s.handleListNodes)
	s.mux.HandleFunc("DELETE /api/nodes/{nodeID}", s.handleDeleteNode)

	// Chunk data path
	s.mux.HandleFunc("GET /api/nodes/{nodeID}/chunks/{chunkID}", s.handleFetchChunk)
	s.mux.HandleFunc("POST /api/nodes/{nodeID}/chunks/{chunkID}", s.handleStoreChunk)
	s.mux.HandleFunc("DELETE /api/nodes/{nodeID}/chunks/{chunkID}", s.handleDeleteChunk)
	s.mux.HandleFunc("PUT /api/nodes/{nodeID}/chunks/{chunkID}", s.handleFinalizeUpload)

	// Multi-frame transfer sessions
	s.mux.HandleFunc("POST /api/nodes/{nodeID}/chunks/upload-sessions", s.handleOpenUploadSession)
	s.mux.HandleFunc("POST /api/nodes/{nodeID}/chunks/upload-sessions/{sessionID}", s.handleUploadSessionData)
	s.mux.HandleFunc("POST /api/nodes/{nodeID}/chunks/download-sessions", s.handleDownloadSession)

	// Node transport
	s.mux.HandleFunc("GET /ws/node", s.handleNodeSocket)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "obscura-relay",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	total, online, err := s.db.CountNodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count nodes: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes_total":      total,
		"nodes_online":     online,
		"nodes_connected":  s.registry.Snapshot(),
		"commands_pending": s.registry.PendingCommands(),
		"sessions_live":    s.sessions.Len(),
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// getIP extracts the client IP from a request, respecting X-Forwarded-For
// for proxied deployments.
func getIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
