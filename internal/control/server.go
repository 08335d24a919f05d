// Package control provides a Unix socket control interface for a running
// s2p process.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/postalsys/s2p/internal/server"
)

// AgentInfo provides process state for the control interface.
type AgentInfo interface {
	// IsRunning returns true if the agent is running.
	IsRunning() bool

	// ServerFingerprint returns the server certificate fingerprint, or ""
	// without a server role.
	ServerFingerprint() string

	// Stats returns carrier and session counters.
	Stats() server.Stats

	// Sessions returns the active server sessions.
	Sessions() []server.SessionInfo

	// CloseSession closes one session and reports whether it existed.
	CloseSession(id uint64) bool
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Running           bool   `json:"running"`
	ServerFingerprint string `json:"server_fingerprint,omitempty"`
	Peers             int    `json:"peers"`
	Sessions          int    `json:"sessions"`
	TCPSessions       int    `json:"tcp_sessions"`
	UDPSessions       int    `json:"udp_sessions"`
}

// SessionsResponse is the response for the sessions endpoint.
type SessionsResponse struct {
	Sessions []server.SessionInfo `json:"sessions"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./s2p.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	agent    AgentInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, agent AgentInfo) *Server {
	s := &Server{
		cfg:   cfg,
		agent: agent,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSession)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server. A stale socket file left by a previous
// process is replaced.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	// Only the owner may drive the process.
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server and removes the socket file.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.agent.Stats()
	writeJSON(w, http.StatusOK, StatusResponse{
		Running:           s.agent.IsRunning(),
		ServerFingerprint: s.agent.ServerFingerprint(),
		Peers:             st.Peers,
		Sessions:          st.Sessions,
		TCPSessions:       st.TCPSessions,
		UDPSessions:       st.UDPSessions,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := s.agent.Sessions()
	if sessions == nil {
		sessions = []server.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

// handleSession closes one session: DELETE /sessions/{id}.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.ParseUint(strings.TrimPrefix(r.URL.Path, "/sessions/"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if !s.agent.CloseSession(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
