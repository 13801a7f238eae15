// Package web bridges workspace sessions to browser clients over
// WebSocket, with a small JSON API for workspace lifecycle.
package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/werkstatt/internal/config"
	"github.com/codefionn/werkstatt/internal/controller"
	"github.com/codefionn/werkstatt/internal/logger"
)

const authTokenLength = 32

// Server represents the web server
type Server struct {
	addr       string
	authToken  string
	httpServer *http.Server
	cfg        *config.Config
	sessions   *controller.Manager
	hub        *Hub
	debug      bool
}

// NewServer creates a new web server over the session manager.
func NewServer(cfg *config.Config, sessions *controller.Manager, debug bool) (*Server, error) {
	token, err := generateAuthToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate auth token: %w", err)
	}

	return &Server{
		addr:      cfg.ListenAddr,
		authToken: token,
		cfg:       cfg,
		sessions:  sessions,
		hub:       NewHub(),
		debug:     debug,
	}, nil
}

// routes builds the HTTP routing table.
func (s *Server) routes() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", s.handleHealth)
	router.GET("/api/workspaces", s.withAuth(s.handleWorkspaces))
	router.POST("/api/workspaces/dispose", s.withAuth(s.handleDispose))
	router.POST("/api/workspaces/resume", s.withAuth(s.handleResume))
	router.GET("/ws", s.withAuth(s.handleWebSocket))
	return router
}

// Start starts the web server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go s.hub.Run()

	go func() {
		logger.Info("Web server listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the web server
func (s *Server) Stop() error {
	logger.Info("Stopping web server...")

	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

// GetURL returns the server URL with auth token
func (s *Server) GetURL() string {
	return fmt.Sprintf("http://%s/?token=%s", s.addr, s.authToken)
}

// AuthToken returns the token clients must present.
func (s *Server) AuthToken() string {
	return s.authToken
}

// withAuth rejects requests that do not carry the auth token.
func (s *Server) withAuth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if r.URL.Query().Get("token") != s.authToken {
			logger.Warn("Request rejected: invalid auth token (%s)", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWorkspaces lists the live sessions.
func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	infos := make([]WorkspaceInfo, 0)
	for _, id := range s.sessions.Workspaces() {
		c, ok := s.sessions.Peek(id)
		if !ok {
			continue
		}
		infos = append(infos, WorkspaceInfo{
			ID:        id,
			Streaming: c.Streaming(),
			Queued:    len(c.QueuedMessages()),
		})
	}
	s.writeJSON(w, infos)
}

type workspaceRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

// handleDispose tears down a workspace's session.
func (s *Server) handleDispose(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req workspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkspaceID == "" {
		http.Error(w, "workspace_id required", http.StatusBadRequest)
		return
	}

	s.sessions.Dispose(req.WorkspaceID)
	s.hub.Broadcast(&WebMessage{
		Type:        MessageTypeSystem,
		WorkspaceID: req.WorkspaceID,
		Content:     "workspace closed",
	})
	s.writeJSON(w, map[string]string{"status": "disposed"})
}

// handleResume reconciles a workspace's session after a restart.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req workspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkspaceID == "" {
		http.Error(w, "workspace_id required", http.StatusBadRequest)
		return
	}

	session, err := s.sessions.Get(req.WorkspaceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := session.Resume(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"status": "resumed"})
}

// handleWebSocket upgrades the connection and binds it to the requested
// workspace's session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	workspaceID := r.URL.Query().Get("workspace")
	session, err := s.sessions.Get(workspaceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins for local development
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket: %v", err)
		return
	}

	client := NewClient(s.hub, conn, session, s.debug)
	s.hub.Register(client)

	go client.WritePump()
	go client.ForwardEvents()
	go client.ReadPump()
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response: %v", err)
	}
}

// generateAuthToken generates a random auth token
func generateAuthToken() (string, error) {
	bytes := make([]byte, authTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
