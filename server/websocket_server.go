package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/room4-2/revo-live/config"
	"github.com/room4-2/revo-live/messages"
	"github.com/room4-2/revo-live/session"
)

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	logger         *slog.Logger
}

func NewServer(cfg *config.Config, sessionManager *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		logger:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio frames
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes served by s.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start begins listening for connections. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("websocket server starting", "port", s.config.Port, "endpoint", fmt.Sprintf("ws://localhost:%d/ws", s.config.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	clientSession, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		s.logger.Warn("failed to create session", "error", err)
		code := messages.ErrCodeSessionFailed
		if errors.Is(err, session.ErrMaxSessions) {
			code = messages.ErrCodeRateLimited
		}
		if data, err := sonic.Marshal(messages.NewErrorMessage("", code, err.Error())); err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		_ = conn.Close()
		return
	}

	s.logger.Info("session created", "session_id", clientSession.ID)
	clientSession.Start()

	<-clientSession.CloseChan

	// Session is already closed; this drops it from the registry.
	_ = s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	s.logger.Info("session closed", "session_id", clientSession.ID)
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Live     bool   `json:"live"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body, err := sonic.Marshal(healthResponse{
		Status:   "ok",
		Sessions: s.sessionManager.GetActiveSessionCount(),
		Live:     s.config.HasGeminiKey(),
	})
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
