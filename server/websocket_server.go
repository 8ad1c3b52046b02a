// Package server exposes the duplex endpoint plus health and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"voicepipe/config"
	"voicepipe/orchestrator"
	"voicepipe/session"
)

// Server accepts client connections and hands each one to an
// orchestrator.Conn bound to a fresh session.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	store      *session.Store
	deps       orchestrator.Deps
	opts       orchestrator.Options
	config     *config.Config
	log        *zap.Logger
}

// New builds the HTTP server and its routes.
func New(cfg *config.Config, store *session.Store, deps orchestrator.Deps, opts orchestrator.Options, logger *zap.Logger) *Server {
	s := &Server{
		store:  store,
		deps:   deps,
		opts:   opts,
		config: cfg,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
		// No ReadTimeout/WriteTimeout; they would cut long-lived
		// websocket connections. The connection layer sets its own
		// write deadlines.
	}

	return s
}

// Start begins listening for connections.
func (s *Server) Start() error {
	s.log.Info("websocket server starting",
		zap.Int("port", s.config.Port),
		zap.String("endpoint", fmt.Sprintf("ws://localhost:%d/ws", s.config.Port)))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.store.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn, err := orchestrator.New(r.Context(), wsConn, s.store, s.deps, s.opts, s.log)
	if err != nil {
		s.log.Warn("failed to create session", zap.Error(err))
		_ = wsConn.WriteJSON(map[string]string{"type": "error", "message": err.Error()})
		wsConn.Close()
		return
	}

	s.log.Info("session opened", zap.String("session", conn.ID))
	conn.Start()

	<-conn.CloseChan

	s.store.Remove(context.Background(), conn.ID)
	s.log.Info("session closed", zap.String("session", conn.ID))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.store.Len())
}
