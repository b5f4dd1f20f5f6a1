// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/orchestrator"
	"github.com/kadirpekel/priam/pkg/protocol"
	"github.com/kadirpekel/priam/pkg/session"
)

// Server is the WebSocket front of the orchestrator.
type Server struct {
	cfg      *config.Config
	orc      *orchestrator.Orchestrator
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New builds the server around an orchestrator.
func New(cfg *config.Config, orc *orchestrator.Orchestrator) *Server {
	s := &Server{
		cfg: cfg,
		orc: orc,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	s.httpSrv = &http.Server{
		Addr:    cfg.Server.Address(),
		Handler: s.Router(),
	}
	return s
}

// Router builds the HTTP routes. Exposed for tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.Observability.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/ws/agent/{tenant_id}/{session_id}", s.handleSession)
	return r
}

// Start listens until ctx is cancelled, then drains connections within
// the configured grace window.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	grace := time.Duration(s.cfg.Server.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// handleSession upgrades the request and binds the connection to the
// session named in the URL.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	key := session.Key{
		TenantID:  chi.URLParam(r, "tenant_id"),
		SessionID: chi.URLParam(r, "session_id"),
	}
	if key.TenantID == "" || key.SessionID == "" {
		http.Error(w, "tenant_id and session_id are required", http.StatusBadRequest)
		return
	}

	sub, err := s.orc.Attach(r.Context(), key)
	if err != nil {
		slog.Warn("Session attach failed",
			"session", key.String(),
			"error", err)
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		sub.Unsubscribe()
		return
	}

	c := newWSConn(s, conn, key, sub)
	c.greet(protocol.NewConnectionAck(key.SessionID))
	c.run()
}

// checkOrigin enforces the configured origin allow list. Requests
// without an Origin header (non-browser clients) always pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
