// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gabzou364/wgpanel/internal/agent/config"
)

// Server implements the agent API on a tunnel host.
type Server struct {
	router    chi.Router
	config    *config.Config
	http      *http.Server
	wgManager *WireGuardManager
}

// NewServer creates a new agent server with all dependencies initialized.
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret not configured (set WGAGENT_SECRET)")
	}

	s := &Server{
		router:    chi.NewRouter(),
		config:    cfg,
		wgManager: NewWireGuardManager(cfg.ConfDir),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// setupMiddleware configures the middleware stack for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(120 * time.Second))
}

// setupRoutes configures all HTTP routes for the agent. Everything except
// /health and /v1/metrics sits behind HMAC verification.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/v1/metrics",
		promhttp.HandlerFor(prometheus.GathererFunc(s.gatherMetrics), promhttp.HandlerOpts{}))

	s.router.Group(func(r chi.Router) {
		r.Use(s.hmacMiddleware)

		r.Get("/v1/status", s.handleStatus)

		r.Route("/v1/wg/{interface}", func(wg chi.Router) {
			wg.Get("/dump", s.handleDump)
			wg.Post("/peers", s.handleAddPeer)
			wg.Put("/peers/{public_key}", s.handleUpdatePeer)
			wg.Delete("/peers/{public_key}", s.handleDeletePeer)
			wg.Post("/syncconf", s.handleSyncConf)
			wg.Get("/config", s.handleGetInterfaceConfig)
			wg.Put("/config", s.handlePutInterfaceConfig)
			wg.Post("/enable", s.handleEnableInterface)
			wg.Post("/disable", s.handleDisableInterface)
			wg.Delete("/", s.handleDeleteInterface)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router returns the underlying router (useful for testing).
func (s *Server) Router() chi.Router {
	return s.router
}
