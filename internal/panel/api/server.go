// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package api is the panel's north-bound orchestration REST surface.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gabzou364/wgpanel/internal/panel/agentclient"
	"github.com/gabzou364/wgpanel/internal/panel/auth"
	"github.com/gabzou364/wgpanel/internal/panel/config"
	"github.com/gabzou364/wgpanel/internal/panel/dnssync"
	"github.com/gabzou364/wgpanel/internal/panel/migration"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// Store is the panel persistence surface the handlers use.
type Store interface {
	CreateNode(ctx context.Context, node *store.Node, firstInterface *store.NodeInterface) error
	GetNode(ctx context.Context, id string) (*store.Node, error)
	ListNodes(ctx context.Context) ([]*store.Node, error)
	ListEnabledNodes(ctx context.Context) ([]*store.Node, error)
	UpdateNode(ctx context.Context, node *store.Node) error
	SetNodeEnabled(ctx context.Context, id string, enabled bool) error
	DeleteNode(ctx context.Context, id string) error

	CreateInterface(ctx context.Context, iface *store.NodeInterface) error
	GetInterface(ctx context.Context, nodeID, id string) (*store.NodeInterface, error)
	FirstEnabledInterface(ctx context.Context, nodeID string) (*store.NodeInterface, error)
	ListInterfaces(ctx context.Context, nodeID string) ([]*store.NodeInterface, error)
	UpdateInterface(ctx context.Context, iface *store.NodeInterface) error
	SetInterfaceEnabled(ctx context.Context, nodeID, id string, enabled bool) error
	DeleteInterface(ctx context.Context, nodeID, id string) error

	CreatePeer(ctx context.Context, peer *store.Peer) error
	GetPeer(ctx context.Context, configName, publicKey string) (*store.Peer, error)
	ListPeersByNode(ctx context.Context, nodeID string) ([]*store.Peer, error)
	CountPeersByNode(ctx context.Context, nodeID string) (int, error)
	DeletePeer(ctx context.Context, peerID string) error
	SetPeerRestricted(ctx context.Context, peerID string, restricted bool) error

	CountAllocations(ctx context.Context, nodeID string) (int, error)

	AssignNodeToConfig(ctx context.Context, configName, nodeID string) (*store.ConfigNode, error)
	RemoveNodeFromConfig(ctx context.Context, configName, nodeID string) error
	ListNodesForConfig(ctx context.Context, configName string) ([]*store.ConfigNode, error)
	ListConfigsForNode(ctx context.Context, nodeID string) ([]*store.ConfigNode, error)

	UpsertEndpointGroup(ctx context.Context, eg *store.EndpointGroup) error
	GetEndpointGroup(ctx context.Context, configName string) (*store.EndpointGroup, error)

	InsertAuditLog(ctx context.Context, entry *store.AuditLog) error
	QueryAuditLogs(ctx context.Context, filter store.AuditFilter) ([]*store.AuditLog, error)
}

// Selector picks a node for a new peer.
type Selector interface {
	Select(ctx context.Context, strategy string, groupID *string) (*store.Node, error)
}

// Allocator hands out pool addresses.
type Allocator interface {
	Allocate(ctx context.Context, nodeID, peerID, poolCIDR string) (string, error)
	Deallocate(ctx context.Context, nodeID, peerID string) error
}

// Migrator relocates peers off a node.
type Migrator interface {
	MigrateFromNode(ctx context.Context, configName, sourceNodeID, destinationNodeID string) (*migration.Result, error)
}

// DNSSyncer reconciles a configuration's DNS records.
type DNSSyncer interface {
	SyncConfig(ctx context.Context, configName string) (*dnssync.SyncResult, error)
}

// AuthStore validates API keys.
type AuthStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*auth.APIKey, error)
	UpdateLastUsed(ctx context.Context, id string) error
}

// AgentAPI is the per-node agent surface the handlers drive.
type AgentAPI interface {
	Health(ctx context.Context) (*agentclient.HealthReport, error)
	Dump(ctx context.Context, iface string) (*agentclient.InterfaceDump, error)
	AddPeer(ctx context.Context, iface string, req agentclient.AddPeerRequest) error
	UpdatePeer(ctx context.Context, iface, publicKey string, req agentclient.UpdatePeerRequest) error
	DeletePeer(ctx context.Context, iface, publicKey string) error
	GetInterfaceConfig(ctx context.Context, iface string) (*agentclient.InterfaceConfig, error)
	PutInterfaceConfig(ctx context.Context, iface string, cfg agentclient.InterfaceConfig) (bool, error)
	EnableInterface(ctx context.Context, iface string) (bool, error)
	DisableInterface(ctx context.Context, iface string) (bool, error)
	DeleteInterface(ctx context.Context, iface string) error
}

// Deps bundles everything the server needs.
type Deps struct {
	Store     Store
	AuthStore AuthStore
	Selector  Selector
	Allocator Allocator
	Migrator  Migrator
	DNS       DNSSyncer

	// ClientFor builds an agent client for a node; replaceable in tests.
	ClientFor func(node *store.Node) AgentAPI
}

// Server is the orchestration HTTP API server.
type Server struct {
	router     *chi.Mux
	store      Store
	authStore  AuthStore
	selector   Selector
	alloc      Allocator
	migrator   Migrator
	dns        DNSSyncer
	clientFor  func(node *store.Node) AgentAPI
	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.ClientFor == nil {
		deps.ClientFor = func(node *store.Node) AgentAPI {
			return agentclient.NewClient(node.AgentURL, node.SharedSecret)
		}
	}

	s := &Server{
		router:    chi.NewRouter(),
		store:     deps.Store,
		authStore: deps.AuthStore,
		selector:  deps.Selector,
		alloc:     deps.Allocator,
		migrator:  deps.Migrator,
		dns:       deps.DNS,
		clientFor: deps.ClientFor,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupMiddleware configures global middleware.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Public routes
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/api/nodes", func(nodes chi.Router) {
			nodes.Get("/", s.handleListNodes)
			nodes.Get("/enabled", s.handleListEnabledNodes)
			nodes.Post("/", s.handleCreateNode)

			nodes.Route("/{node_id}", func(node chi.Router) {
				node.Get("/", s.handleGetNode)
				node.Put("/", s.handleUpdateNode)
				node.Post("/toggle", s.handleToggleNode)
				node.Delete("/", s.handleDeleteNode)
				node.Post("/test", s.handleTestNode)

				node.Route("/interfaces", func(ifaces chi.Router) {
					ifaces.Get("/", s.handleListInterfaces)
					ifaces.Post("/", s.handleCreateInterface)
					ifaces.Route("/{interface_id}", func(iface chi.Router) {
						iface.Get("/", s.handleGetInterface)
						iface.Put("/", s.handleUpdateInterface)
						iface.Delete("/", s.handleDeleteInterface)
						iface.Post("/toggle", s.handleToggleInterface)
						iface.Post("/sync", s.handleSyncInterface)
						iface.Post("/enable", s.handleEnableInterface)
						iface.Post("/disable", s.handleDisableInterface)
					})
				})
			})
		})

		r.Route("/api/drift", func(drift chi.Router) {
			drift.Get("/nodes", s.handleDriftAllNodes)
			drift.Get("/nodes/{node_id}", s.handleDriftNode)
			drift.Post("/nodes/{node_id}/reconcile", s.handleReconcileNode)
		})

		r.Route("/api/configs/{config_name}", func(cfg chi.Router) {
			cfg.Get("/nodes", s.handleListConfigNodes)
			cfg.Post("/nodes", s.handleAssignNode)
			cfg.Delete("/nodes/{node_id}", s.handleRemoveNodeFromConfig)

			cfg.Get("/endpoint-group", s.handleGetEndpointGroup)
			cfg.Post("/endpoint-group", s.handleUpsertEndpointGroup)
			cfg.Post("/sync-dns", s.handleSyncDNS)

			cfg.Post("/peers", s.handleCreatePeer)
			cfg.Delete("/peers/{public_key}", s.handleDeletePeer)
			cfg.Post("/peers/{public_key}/restrict", s.handleRestrictPeer)
			cfg.Post("/peers/{public_key}/allow", s.handleAllowPeer)
		})

		// Back-compat alias kept for older panel clients.
		r.Post("/api/addPeers/{config_name}", s.handleCreatePeer)

		r.Get("/api/audit-logs", s.handleQueryAuditLogs)
	})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// audit appends an audit entry; failures are logged, never surfaced.
func (s *Server) audit(r *http.Request, action, entityType, entityID string, details interface{}) {
	detailJSON, _ := json.Marshal(details)
	err := s.store.InsertAuditLog(r.Context(), &store.AuditLog{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    string(detailJSON),
		Actor:      actorFrom(r),
	})
	if err != nil {
		log.Printf("api: audit write failed: %v", err)
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router returns the underlying router (useful for testing).
func (s *Server) Router() chi.Router {
	return s.router
}
