// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gabzou364/wgpanel/internal/panel/alloc"
	"github.com/gabzou364/wgpanel/internal/panel/migration"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// InterfaceRequest is the wire form of a node interface on create/update.
type InterfaceRequest struct {
	InterfaceName string `json:"interface_name"`
	Endpoint      string `json:"endpoint"`
	IPPoolCIDR    string `json:"ip_pool_cidr"`
	ListenPort    *int   `json:"listen_port,omitempty"`
	Address       string `json:"address,omitempty"`
	PrivateKey    string `json:"private_key,omitempty"`
	PostUp        string `json:"post_up,omitempty"`
	PreDown       string `json:"pre_down,omitempty"`
	MTU           *int   `json:"mtu,omitempty"`
	DNS           string `json:"dns,omitempty"`
	Table         string `json:"table,omitempty"`
	Enabled       *bool  `json:"enabled,omitempty"`
}

func (r *InterfaceRequest) toModel(nodeID string) *store.NodeInterface {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &store.NodeInterface{
		NodeID:        nodeID,
		InterfaceName: r.InterfaceName,
		Endpoint:      r.Endpoint,
		IPPoolCIDR:    r.IPPoolCIDR,
		ListenPort:    r.ListenPort,
		Address:       r.Address,
		PrivateKey:    r.PrivateKey,
		PostUp:        r.PostUp,
		PreDown:       r.PreDown,
		MTU:           r.MTU,
		DNS:           r.DNS,
		Table:         r.Table,
		Enabled:       enabled,
	}
}

// CreateNodeRequest is the body of POST /api/nodes. The singular
// wg_interface/ip_pool_cidr pair is the back-compat path: it becomes the
// node's first interface.
type CreateNodeRequest struct {
	Name         string  `json:"name"`
	AgentURL     string  `json:"agent_url"`
	SharedSecret string  `json:"shared_secret"`
	Endpoint     string  `json:"endpoint"`
	GroupID      *string `json:"group_id,omitempty"`
	Enabled      *bool   `json:"enabled,omitempty"`
	Weight       int     `json:"weight,omitempty"`
	MaxPeers     int     `json:"max_peers,omitempty"`

	WGInterface string `json:"wg_interface,omitempty"`
	IPPoolCIDR  string `json:"ip_pool_cidr,omitempty"`

	Interfaces []InterfaceRequest `json:"interfaces,omitempty"`
}

// handleCreateNode handles POST /api/nodes.
func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}
	if req.Name == "" || req.AgentURL == "" || req.SharedSecret == "" {
		respondError(w, http.StatusBadRequest, KindValidation, "name, agent_url and shared_secret are required")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	node := &store.Node{
		Name:         req.Name,
		AgentURL:     req.AgentURL,
		SharedSecret: req.SharedSecret,
		Endpoint:     req.Endpoint,
		GroupID:      req.GroupID,
		Enabled:      enabled,
		Weight:       req.Weight,
		MaxPeers:     req.MaxPeers,
	}

	var first *store.NodeInterface
	remaining := req.Interfaces
	switch {
	case len(req.Interfaces) > 0:
		first = req.Interfaces[0].toModel("")
		remaining = req.Interfaces[1:]
	case req.WGInterface != "":
		first = &store.NodeInterface{
			InterfaceName: req.WGInterface,
			Endpoint:      req.Endpoint,
			IPPoolCIDR:    req.IPPoolCIDR,
			Enabled:       true,
		}
	}

	if err := s.store.CreateNode(r.Context(), node, first); err != nil {
		respondMappedError(w, err)
		return
	}
	for _, ifaceReq := range remaining {
		if err := s.store.CreateInterface(r.Context(), ifaceReq.toModel(node.ID)); err != nil {
			respondMappedError(w, err)
			return
		}
	}

	s.audit(r, "node_created", "node", node.ID, map[string]string{"name": node.Name, "agent_url": node.AgentURL})
	respondJSON(w, http.StatusCreated, node)
}

// nodeView attaches the node's interfaces when includeInterfaces is set.
// Pool utilization is added separately by handleGetNode.
func (s *Server) nodeView(r *http.Request, node *store.Node, includeInterfaces bool) *store.Node {
	if includeInterfaces {
		if ifaces, err := s.store.ListInterfaces(r.Context(), node.ID); err == nil {
			node.Interfaces = ifaces
		}
	}
	return node
}

// handleListNodes handles GET /api/nodes.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		respondMappedError(w, err)
		return
	}
	include := r.URL.Query().Get("include_interfaces") == "true"
	for _, node := range nodes {
		s.nodeView(r, node, include)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes, "total": len(nodes)})
}

// handleListEnabledNodes handles GET /api/nodes/enabled.
func (s *Server) handleListEnabledNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListEnabledNodes(r.Context())
	if err != nil {
		respondMappedError(w, err)
		return
	}
	include := r.URL.Query().Get("include_interfaces") == "true"
	for _, node := range nodes {
		s.nodeView(r, node, include)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes, "total": len(nodes)})
}

// handleGetNode handles GET /api/nodes/{node_id}.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	node, err := s.store.GetNode(r.Context(), nodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	s.nodeView(r, node, r.URL.Query().Get("include_interfaces") == "true")

	response := map[string]interface{}{"node": node}
	if iface, err := s.store.FirstEnabledInterface(r.Context(), nodeID); err == nil && iface.IPPoolCIDR != "" {
		if count, err := s.store.CountAllocations(r.Context(), nodeID); err == nil {
			response["allocation"] = alloc.PoolStats(iface.IPPoolCIDR, count)
		}
	}
	respondJSON(w, http.StatusOK, response)
}

// UpdateNodeRequest is the body of PUT /api/nodes/{node_id}. Nil fields are
// left unchanged.
type UpdateNodeRequest struct {
	Name         *string `json:"name,omitempty"`
	AgentURL     *string `json:"agent_url,omitempty"`
	SharedSecret *string `json:"shared_secret,omitempty"`
	Endpoint     *string `json:"endpoint,omitempty"`
	GroupID      *string `json:"group_id,omitempty"`
	Enabled      *bool   `json:"enabled,omitempty"`
	Weight       *int    `json:"weight,omitempty"`
	MaxPeers     *int    `json:"max_peers,omitempty"`
}

// handleUpdateNode handles PUT /api/nodes/{node_id}.
func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")

	var req UpdateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}

	node, err := s.store.GetNode(r.Context(), nodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	if req.Name != nil {
		node.Name = *req.Name
	}
	if req.AgentURL != nil {
		node.AgentURL = *req.AgentURL
	}
	if req.SharedSecret != nil {
		node.SharedSecret = *req.SharedSecret
	}
	if req.Endpoint != nil {
		node.Endpoint = *req.Endpoint
	}
	if req.GroupID != nil {
		node.GroupID = req.GroupID
	}
	if req.Enabled != nil {
		node.Enabled = *req.Enabled
	}
	if req.Weight != nil {
		if *req.Weight <= 0 {
			respondError(w, http.StatusBadRequest, KindValidation, "weight must be positive")
			return
		}
		node.Weight = *req.Weight
	}
	if req.MaxPeers != nil {
		if *req.MaxPeers < 0 {
			respondError(w, http.StatusBadRequest, KindValidation, "max_peers must not be negative")
			return
		}
		node.MaxPeers = *req.MaxPeers
	}

	if err := s.store.UpdateNode(r.Context(), node); err != nil {
		respondMappedError(w, err)
		return
	}
	s.audit(r, "node_updated", "node", node.ID, map[string]string{"name": node.Name})
	respondJSON(w, http.StatusOK, node)
}

// handleToggleNode handles POST /api/nodes/{node_id}/toggle.
func (s *Server) handleToggleNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")

	node, err := s.store.GetNode(r.Context(), nodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	if err := s.store.SetNodeEnabled(r.Context(), nodeID, !node.Enabled); err != nil {
		respondMappedError(w, err)
		return
	}
	s.audit(r, "node_updated", "node", nodeID, map[string]bool{"enabled": !node.Enabled})
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": nodeID, "enabled": !node.Enabled})
}

// handleDeleteNode handles DELETE /api/nodes/{node_id}. Peers still owned by
// the node are migrated first; without a migration path the delete fails
// with no state change.
func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")

	node, err := s.store.GetNode(r.Context(), nodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	owned, err := s.store.CountPeersByNode(r.Context(), nodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	if owned > 0 {
		assignments, err := s.store.ListConfigsForNode(r.Context(), nodeID)
		if err != nil {
			respondMappedError(w, err)
			return
		}
		if len(assignments) == 0 {
			respondMappedError(w, fmt.Errorf("%d peers owned by node %s: %w", owned, node.Name, migration.ErrPeersOrphaned))
			return
		}
		for _, assignment := range assignments {
			if _, err := s.migrator.MigrateFromNode(r.Context(), assignment.ConfigName, nodeID, ""); err != nil && !errors.Is(err, migration.ErrNoDestination) {
				respondMappedError(w, err)
				return
			}
		}
		owned, err = s.store.CountPeersByNode(r.Context(), nodeID)
		if err != nil {
			respondMappedError(w, err)
			return
		}
		if owned > 0 {
			respondMappedError(w, fmt.Errorf("%d peers still owned by node %s: %w", owned, node.Name, migration.ErrPeersOrphaned))
			return
		}
	}

	if err := s.store.DeleteNode(r.Context(), nodeID); err != nil {
		respondMappedError(w, err)
		return
	}
	s.audit(r, "node_deleted", "node", nodeID, map[string]string{"name": node.Name})
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": nodeID})
}

// handleTestNode handles POST /api/nodes/{node_id}/test: a synchronous
// liveness probe through the agent client.
func (s *Server) handleTestNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")

	node, err := s.store.GetNode(r.Context(), nodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	report, err := s.clientFor(node).Health(r.Context())
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "connected",
		"node_id": nodeID,
		"health":  report,
	})
}
