// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gabzou364/wgpanel/internal/panel/agentclient"
)

// handleListInterfaces handles GET /api/nodes/{node_id}/interfaces.
func (s *Server) handleListInterfaces(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	if _, err := s.store.GetNode(r.Context(), nodeID); err != nil {
		respondMappedError(w, err)
		return
	}
	ifaces, err := s.store.ListInterfaces(r.Context(), nodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"interfaces": ifaces, "total": len(ifaces)})
}

// handleCreateInterface handles POST /api/nodes/{node_id}/interfaces.
func (s *Server) handleCreateInterface(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	if _, err := s.store.GetNode(r.Context(), nodeID); err != nil {
		respondMappedError(w, err)
		return
	}

	var req InterfaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}
	if req.InterfaceName == "" {
		respondError(w, http.StatusBadRequest, KindValidation, "interface_name is required")
		return
	}

	iface := req.toModel(nodeID)
	if err := s.store.CreateInterface(r.Context(), iface); err != nil {
		respondMappedError(w, err)
		return
	}
	s.audit(r, "interface_created", "node_interface", iface.ID,
		map[string]string{"node_id": nodeID, "interface_name": iface.InterfaceName})
	respondJSON(w, http.StatusCreated, iface)
}

// handleGetInterface handles GET /api/nodes/{node_id}/interfaces/{interface_id}.
func (s *Server) handleGetInterface(w http.ResponseWriter, r *http.Request) {
	iface, err := s.store.GetInterface(r.Context(), chi.URLParam(r, "node_id"), chi.URLParam(r, "interface_id"))
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, iface)
}

// handleUpdateInterface handles PUT /api/nodes/{node_id}/interfaces/{interface_id}.
func (s *Server) handleUpdateInterface(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	interfaceID := chi.URLParam(r, "interface_id")

	iface, err := s.store.GetInterface(r.Context(), nodeID, interfaceID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	var req InterfaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}

	if req.Endpoint != "" {
		iface.Endpoint = req.Endpoint
	}
	if req.IPPoolCIDR != "" {
		iface.IPPoolCIDR = req.IPPoolCIDR
	}
	if req.ListenPort != nil {
		iface.ListenPort = req.ListenPort
	}
	if req.Address != "" {
		iface.Address = req.Address
	}
	if req.PrivateKey != "" {
		iface.PrivateKey = req.PrivateKey
	}
	if req.PostUp != "" {
		iface.PostUp = req.PostUp
	}
	if req.PreDown != "" {
		iface.PreDown = req.PreDown
	}
	if req.MTU != nil {
		iface.MTU = req.MTU
	}
	if req.DNS != "" {
		iface.DNS = req.DNS
	}
	if req.Table != "" {
		iface.Table = req.Table
	}
	if req.Enabled != nil {
		iface.Enabled = *req.Enabled
	}

	if err := s.store.UpdateInterface(r.Context(), iface); err != nil {
		respondMappedError(w, err)
		return
	}
	s.audit(r, "interface_updated", "node_interface", iface.ID,
		map[string]string{"node_id": nodeID, "interface_name": iface.InterfaceName})
	respondJSON(w, http.StatusOK, iface)
}

// handleDeleteInterface handles DELETE /api/nodes/{node_id}/interfaces/{interface_id}.
func (s *Server) handleDeleteInterface(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	interfaceID := chi.URLParam(r, "interface_id")

	iface, err := s.store.GetInterface(r.Context(), nodeID, interfaceID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	if err := s.store.DeleteInterface(r.Context(), nodeID, interfaceID); err != nil {
		respondMappedError(w, err)
		return
	}
	s.audit(r, "interface_deleted", "node_interface", interfaceID,
		map[string]string{"node_id": nodeID, "interface_name": iface.InterfaceName})
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": interfaceID})
}

// handleToggleInterface handles POST /api/nodes/{node_id}/interfaces/{interface_id}/toggle.
func (s *Server) handleToggleInterface(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	interfaceID := chi.URLParam(r, "interface_id")

	iface, err := s.store.GetInterface(r.Context(), nodeID, interfaceID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	if err := s.store.SetInterfaceEnabled(r.Context(), nodeID, interfaceID, !iface.Enabled); err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": interfaceID, "enabled": !iface.Enabled})
}

// handleSyncInterface handles POST /api/nodes/{node_id}/interfaces/{interface_id}/sync:
// it pushes the panel's stored [Interface] settings to the agent.
func (s *Server) handleSyncInterface(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	interfaceID := chi.URLParam(r, "interface_id")

	node, err := s.store.GetNode(r.Context(), nodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	iface, err := s.store.GetInterface(r.Context(), nodeID, interfaceID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	if iface.PrivateKey == "" {
		respondError(w, http.StatusBadRequest, KindValidation, "interface has no private key stored")
		return
	}

	cfg := agentclient.InterfaceConfig{
		PrivateKey: iface.PrivateKey,
		Address:    iface.Address,
		PostUp:     iface.PostUp,
		PreDown:    iface.PreDown,
		DNS:        iface.DNS,
		Table:      iface.Table,
	}
	if iface.ListenPort != nil {
		cfg.ListenPort = *iface.ListenPort
	}
	if iface.MTU != nil {
		cfg.MTU = *iface.MTU
	}

	reloaded, err := s.clientFor(node).PutInterfaceConfig(r.Context(), iface.InterfaceName, cfg)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	s.audit(r, "interface_synced", "node_interface", interfaceID,
		map[string]interface{}{"node_id": nodeID, "interface_name": iface.InterfaceName, "reloaded": reloaded})
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "synced", "reloaded": reloaded})
}

// handleEnableInterface handles POST .../interfaces/{interface_id}/enable.
func (s *Server) handleEnableInterface(w http.ResponseWriter, r *http.Request) {
	s.interfacePower(w, r, true)
}

// handleDisableInterface handles POST .../interfaces/{interface_id}/disable.
func (s *Server) handleDisableInterface(w http.ResponseWriter, r *http.Request) {
	s.interfacePower(w, r, false)
}

func (s *Server) interfacePower(w http.ResponseWriter, r *http.Request, up bool) {
	nodeID := chi.URLParam(r, "node_id")
	interfaceID := chi.URLParam(r, "interface_id")

	node, err := s.store.GetNode(r.Context(), nodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	iface, err := s.store.GetInterface(r.Context(), nodeID, interfaceID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	client := s.clientFor(node)
	var changed bool
	if up {
		changed, err = client.EnableInterface(r.Context(), iface.InterfaceName)
	} else {
		changed, err = client.DisableInterface(r.Context(), iface.InterfaceName)
	}
	if err != nil {
		respondMappedError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"up":      up,
		"changed": changed,
	})
}
