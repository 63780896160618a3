// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gabzou364/wgpanel/internal/panel/agentclient"
	"github.com/gabzou364/wgpanel/internal/panel/placement"
	"github.com/gabzou364/wgpanel/internal/panel/store"

	"github.com/google/uuid"
)

// CreatePeerRequest is the body of POST /api/configs/{config_name}/peers.
type CreatePeerRequest struct {
	PublicKey           string  `json:"public_key"`
	Name                string  `json:"name,omitempty"`
	PresharedKey        string  `json:"preshared_key,omitempty"`
	PersistentKeepalive int     `json:"persistent_keepalive,omitempty"`
	NodeSelection       string  `json:"node_selection,omitempty"`
	GroupID             *string `json:"group_id,omitempty"`
}

// handleCreatePeer handles POST /api/configs/{config_name}/peers.
//
// Ordering: placement picks the node, the IP allocation commits, the agent
// accepts the peer, and only then is the peer row written. An agent failure
// rolls the allocation back, so the database never advertises a peer the
// agent has not accepted.
func (s *Server) handleCreatePeer(w http.ResponseWriter, r *http.Request) {
	configName := chi.URLParam(r, "config_name")

	var req CreatePeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}
	if req.PublicKey == "" {
		respondError(w, http.StatusBadRequest, KindValidation, "public_key is required")
		return
	}
	strategy := req.NodeSelection
	if strategy == "" {
		strategy = placement.StrategyAuto
	}

	node, err := s.selector.Select(r.Context(), strategy, req.GroupID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	iface, err := s.store.FirstEnabledInterface(r.Context(), node.ID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	if iface.IPPoolCIDR == "" {
		respondError(w, http.StatusConflict, KindValidation, "node interface has no IP pool configured")
		return
	}

	peerID := uuid.New().String()
	allowedIP, err := s.alloc.Allocate(r.Context(), node.ID, peerID, iface.IPPoolCIDR)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	err = s.clientFor(node).AddPeer(r.Context(), iface.InterfaceName, agentclient.AddPeerRequest{
		PublicKey:           req.PublicKey,
		AllowedIPs:          []string{allowedIP},
		PresharedKey:        req.PresharedKey,
		PersistentKeepalive: req.PersistentKeepalive,
	})
	if err != nil {
		if rollbackErr := s.alloc.Deallocate(r.Context(), node.ID, peerID); rollbackErr != nil {
			log.Printf("api: allocation rollback for %s failed: %v", peerID, rollbackErr)
		}
		respondMappedError(w, err)
		return
	}

	peer := &store.Peer{
		ID:            peerID,
		Name:          req.Name,
		ConfigName:    configName,
		PublicKey:     req.PublicKey,
		PresharedKey:  req.PresharedKey,
		NodeID:        node.ID,
		InterfaceName: iface.InterfaceName,
		AllowedIP:     allowedIP,
		Keepalive:     req.PersistentKeepalive,
	}
	if err := s.store.CreatePeer(r.Context(), peer); err != nil {
		respondMappedError(w, err)
		return
	}

	s.audit(r, "peer_created", "peer", peer.ID, map[string]string{
		"config":     configName,
		"public_key": req.PublicKey,
		"node_id":    node.ID,
		"allowed_ip": allowedIP,
	})
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"peer":      peer,
		"node_id":   node.ID,
		"node_name": node.Name,
	})
}

// handleDeletePeer handles DELETE /api/configs/{config_name}/peers/{public_key}.
func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	configName := chi.URLParam(r, "config_name")
	publicKey := chi.URLParam(r, "public_key")

	peer, err := s.store.GetPeer(r.Context(), configName, publicKey)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	node, err := s.store.GetNode(r.Context(), peer.NodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	// Restricted peers are already absent from the interface.
	if !peer.Restricted {
		if err := s.clientFor(node).DeletePeer(r.Context(), peer.InterfaceName, publicKey); err != nil {
			respondMappedError(w, err)
			return
		}
	}

	if err := s.alloc.Deallocate(r.Context(), peer.NodeID, peer.ID); err != nil {
		log.Printf("api: deallocate for peer %s failed: %v", peer.ID, err)
	}
	if err := s.store.DeletePeer(r.Context(), peer.ID); err != nil {
		respondMappedError(w, err)
		return
	}

	s.audit(r, "peer_deleted", "peer", peer.ID, map[string]string{
		"config":     configName,
		"public_key": publicKey,
		"node_id":    peer.NodeID,
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "public_key": publicKey})
}

// handleRestrictPeer handles POST .../peers/{public_key}/restrict: the peer
// is removed from the interface but kept in the database. The scheduled-job
// engine calls this when a traffic or expiry rule fires.
func (s *Server) handleRestrictPeer(w http.ResponseWriter, r *http.Request) {
	configName := chi.URLParam(r, "config_name")
	publicKey := chi.URLParam(r, "public_key")

	peer, err := s.store.GetPeer(r.Context(), configName, publicKey)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	if peer.Restricted {
		respondJSON(w, http.StatusOK, map[string]string{"status": "already restricted"})
		return
	}
	node, err := s.store.GetNode(r.Context(), peer.NodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	if err := s.clientFor(node).DeletePeer(r.Context(), peer.InterfaceName, publicKey); err != nil {
		respondMappedError(w, err)
		return
	}
	if err := s.store.SetPeerRestricted(r.Context(), peer.ID, true); err != nil {
		respondMappedError(w, err)
		return
	}

	s.audit(r, "peer_restricted", "peer", peer.ID, map[string]string{
		"config": configName, "public_key": publicKey,
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "restricted", "public_key": publicKey})
}

// handleAllowPeer handles POST .../peers/{public_key}/allow: re-adds a
// restricted peer to its owning interface with its stored configuration.
func (s *Server) handleAllowPeer(w http.ResponseWriter, r *http.Request) {
	configName := chi.URLParam(r, "config_name")
	publicKey := chi.URLParam(r, "public_key")

	peer, err := s.store.GetPeer(r.Context(), configName, publicKey)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	if !peer.Restricted {
		respondJSON(w, http.StatusOK, map[string]string{"status": "not restricted"})
		return
	}
	node, err := s.store.GetNode(r.Context(), peer.NodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	err = s.clientFor(node).AddPeer(r.Context(), peer.InterfaceName, agentclient.AddPeerRequest{
		PublicKey:           peer.PublicKey,
		AllowedIPs:          peer.AllowedIPs(),
		PresharedKey:        peer.PresharedKey,
		PersistentKeepalive: peer.Keepalive,
	})
	if err != nil {
		respondMappedError(w, err)
		return
	}
	if err := s.store.SetPeerRestricted(r.Context(), peer.ID, false); err != nil {
		respondMappedError(w, err)
		return
	}

	s.audit(r, "peer_allowed", "peer", peer.ID, map[string]string{
		"config": configName, "public_key": publicKey,
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "allowed", "public_key": publicKey})
}
