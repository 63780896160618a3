// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gabzou364/wgpanel/internal/panel/dnssync"
	"github.com/gabzou364/wgpanel/internal/panel/migration"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// handleListConfigNodes handles GET /api/configs/{config_name}/nodes.
func (s *Server) handleListConfigNodes(w http.ResponseWriter, r *http.Request) {
	configName := chi.URLParam(r, "config_name")
	assignments, err := s.store.ListNodesForConfig(r.Context(), configName)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"config_name": configName,
		"nodes":       assignments,
		"total":       len(assignments),
	})
}

// handleAssignNode handles POST /api/configs/{config_name}/nodes.
func (s *Server) handleAssignNode(w http.ResponseWriter, r *http.Request) {
	configName := chi.URLParam(r, "config_name")

	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		respondError(w, http.StatusBadRequest, KindValidation, "node_id is required")
		return
	}

	if _, err := s.store.GetNode(r.Context(), req.NodeID); err != nil {
		respondMappedError(w, err)
		return
	}

	assignment, err := s.store.AssignNodeToConfig(r.Context(), configName, req.NodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	s.audit(r, "node_assigned", "config_node", configName+":"+req.NodeID,
		map[string]string{"config": configName, "node": req.NodeID})
	s.syncDNSBestEffort(r, configName)
	respondJSON(w, http.StatusCreated, assignment)
}

// handleRemoveNodeFromConfig handles DELETE /api/configs/{config_name}/nodes/{node_id}.
// Peers the node owns for this configuration migrate to the remaining
// healthy nodes before the assignment is dropped.
func (s *Server) handleRemoveNodeFromConfig(w http.ResponseWriter, r *http.Request) {
	configName := chi.URLParam(r, "config_name")
	nodeID := chi.URLParam(r, "node_id")

	node, err := s.store.GetNode(r.Context(), nodeID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	result, err := s.migrator.MigrateFromNode(r.Context(), configName, nodeID, "")
	if err != nil {
		if errors.Is(err, migration.ErrNoDestination) {
			respondMappedError(w, errors.Join(err, migration.ErrPeersOrphaned))
			return
		}
		respondMappedError(w, err)
		return
	}
	if !result.Complete() {
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  "failed to migrate all peers",
			"kind":   KindAgentError,
			"result": result,
		})
		return
	}

	if err := s.store.RemoveNodeFromConfig(r.Context(), configName, nodeID); err != nil {
		respondMappedError(w, err)
		return
	}

	s.audit(r, "node_removed", "config_node", configName+":"+nodeID, map[string]interface{}{
		"config":         configName,
		"node":           nodeID,
		"node_name":      node.Name,
		"peers_migrated": result.MigratedCount,
	})
	s.syncDNSBestEffort(r, configName)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "removed",
		"peers_migrated": result.MigratedCount,
		"result":         result,
	})
}

// EndpointGroupRequest is the body of POST /api/configs/{cfg}/endpoint-group.
type EndpointGroupRequest struct {
	Domain             string `json:"domain"`
	Port               int    `json:"port"`
	DNSZoneID          string `json:"dns_zone_id"`
	DNSRecordName      string `json:"dns_record_name"`
	TTL                int    `json:"ttl"`
	Proxied            bool   `json:"proxied"`
	AutoMigrate        *bool  `json:"auto_migrate,omitempty"`
	PublishOnlyHealthy *bool  `json:"publish_only_healthy,omitempty"`
	MinNodes           int    `json:"min_nodes"`
}

// handleUpsertEndpointGroup handles POST /api/configs/{config_name}/endpoint-group.
// The proxied flag is silently forced false no matter what the caller sent.
func (s *Server) handleUpsertEndpointGroup(w http.ResponseWriter, r *http.Request) {
	configName := chi.URLParam(r, "config_name")

	var req EndpointGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}
	if req.Domain == "" || req.Port == 0 {
		respondError(w, http.StatusBadRequest, KindValidation, "domain and port are required")
		return
	}

	autoMigrate := true
	if req.AutoMigrate != nil {
		autoMigrate = *req.AutoMigrate
	}
	publishOnlyHealthy := true
	if req.PublishOnlyHealthy != nil {
		publishOnlyHealthy = *req.PublishOnlyHealthy
	}

	recordName := req.DNSRecordName
	if recordName == "" {
		recordName = req.Domain
	}

	group := &store.EndpointGroup{
		ConfigName:         configName,
		Domain:             req.Domain,
		Port:               req.Port,
		DNSZoneID:          req.DNSZoneID,
		DNSRecordName:      recordName,
		TTL:                req.TTL,
		Proxied:            false,
		AutoMigrate:        autoMigrate,
		PublishOnlyHealthy: publishOnlyHealthy,
		MinNodes:           req.MinNodes,
	}
	if err := s.store.UpsertEndpointGroup(r.Context(), group); err != nil {
		respondMappedError(w, err)
		return
	}

	s.audit(r, "endpoint_group_updated", "endpoint_group", configName, group)
	if group.DNSZoneID != "" {
		s.syncDNSBestEffort(r, configName)
	}
	respondJSON(w, http.StatusOK, group)
}

// handleGetEndpointGroup handles GET /api/configs/{config_name}/endpoint-group.
func (s *Server) handleGetEndpointGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.store.GetEndpointGroup(r.Context(), chi.URLParam(r, "config_name"))
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, group)
}

// handleSyncDNS handles POST /api/configs/{config_name}/sync-dns. Unlike the
// background paths, provider errors on this manual trigger surface to the
// caller.
func (s *Server) handleSyncDNS(w http.ResponseWriter, r *http.Request) {
	configName := chi.URLParam(r, "config_name")

	result, err := s.dns.SyncConfig(r.Context(), configName)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// syncDNSBestEffort refreshes DNS after a topology change; failures only
// log. Configurations without a DNS policy are skipped silently.
func (s *Server) syncDNSBestEffort(r *http.Request, configName string) {
	if s.dns == nil {
		return
	}
	if _, err := s.dns.SyncConfig(r.Context(), configName); err != nil && !errors.Is(err, dnssync.ErrNoEndpointGroup) {
		log.Printf("api: dns sync for %s: %v", configName, err)
	}
}
