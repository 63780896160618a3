// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gabzou364/wgpanel/internal/panel/agentclient"
	"github.com/gabzou364/wgpanel/internal/panel/alloc"
	"github.com/gabzou364/wgpanel/internal/panel/dnssync"
	"github.com/gabzou364/wgpanel/internal/panel/migration"
	"github.com/gabzou364/wgpanel/internal/panel/placement"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// Stable error kinds surfaced to API clients.
const (
	KindValidation       = "VALIDATION"
	KindAuthFailed       = "AUTH_FAILED"
	KindNotFound         = "NOT_FOUND"
	KindConflict         = "CONFLICT"
	KindPoolExhausted    = "IP_POOL_EXHAUSTED"
	KindPoolContended    = "IP_POOL_CONTENDED"
	KindNodeAtCapacity   = "NODE_AT_CAPACITY"
	KindPeersOrphaned    = "PEERS_ORPHANED"
	KindNoNodes          = "NO_NODES_CONFIGURED"
	KindAgentUnreachable = "AGENT_UNREACHABLE"
	KindAgentError       = "AGENT_ERROR"
	KindDNSProvider      = "DNS_PROVIDER_ERROR"
	KindInternal         = "INTERNAL"
)

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// respondError writes the standard error body.
func respondError(w http.ResponseWriter, status int, kind, detail string) {
	respondJSON(w, status, map[string]string{"error": detail, "kind": kind})
}

// respondMappedError classifies a domain error into a status and kind.
func respondMappedError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	respondError(w, status, kind, err.Error())
}

func classify(err error) (int, string) {
	var agentErr *agentclient.Error

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, KindConflict
	case errors.Is(err, alloc.ErrPoolExhausted):
		return http.StatusConflict, KindPoolExhausted
	case errors.Is(err, alloc.ErrPoolContended):
		return http.StatusConflict, KindPoolContended
	case errors.Is(err, placement.ErrNodeAtCapacity):
		return http.StatusConflict, KindNodeAtCapacity
	case errors.Is(err, placement.ErrNoNodesConfigured):
		return http.StatusConflict, KindNoNodes
	case errors.Is(err, placement.ErrNoCandidates):
		return http.StatusConflict, KindNodeAtCapacity
	case errors.Is(err, migration.ErrPeersOrphaned):
		return http.StatusConflict, KindPeersOrphaned
	case errors.Is(err, migration.ErrNoDestination):
		return http.StatusConflict, KindPeersOrphaned
	case errors.Is(err, dnssync.ErrNoEndpointGroup):
		return http.StatusNotFound, KindNotFound
	case errors.As(err, &agentErr):
		if agentErr.Unreachable() {
			return http.StatusBadGateway, KindAgentUnreachable
		}
		return http.StatusBadGateway, KindAgentError
	}
	return http.StatusInternalServerError, KindInternal
}
