// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gabzou364/wgpanel/internal/panel/drift"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// detectNodeDrift fetches a node's dump and compares it with the panel's
// peer rows. Returns the report plus the peer map needed for reconciliation.
func (s *Server) detectNodeDrift(r *http.Request, node *store.Node) (*drift.Report, map[string]*store.Peer, string, error) {
	iface, err := s.store.FirstEnabledInterface(r.Context(), node.ID)
	if err != nil {
		return nil, nil, "", err
	}

	dump, err := s.clientFor(node).Dump(r.Context(), iface.InterfaceName)
	if err != nil {
		return nil, nil, "", err
	}

	peers, err := s.store.ListPeersByNode(r.Context(), node.ID)
	if err != nil {
		return nil, nil, "", err
	}

	peersByKey := make(map[string]*store.Peer, len(peers))
	for _, peer := range peers {
		peersByKey[peer.PublicKey] = peer
	}

	return drift.Detect(node.ID, dump, peers), peersByKey, iface.InterfaceName, nil
}

// handleDriftNode handles GET /api/drift/nodes/{node_id}.
func (s *Server) handleDriftNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.store.GetNode(r.Context(), chi.URLParam(r, "node_id"))
	if err != nil {
		respondMappedError(w, err)
		return
	}

	report, _, _, err := s.detectNodeDrift(r, node)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleDriftAllNodes handles GET /api/drift/nodes: one report per enabled
// node, per-node failures reported inline.
func (s *Server) handleDriftAllNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListEnabledNodes(r.Context())
	if err != nil {
		respondMappedError(w, err)
		return
	}

	results := map[string]interface{}{}
	for _, node := range nodes {
		report, _, _, err := s.detectNodeDrift(r, node)
		if err != nil {
			results[node.ID] = map[string]interface{}{"error": err.Error(), "has_drift": false}
			continue
		}
		results[node.ID] = report
	}
	respondJSON(w, http.StatusOK, results)
}

// handleReconcileNode handles POST /api/drift/nodes/{node_id}/reconcile.
// Each of the three corrections is opt-in; partial failures surface in the
// errors list with HTTP 207 semantics folded into the body.
func (s *Server) handleReconcileNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.store.GetNode(r.Context(), chi.URLParam(r, "node_id"))
	if err != nil {
		respondMappedError(w, err)
		return
	}

	var opts drift.ReconcileOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		respondError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}

	report, peersByKey, ifaceName, err := s.detectNodeDrift(r, node)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	result := drift.Reconcile(r.Context(), s.clientFor(node), ifaceName, report, peersByKey, opts)

	s.audit(r, "drift_reconciled", "node", node.ID, map[string]interface{}{
		"added":   len(result.Added),
		"updated": len(result.Updated),
		"removed": len(result.Removed),
		"errors":  len(result.Errors),
	})

	response := map[string]interface{}{
		"report": report,
		"result": result,
	}
	if len(result.Errors) > 0 {
		response["kind"] = "DRIFT_RECONCILE_PARTIAL"
	}
	respondJSON(w, http.StatusOK, response)
}
