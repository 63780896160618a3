// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"net/http"
	"strconv"

	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// handleQueryAuditLogs handles GET /api/audit-logs with optional filters on
// action, entity_type, entity_id and actor plus limit/offset pagination.
func (s *Server) handleQueryAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := store.AuditFilter{
		Action:     query.Get("action"),
		EntityType: query.Get("entity_type"),
		EntityID:   query.Get("entity_id"),
		Actor:      query.Get("actor"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, KindValidation, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			respondError(w, http.StatusBadRequest, KindValidation, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	entries, err := s.store.QueryAuditLogs(r.Context(), filter)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"logs": entries, "total": len(entries)})
}
