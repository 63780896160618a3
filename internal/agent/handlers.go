// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package agent

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// handleHealth handles GET /health. Unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"uptime":    readUptime(r.Context()),
		"version":   s.config.Version,
	})
}

// InterfaceStatus summarizes one WireGuard interface for /v1/status.
type InterfaceStatus struct {
	Status       string `json:"status"`
	PeerCount    int    `json:"peer_count"`
	ActivePeers  int    `json:"active_peers"`
	TotalRxBytes int64  `json:"total_rx_bytes"`
	TotalTxBytes int64  `json:"total_tx_bytes"`
}

// interfaceStatuses dumps every interface and summarizes it. Interfaces
// whose dump fails report status "error" rather than failing the whole
// report.
func (s *Server) interfaceStatuses(r *http.Request) map[string]InterfaceStatus {
	statuses := map[string]InterfaceStatus{}
	ifaces, err := s.wgManager.Interfaces(r.Context())
	if err != nil {
		return statuses
	}
	now := time.Now().Unix()
	for _, iface := range ifaces {
		dump, err := s.wgManager.Dump(r.Context(), iface)
		if err != nil {
			statuses[iface] = InterfaceStatus{Status: "error"}
			continue
		}
		st := InterfaceStatus{Status: "up", PeerCount: len(dump.Peers)}
		for _, peer := range dump.Peers {
			if peer.LatestHandshake != nil && now-*peer.LatestHandshake < activeHandshakeWindow {
				st.ActivePeers++
			}
			st.TotalRxBytes += peer.TransferRx
			st.TotalTxBytes += peer.TransferTx
		}
		statuses[iface] = st
	}
	return statuses
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	interfaces := s.interfaceStatuses(r)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"uptime":    readUptime(r.Context()),
		"version":   s.config.Version,
		"system":    readSystemStatus(r.Context()),
		"wireguard": map[string]interface{}{
			"interfaces":      interfaces,
			"interface_count": len(interfaces),
		},
	})
}

// handleDump handles GET /v1/wg/{interface}/dump.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	iface := chi.URLParam(r, "interface")
	dump, err := s.wgManager.Dump(r.Context(), iface)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, dump)
}

// AddPeerRequest is the body of POST /v1/wg/{interface}/peers.
type AddPeerRequest struct {
	PublicKey           string   `json:"public_key"`
	AllowedIPs          []string `json:"allowed_ips"`
	PresharedKey        string   `json:"preshared_key,omitempty"`
	PersistentKeepalive int      `json:"persistent_keepalive"`
}

// handleAddPeer handles POST /v1/wg/{interface}/peers.
func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	iface := chi.URLParam(r, "interface")

	var req AddPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.PublicKey == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "public_key is required"})
		return
	}

	err := s.wgManager.AddPeer(r.Context(), iface, AddPeerParams{
		PublicKey:           req.PublicKey,
		AllowedIPs:          req.AllowedIPs,
		PresharedKey:        req.PresharedKey,
		PersistentKeepalive: req.PersistentKeepalive,
	})
	if err != nil {
		log.Printf("agent: add peer to %s failed: %v", iface, err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "peer added successfully",
		"peer": map[string]interface{}{
			"public_key":  req.PublicKey,
			"allowed_ips": req.AllowedIPs,
		},
	})
}

// UpdatePeerRequest is the body of PUT /v1/wg/{interface}/peers/{public_key}.
// Nil fields are left untouched.
type UpdatePeerRequest struct {
	AllowedIPs          []string `json:"allowed_ips,omitempty"`
	PersistentKeepalive *int     `json:"persistent_keepalive,omitempty"`
}

// handleUpdatePeer handles PUT /v1/wg/{interface}/peers/{public_key}.
func (s *Server) handleUpdatePeer(w http.ResponseWriter, r *http.Request) {
	iface := chi.URLParam(r, "interface")
	publicKey := chi.URLParam(r, "public_key")

	var req UpdatePeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	err := s.wgManager.UpdatePeer(r.Context(), iface, publicKey, UpdatePeerParams{
		AllowedIPs:          req.AllowedIPs,
		PersistentKeepalive: req.PersistentKeepalive,
	})
	if err != nil {
		log.Printf("agent: update peer on %s failed: %v", iface, err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "peer updated successfully",
	})
}

// handleDeletePeer handles DELETE /v1/wg/{interface}/peers/{public_key}.
func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	iface := chi.URLParam(r, "interface")
	publicKey := chi.URLParam(r, "public_key")

	if err := s.wgManager.RemovePeer(r.Context(), iface, publicKey); err != nil {
		log.Printf("agent: delete peer from %s failed: %v", iface, err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "peer removed successfully",
	})
}

// SyncConfRequest is the body of POST /v1/wg/{interface}/syncconf.
type SyncConfRequest struct {
	Config string `json:"config"`
}

// handleSyncConf handles POST /v1/wg/{interface}/syncconf.
func (s *Server) handleSyncConf(w http.ResponseWriter, r *http.Request) {
	iface := chi.URLParam(r, "interface")

	var req SyncConfRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	confText, err := base64.StdEncoding.DecodeString(req.Config)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid base64-encoded configuration"})
		return
	}

	if err := s.wgManager.SyncConf(r.Context(), iface, string(confText)); err != nil {
		log.Printf("agent: syncconf on %s failed: %v", iface, err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "configuration synchronized successfully",
	})
}

// handleGetInterfaceConfig handles GET /v1/wg/{interface}/config.
func (s *Server) handleGetInterfaceConfig(w http.ResponseWriter, r *http.Request) {
	iface := chi.URLParam(r, "interface")

	cfg, raw, err := s.wgManager.ReadInterfaceConfig(iface)
	if err != nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "configuration file not found"})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"interface": iface,
		"config": map[string]interface{}{
			"private_key": cfg.PrivateKey,
			"listen_port": cfg.ListenPort,
			"address":     cfg.Address,
			"post_up":     cfg.PostUp,
			"pre_down":    cfg.PreDown,
			"mtu":         cfg.MTU,
			"dns":         cfg.DNS,
			"table":       cfg.Table,
			"raw_config":  raw,
		},
	})
}

// handlePutInterfaceConfig handles PUT /v1/wg/{interface}/config.
func (s *Server) handlePutInterfaceConfig(w http.ResponseWriter, r *http.Request) {
	iface := chi.URLParam(r, "interface")

	var req InterfaceConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.PrivateKey == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "private_key is required"})
		return
	}

	reloaded, err := s.wgManager.ReplaceInterfaceConfig(r.Context(), iface, &req)
	if err != nil {
		log.Printf("agent: replace config on %s failed: %v", iface, err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"message":  "interface configuration updated successfully",
		"reloaded": reloaded,
	})
}

// handleEnableInterface handles POST /v1/wg/{interface}/enable. Idempotent.
func (s *Server) handleEnableInterface(w http.ResponseWriter, r *http.Request) {
	iface := chi.URLParam(r, "interface")

	if s.wgManager.IsUp(r.Context(), iface) {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "success",
			"message":  "interface is already up",
			"was_down": false,
		})
		return
	}

	if err := s.wgManager.Up(r.Context(), iface); err != nil {
		log.Printf("agent: enable %s failed: %v", iface, err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"message":  "interface enabled successfully",
		"was_down": true,
	})
}

// handleDisableInterface handles POST /v1/wg/{interface}/disable. Idempotent.
func (s *Server) handleDisableInterface(w http.ResponseWriter, r *http.Request) {
	iface := chi.URLParam(r, "interface")

	if !s.wgManager.IsUp(r.Context(), iface) {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "success",
			"message": "interface is already down",
			"was_up":  false,
		})
		return
	}

	if err := s.wgManager.Down(r.Context(), iface); err != nil {
		log.Printf("agent: disable %s failed: %v", iface, err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "interface disabled successfully",
		"was_up":  true,
	})
}

// handleDeleteInterface handles DELETE /v1/wg/{interface}.
func (s *Server) handleDeleteInterface(w http.ResponseWriter, r *http.Request) {
	iface := chi.URLParam(r, "interface")

	if err := s.wgManager.DeleteInterface(r.Context(), iface); err != nil {
		log.Printf("agent: delete interface %s failed: %v", iface, err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "interface deleted successfully",
	})
}
