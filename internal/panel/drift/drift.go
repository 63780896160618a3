// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package drift compares the panel-authoritative peer set against an agent's
// live state and optionally reconciles the differences.
package drift

import (
	"context"
	"sort"
	"time"

	"github.com/gabzou364/wgpanel/internal/panel/agentclient"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// UnknownPeer lives on the agent but is not known to the panel.
type UnknownPeer struct {
	PublicKey           string   `json:"public_key"`
	AllowedIPs          []string `json:"allowed_ips"`
	Endpoint            *string  `json:"endpoint,omitempty"`
	PersistentKeepalive int      `json:"persistent_keepalive"`
}

// MissingPeer is known to the panel but absent from the agent.
type MissingPeer struct {
	PublicKey  string   `json:"public_key"`
	Name       string   `json:"name"`
	AllowedIPs []string `json:"allowed_ips"`
	PeerID     string   `json:"peer_id"`
}

// Mismatch describes one differing field on a peer present on both sides.
type Mismatch struct {
	Field    string      `json:"field"`
	Expected interface{} `json:"expected"`
	Actual   interface{} `json:"actual"`
}

// MismatchedPeer is present on both sides with differing configuration.
type MismatchedPeer struct {
	PublicKey  string     `json:"public_key"`
	Name       string     `json:"name"`
	PeerID     string     `json:"peer_id"`
	Mismatches []Mismatch `json:"mismatches"`
}

// Summary counts the issues in a report.
type Summary struct {
	UnknownCount    int `json:"unknown_count"`
	MissingCount    int `json:"missing_count"`
	MismatchedCount int `json:"mismatched_count"`
	TotalIssues     int `json:"total_issues"`
}

// Report is the result of one drift detection pass over a node.
type Report struct {
	HasDrift        bool             `json:"has_drift"`
	UnknownPeers    []UnknownPeer    `json:"unknown_peers"`
	MissingPeers    []MissingPeer    `json:"missing_peers"`
	MismatchedPeers []MismatchedPeer `json:"mismatched_peers"`
	Summary         Summary          `json:"summary"`
	NodeID          string           `json:"node_id"`
	DetectedAt      time.Time        `json:"detected_at"`
}

// Detect compares the agent dump against the panel's peer rows for a node.
// allowed_ips compare as sets; persistent_keepalive as integers. Endpoint is
// client-controlled and preshared keys are not exposed by the dump, so
// neither participates.
func Detect(nodeID string, dump *agentclient.InterfaceDump, dbPeers []*store.Peer) *Report {
	report := &Report{
		UnknownPeers:    []UnknownPeer{},
		MissingPeers:    []MissingPeer{},
		MismatchedPeers: []MismatchedPeer{},
		NodeID:          nodeID,
		DetectedAt:      time.Now().UTC(),
	}

	agentPeers := map[string]agentclient.DumpPeer{}
	if dump != nil {
		for _, peer := range dump.Peers {
			if peer.PublicKey != "" {
				agentPeers[peer.PublicKey] = peer
			}
		}
	}

	panelPeers := map[string]*store.Peer{}
	for _, peer := range dbPeers {
		// Restricted peers are intentionally absent from the interface.
		if peer.Restricted {
			continue
		}
		panelPeers[peer.PublicKey] = peer
	}

	for publicKey, agentPeer := range agentPeers {
		if _, known := panelPeers[publicKey]; !known {
			report.UnknownPeers = append(report.UnknownPeers, UnknownPeer{
				PublicKey:           publicKey,
				AllowedIPs:          agentPeer.AllowedIPs,
				Endpoint:            agentPeer.Endpoint,
				PersistentKeepalive: agentPeer.PersistentKeepalive,
			})
		}
	}

	for publicKey, dbPeer := range panelPeers {
		agentPeer, present := agentPeers[publicKey]
		if !present {
			report.MissingPeers = append(report.MissingPeers, MissingPeer{
				PublicKey:  publicKey,
				Name:       dbPeer.Name,
				AllowedIPs: dbPeer.AllowedIPs(),
				PeerID:     dbPeer.ID,
			})
			continue
		}

		mismatches := comparePeer(dbPeer, agentPeer)
		if len(mismatches) > 0 {
			report.MismatchedPeers = append(report.MismatchedPeers, MismatchedPeer{
				PublicKey:  publicKey,
				Name:       dbPeer.Name,
				PeerID:     dbPeer.ID,
				Mismatches: mismatches,
			})
		}
	}

	report.Summary = Summary{
		UnknownCount:    len(report.UnknownPeers),
		MissingCount:    len(report.MissingPeers),
		MismatchedCount: len(report.MismatchedPeers),
	}
	report.Summary.TotalIssues = report.Summary.UnknownCount +
		report.Summary.MissingCount + report.Summary.MismatchedCount
	report.HasDrift = report.Summary.TotalIssues > 0

	return report
}

// comparePeer returns the field-level differences between the panel's view
// of a peer and the agent's.
func comparePeer(dbPeer *store.Peer, agentPeer agentclient.DumpPeer) []Mismatch {
	var mismatches []Mismatch

	expected := dbPeer.AllowedIPs()
	if !sameIPSet(expected, agentPeer.AllowedIPs) {
		mismatches = append(mismatches, Mismatch{
			Field:    "allowed_ips",
			Expected: sortedCopy(expected),
			Actual:   sortedCopy(agentPeer.AllowedIPs),
		})
	}

	if dbPeer.Keepalive != agentPeer.PersistentKeepalive {
		mismatches = append(mismatches, Mismatch{
			Field:    "persistent_keepalive",
			Expected: dbPeer.Keepalive,
			Actual:   agentPeer.PersistentKeepalive,
		})
	}

	return mismatches
}

func sameIPSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, ip := range a {
		set[ip] = true
	}
	for _, ip := range b {
		if !set[ip] {
			return false
		}
	}
	return true
}

func sortedCopy(ips []string) []string {
	out := make([]string, len(ips))
	copy(out, ips)
	sort.Strings(out)
	return out
}

// AgentAPI is the slice of the agent client reconciliation drives.
type AgentAPI interface {
	AddPeer(ctx context.Context, iface string, req agentclient.AddPeerRequest) error
	UpdatePeer(ctx context.Context, iface, publicKey string, req agentclient.UpdatePeerRequest) error
	DeletePeer(ctx context.Context, iface, publicKey string) error
}

// ReconcileOptions are the three independent opt-in toggles.
type ReconcileOptions struct {
	ReconcileMissing    bool `json:"reconcile_missing"`
	ReconcileMismatched bool `json:"reconcile_mismatched"`
	RemoveUnknown       bool `json:"remove_unknown"`
}

// ReconcileError records one failed per-peer action.
type ReconcileError struct {
	Peer   string `json:"peer"`
	Action string `json:"action"`
	Error  string `json:"error"`
}

// ReconcileResult collects the outcome of every applied action. A single
// failure never aborts the rest.
type ReconcileResult struct {
	Added   []string         `json:"added"`
	Updated []string         `json:"updated"`
	Removed []string         `json:"removed"`
	Errors  []ReconcileError `json:"errors"`
}

// Reconcile applies corrective actions for a drift report against one agent
// interface. peersByKey must hold the panel's peer rows for the node, keyed
// by public key, so missing and mismatched peers can be pushed with their
// full stored configuration.
func Reconcile(ctx context.Context, agent AgentAPI, iface string, report *Report,
	peersByKey map[string]*store.Peer, opts ReconcileOptions) *ReconcileResult {

	result := &ReconcileResult{
		Added:   []string{},
		Updated: []string{},
		Removed: []string{},
		Errors:  []ReconcileError{},
	}

	if opts.ReconcileMissing {
		for _, missing := range report.MissingPeers {
			peer := peersByKey[missing.PublicKey]
			if peer == nil {
				result.Errors = append(result.Errors, ReconcileError{
					Peer: missing.PublicKey, Action: "add", Error: "peer row not found",
				})
				continue
			}
			err := agent.AddPeer(ctx, iface, agentclient.AddPeerRequest{
				PublicKey:           peer.PublicKey,
				AllowedIPs:          peer.AllowedIPs(),
				PresharedKey:        peer.PresharedKey,
				PersistentKeepalive: peer.Keepalive,
			})
			if err != nil {
				result.Errors = append(result.Errors, ReconcileError{
					Peer: missing.PublicKey, Action: "add", Error: err.Error(),
				})
				continue
			}
			result.Added = append(result.Added, missing.PublicKey)
		}
	}

	if opts.ReconcileMismatched {
		for _, mismatched := range report.MismatchedPeers {
			peer := peersByKey[mismatched.PublicKey]
			if peer == nil {
				result.Errors = append(result.Errors, ReconcileError{
					Peer: mismatched.PublicKey, Action: "update", Error: "peer row not found",
				})
				continue
			}
			keepalive := peer.Keepalive
			err := agent.UpdatePeer(ctx, iface, peer.PublicKey, agentclient.UpdatePeerRequest{
				AllowedIPs:          peer.AllowedIPs(),
				PersistentKeepalive: &keepalive,
			})
			if err != nil {
				result.Errors = append(result.Errors, ReconcileError{
					Peer: mismatched.PublicKey, Action: "update", Error: err.Error(),
				})
				continue
			}
			result.Updated = append(result.Updated, mismatched.PublicKey)
		}
	}

	if opts.RemoveUnknown {
		for _, unknown := range report.UnknownPeers {
			if err := agent.DeletePeer(ctx, iface, unknown.PublicKey); err != nil {
				result.Errors = append(result.Errors, ReconcileError{
					Peer: unknown.PublicKey, Action: "remove", Error: err.Error(),
				})
				continue
			}
			result.Removed = append(result.Removed, unknown.PublicKey)
		}
	}

	return result
}
