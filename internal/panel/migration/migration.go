// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package migration relocates peers between nodes when a node leaves a
// configuration or becomes unhealthy.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gabzou364/wgpanel/internal/panel/agentclient"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// ErrNoDestination is returned when no healthy enabled node can take the
// peers.
var ErrNoDestination = errors.New("no healthy destination nodes available")

// ErrPeersOrphaned is returned when a node cannot be removed because peers
// still own it and no migration path exists.
var ErrPeersOrphaned = errors.New("peers still assigned to node with no migration path")

// Store is the slice of the panel store the migrator uses.
type Store interface {
	GetNode(ctx context.Context, id string) (*store.Node, error)
	ListHealthyNodesForConfig(ctx context.Context, configName string) ([]*store.ConfigNode, error)
	ListPeersByConfigNode(ctx context.Context, configName, nodeID string) ([]*store.Peer, error)
	CountPeersByConfigNode(ctx context.Context, configName, nodeID string) (int, error)
	FirstEnabledInterface(ctx context.Context, nodeID string) (*store.NodeInterface, error)
	UpdatePeerOwner(ctx context.Context, peerID, nodeID, interfaceName string) error
}

// AgentAPI is the slice of the agent client the migrator drives.
type AgentAPI interface {
	AddPeer(ctx context.Context, iface string, req agentclient.AddPeerRequest) error
	DeletePeer(ctx context.Context, iface, publicKey string) error
}

// PeerResult records the outcome for one migrated peer.
type PeerResult struct {
	PeerID            string `json:"peer_id"`
	PublicKey         string `json:"public_key"`
	DestinationNodeID string `json:"destination_node_id,omitempty"`
	Status            string `json:"status"`
	Error             string `json:"error,omitempty"`
}

// Result summarizes one migration run.
type Result struct {
	MigratedCount int          `json:"migrated_count"`
	Total         int          `json:"total"`
	Peers         []PeerResult `json:"peers"`
}

// Complete reports whether every peer moved.
func (r *Result) Complete() bool {
	return r.MigratedCount == r.Total
}

// Migrator moves peers off a node.
type Migrator struct {
	store Store

	// clientFor builds an agent client for a node; replaceable in tests.
	clientFor func(node *store.Node) AgentAPI
}

// New creates a Migrator that talks to real agents.
func New(s Store) *Migrator {
	return &Migrator{
		store: s,
		clientFor: func(node *store.Node) AgentAPI {
			return agentclient.NewClient(node.AgentURL, node.SharedSecret)
		},
	}
}

// NewWithClientFactory creates a Migrator with a custom agent factory.
func NewWithClientFactory(s Store, clientFor func(node *store.Node) AgentAPI) *Migrator {
	return &Migrator{store: s, clientFor: clientFor}
}

// MigrateFromNode relocates every peer the source node owns for the
// configuration. destinationNodeID optionally pins the destination;
// otherwise each peer goes to the healthy assigned node currently owning the
// fewest peers for this configuration.
//
// Per peer the order is: add to destination, rewrite ownership in the
// database, delete from source. The database rewrite is the linearization
// point; a failed source delete is only logged, since the stray peer shows
// up as unknown on the next drift scan.
func (m *Migrator) MigrateFromNode(ctx context.Context, configName, sourceNodeID, destinationNodeID string) (*Result, error) {
	peers, err := m.store.ListPeersByConfigNode(ctx, configName, sourceNodeID)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}

	result := &Result{Total: len(peers), Peers: []PeerResult{}}
	if len(peers) == 0 {
		return result, nil
	}

	candidates, counts, err := m.destinations(ctx, configName, sourceNodeID, destinationNodeID)
	if err != nil {
		return nil, err
	}

	sourceNode, err := m.store.GetNode(ctx, sourceNodeID)
	if err != nil {
		return nil, fmt.Errorf("source node: %w", err)
	}
	sourceAgent := m.clientFor(sourceNode)

	for _, peer := range peers {
		dest := leastLoaded(candidates, counts)

		peerResult := m.migratePeer(ctx, peer, sourceAgent, dest)
		if peerResult.Status == "migrated" {
			result.MigratedCount++
			counts[dest.ID]++
		}
		result.Peers = append(result.Peers, peerResult)
	}

	return result, nil
}

// destinations resolves the candidate set and current per-config load.
func (m *Migrator) destinations(ctx context.Context, configName, sourceNodeID, destinationNodeID string) ([]*store.Node, map[string]int, error) {
	var candidates []*store.Node

	if destinationNodeID != "" {
		node, err := m.store.GetNode(ctx, destinationNodeID)
		if err != nil {
			return nil, nil, fmt.Errorf("destination node: %w", err)
		}
		if !node.Enabled {
			return nil, nil, fmt.Errorf("destination node %s is disabled: %w", node.Name, ErrNoDestination)
		}
		candidates = []*store.Node{node}
	} else {
		assignments, err := m.store.ListHealthyNodesForConfig(ctx, configName)
		if err != nil {
			return nil, nil, fmt.Errorf("list healthy nodes: %w", err)
		}
		for _, assignment := range assignments {
			if assignment.NodeID == sourceNodeID {
				continue
			}
			node, err := m.store.GetNode(ctx, assignment.NodeID)
			if err != nil || !node.Enabled {
				continue
			}
			candidates = append(candidates, node)
		}
	}

	if len(candidates) == 0 {
		return nil, nil, ErrNoDestination
	}

	counts := make(map[string]int, len(candidates))
	for _, node := range candidates {
		count, err := m.store.CountPeersByConfigNode(ctx, configName, node.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("count peers on %s: %w", node.ID, err)
		}
		counts[node.ID] = count
	}
	return candidates, counts, nil
}

// leastLoaded picks the candidate owning the fewest peers for this config;
// ties break by list order, which follows node id.
func leastLoaded(candidates []*store.Node, counts map[string]int) *store.Node {
	best := candidates[0]
	for _, node := range candidates[1:] {
		if counts[node.ID] < counts[best.ID] {
			best = node
		}
	}
	return best
}

func (m *Migrator) migratePeer(ctx context.Context, peer *store.Peer, sourceAgent AgentAPI, dest *store.Node) PeerResult {
	failed := func(detail string) PeerResult {
		return PeerResult{PeerID: peer.ID, PublicKey: peer.PublicKey, Status: "failed", Error: detail}
	}

	destIface, err := m.store.FirstEnabledInterface(ctx, dest.ID)
	if err != nil {
		return failed(fmt.Sprintf("destination %s has no enabled interface", dest.ID))
	}

	destAgent := m.clientFor(dest)
	err = destAgent.AddPeer(ctx, destIface.InterfaceName, agentclient.AddPeerRequest{
		PublicKey:           peer.PublicKey,
		AllowedIPs:          peer.AllowedIPs(),
		PresharedKey:        peer.PresharedKey,
		PersistentKeepalive: peer.Keepalive,
	})
	if err != nil {
		return failed(fmt.Sprintf("add to destination: %v", err))
	}

	if err := m.store.UpdatePeerOwner(ctx, peer.ID, dest.ID, destIface.InterfaceName); err != nil {
		return failed(fmt.Sprintf("rewrite ownership: %v", err))
	}

	// The destination is now authoritative. A failed source delete leaves
	// an unknown peer behind for the drift reconciler to clean up.
	if err := sourceAgent.DeletePeer(ctx, peer.InterfaceName, peer.PublicKey); err != nil {
		log.Printf("migration: delete peer %s from source failed (drift will clean up): %v", peer.PublicKey, err)
	}

	return PeerResult{
		PeerID:            peer.ID,
		PublicKey:         peer.PublicKey,
		DestinationNodeID: dest.ID,
		Status:            "migrated",
	}
}
