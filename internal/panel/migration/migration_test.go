// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package migration

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabzou364/wgpanel/internal/panel/agentclient"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// fakeMigrationStore models nodes, assignments and peer ownership in memory.
type fakeMigrationStore struct {
	nodes       map[string]*store.Node
	assignments []*store.ConfigNode
	peers       map[string]*store.Peer // peerID -> peer
	interfaces  map[string]*store.NodeInterface
}

func (f *fakeMigrationStore) GetNode(ctx context.Context, id string) (*store.Node, error) {
	node, exists := f.nodes[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return node, nil
}

func (f *fakeMigrationStore) ListHealthyNodesForConfig(ctx context.Context, configName string) ([]*store.ConfigNode, error) {
	var healthy []*store.ConfigNode
	for _, assignment := range f.assignments {
		if assignment.ConfigName == configName && assignment.IsHealthy {
			healthy = append(healthy, assignment)
		}
	}
	return healthy, nil
}

func (f *fakeMigrationStore) ListPeersByConfigNode(ctx context.Context, configName, nodeID string) ([]*store.Peer, error) {
	var peers []*store.Peer
	for _, peer := range f.peers {
		if peer.ConfigName == configName && peer.NodeID == nodeID {
			peers = append(peers, peer)
		}
	}
	return peers, nil
}

func (f *fakeMigrationStore) CountPeersByConfigNode(ctx context.Context, configName, nodeID string) (int, error) {
	peers, _ := f.ListPeersByConfigNode(ctx, configName, nodeID)
	return len(peers), nil
}

func (f *fakeMigrationStore) FirstEnabledInterface(ctx context.Context, nodeID string) (*store.NodeInterface, error) {
	iface, exists := f.interfaces[nodeID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return iface, nil
}

func (f *fakeMigrationStore) UpdatePeerOwner(ctx context.Context, peerID, nodeID, interfaceName string) error {
	peer, exists := f.peers[peerID]
	if !exists {
		return store.ErrNotFound
	}
	peer.NodeID = nodeID
	peer.InterfaceName = interfaceName
	return nil
}

// recordingAgent records calls; failures are configurable per method.
type recordingAgent struct {
	added         []string
	deleted       []string
	failAdd       bool
	failDel       bool
	presharedKeys map[string]string
}

func (a *recordingAgent) AddPeer(ctx context.Context, iface string, req agentclient.AddPeerRequest) error {
	if a.failAdd {
		return fmt.Errorf("agent error (status 500): device busy")
	}
	a.added = append(a.added, req.PublicKey)
	if a.presharedKeys == nil {
		a.presharedKeys = map[string]string{}
	}
	a.presharedKeys[req.PublicKey] = req.PresharedKey
	return nil
}

func (a *recordingAgent) DeletePeer(ctx context.Context, iface, publicKey string) error {
	if a.failDel {
		return fmt.Errorf("agent unreachable: connection refused")
	}
	a.deleted = append(a.deleted, publicKey)
	return nil
}

func twoNodeFixture() (*fakeMigrationStore, map[string]*recordingAgent) {
	fake := &fakeMigrationStore{
		nodes: map[string]*store.Node{
			"n1": {ID: "n1", Name: "node-1", Enabled: true, AgentURL: "http://n1", SharedSecret: "s1"},
			"n2": {ID: "n2", Name: "node-2", Enabled: true, AgentURL: "http://n2", SharedSecret: "s2"},
		},
		assignments: []*store.ConfigNode{
			{ConfigName: "wg0", NodeID: "n1", IsHealthy: true},
			{ConfigName: "wg0", NodeID: "n2", IsHealthy: true},
		},
		peers: map[string]*store.Peer{
			"p1": {ID: "p1", ConfigName: "wg0", PublicKey: "pk-1", NodeID: "n1", InterfaceName: "wg0", AllowedIP: "10.0.1.2/24", PresharedKey: "psk-1", Keepalive: 25},
			"p2": {ID: "p2", ConfigName: "wg0", PublicKey: "pk-2", NodeID: "n1", InterfaceName: "wg0", AllowedIP: "10.0.1.3/24"},
			"p3": {ID: "p3", ConfigName: "wg0", PublicKey: "pk-3", NodeID: "n1", InterfaceName: "wg0", AllowedIP: "10.0.1.4/24"},
		},
		interfaces: map[string]*store.NodeInterface{
			"n1": {NodeID: "n1", InterfaceName: "wg0", Enabled: true},
			"n2": {NodeID: "n2", InterfaceName: "wg0", Enabled: true},
		},
	}
	agents := map[string]*recordingAgent{
		"n1": {},
		"n2": {},
	}
	return fake, agents
}

func migratorFor(fake *fakeMigrationStore, agents map[string]*recordingAgent) *Migrator {
	return NewWithClientFactory(fake, func(node *store.Node) AgentAPI {
		return agents[node.ID]
	})
}

// Removing a node from a config moves all its peers to the remaining
// healthy node: add on destination, ownership rewrite, delete on source.
func TestMigrateAllPeers(t *testing.T) {
	fake, agents := twoNodeFixture()
	migrator := migratorFor(fake, agents)

	result, err := migrator.MigrateFromNode(context.Background(), "wg0", "n1", "")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.MigratedCount)
	assert.True(t, result.Complete())

	assert.ElementsMatch(t, []string{"pk-1", "pk-2", "pk-3"}, agents["n2"].added)
	assert.ElementsMatch(t, []string{"pk-1", "pk-2", "pk-3"}, agents["n1"].deleted)

	for _, peer := range fake.peers {
		assert.Equal(t, "n2", peer.NodeID)
		assert.Equal(t, "wg0", peer.InterfaceName)
	}

	// The preshared key must travel with the peer.
	assert.Equal(t, "psk-1", agents["n2"].presharedKeys["pk-1"])
}

func TestMigrateNoPeersIsNoop(t *testing.T) {
	fake, agents := twoNodeFixture()
	migrator := migratorFor(fake, agents)

	result, err := migrator.MigrateFromNode(context.Background(), "wg0", "n2", "")
	require.NoError(t, err)
	assert.Zero(t, result.Total)
	assert.Empty(t, agents["n1"].added)
}

func TestMigrateNoDestination(t *testing.T) {
	fake, agents := twoNodeFixture()
	// Only the source is assigned.
	fake.assignments = fake.assignments[:1]
	migrator := migratorFor(fake, agents)

	_, err := migrator.MigrateFromNode(context.Background(), "wg0", "n1", "")
	assert.ErrorIs(t, err, ErrNoDestination)

	// Nothing moved.
	for _, peer := range fake.peers {
		assert.Equal(t, "n1", peer.NodeID)
	}
}

// A failed source delete is tolerated: ownership already moved, drift
// cleanup handles the stray.
func TestMigrateToleratesSourceDeleteFailure(t *testing.T) {
	fake, agents := twoNodeFixture()
	agents["n1"].failDel = true
	migrator := migratorFor(fake, agents)

	result, err := migrator.MigrateFromNode(context.Background(), "wg0", "n1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, result.MigratedCount)

	for _, peer := range fake.peers {
		assert.Equal(t, "n2", peer.NodeID)
	}
}

// A failed destination add leaves ownership untouched for that peer.
func TestMigrateDestinationAddFailure(t *testing.T) {
	fake, agents := twoNodeFixture()
	agents["n2"].failAdd = true
	migrator := migratorFor(fake, agents)

	result, err := migrator.MigrateFromNode(context.Background(), "wg0", "n1", "")
	require.NoError(t, err)
	assert.Zero(t, result.MigratedCount)
	assert.False(t, result.Complete())

	for _, peer := range fake.peers {
		assert.Equal(t, "n1", peer.NodeID, "ownership must not move when the destination rejected the peer")
	}
	for _, peerResult := range result.Peers {
		assert.Equal(t, "failed", peerResult.Status)
	}
}

func TestMigrateExplicitDestination(t *testing.T) {
	fake, agents := twoNodeFixture()
	migrator := migratorFor(fake, agents)

	result, err := migrator.MigrateFromNode(context.Background(), "wg0", "n1", "n2")
	require.NoError(t, err)
	assert.Equal(t, 3, result.MigratedCount)
}

func TestMigrateExplicitDisabledDestination(t *testing.T) {
	fake, agents := twoNodeFixture()
	fake.nodes["n2"].Enabled = false
	migrator := migratorFor(fake, agents)

	_, err := migrator.MigrateFromNode(context.Background(), "wg0", "n1", "n2")
	assert.ErrorIs(t, err, ErrNoDestination)
}
