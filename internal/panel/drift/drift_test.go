// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package drift

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabzou364/wgpanel/internal/panel/agentclient"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

func dumpWith(peers ...agentclient.DumpPeer) *agentclient.InterfaceDump {
	return &agentclient.InterfaceDump{Interface: "wg0", Peers: peers}
}

func dbPeer(id, publicKey, allowedIP string, keepalive int) *store.Peer {
	return &store.Peer{
		ID:        id,
		Name:      "peer-" + id,
		PublicKey: publicKey,
		AllowedIP: allowedIP,
		Keepalive: keepalive,
	}
}

func TestDetectNoDrift(t *testing.T) {
	dump := dumpWith(agentclient.DumpPeer{
		PublicKey:           "pk-a",
		AllowedIPs:          []string{"10.0.1.2/32"},
		PersistentKeepalive: 25,
	})
	peers := []*store.Peer{dbPeer("1", "pk-a", "10.0.1.2/32", 25)}

	report := Detect("n1", dump, peers)

	assert.False(t, report.HasDrift)
	assert.Zero(t, report.Summary.TotalIssues)
	assert.Equal(t, "n1", report.NodeID)
}

// Combined drift: one unknown, one missing, one mismatched — three issues.
func TestDetectCombinedDrift(t *testing.T) {
	dump := dumpWith(
		agentclient.DumpPeer{
			PublicKey:  "pk-a",
			AllowedIPs: []string{"10.0.1.2/32"},
		},
		agentclient.DumpPeer{
			PublicKey:  "pk-x",
			AllowedIPs: []string{"10.0.1.9/32"},
		},
	)
	peers := []*store.Peer{
		dbPeer("1", "pk-a", "10.0.1.2/32,10.0.1.3/32", 0),
		dbPeer("2", "pk-b", "10.0.1.4/32", 0),
	}

	report := Detect("n1", dump, peers)

	assert.True(t, report.HasDrift)
	assert.Equal(t, 3, report.Summary.TotalIssues)

	require.Len(t, report.UnknownPeers, 1)
	assert.Equal(t, "pk-x", report.UnknownPeers[0].PublicKey)

	require.Len(t, report.MissingPeers, 1)
	assert.Equal(t, "pk-b", report.MissingPeers[0].PublicKey)
	assert.Equal(t, "2", report.MissingPeers[0].PeerID)

	require.Len(t, report.MismatchedPeers, 1)
	mismatched := report.MismatchedPeers[0]
	assert.Equal(t, "pk-a", mismatched.PublicKey)
	require.Len(t, mismatched.Mismatches, 1)
	assert.Equal(t, "allowed_ips", mismatched.Mismatches[0].Field)
	assert.Equal(t, []string{"10.0.1.2/32", "10.0.1.3/32"}, mismatched.Mismatches[0].Expected)
	assert.Equal(t, []string{"10.0.1.2/32"}, mismatched.Mismatches[0].Actual)
}

// allowed_ips compare as sets: order must not produce a mismatch.
func TestDetectAllowedIPsOrderIndependent(t *testing.T) {
	dump := dumpWith(agentclient.DumpPeer{
		PublicKey:  "pk-a",
		AllowedIPs: []string{"10.0.1.3/32", "10.0.1.2/32"},
	})
	peers := []*store.Peer{dbPeer("1", "pk-a", "10.0.1.2/32,10.0.1.3/32", 0)}

	report := Detect("n1", dump, peers)
	assert.False(t, report.HasDrift)
}

func TestDetectKeepaliveMismatch(t *testing.T) {
	dump := dumpWith(agentclient.DumpPeer{
		PublicKey:           "pk-a",
		AllowedIPs:          []string{"10.0.1.2/32"},
		PersistentKeepalive: 0,
	})
	peers := []*store.Peer{dbPeer("1", "pk-a", "10.0.1.2/32", 25)}

	report := Detect("n1", dump, peers)

	require.Len(t, report.MismatchedPeers, 1)
	mismatch := report.MismatchedPeers[0].Mismatches[0]
	assert.Equal(t, "persistent_keepalive", mismatch.Field)
	assert.Equal(t, 25, mismatch.Expected)
	assert.Equal(t, 0, mismatch.Actual)
}

// Endpoint differences never count as drift: the endpoint is client-driven.
func TestDetectIgnoresEndpoint(t *testing.T) {
	endpoint := "203.0.113.7:12345"
	dump := dumpWith(agentclient.DumpPeer{
		PublicKey:  "pk-a",
		AllowedIPs: []string{"10.0.1.2/32"},
		Endpoint:   &endpoint,
	})
	peers := []*store.Peer{dbPeer("1", "pk-a", "10.0.1.2/32", 0)}

	assert.False(t, Detect("n1", dump, peers).HasDrift)
}

func TestDetectRestrictedPeerNotMissing(t *testing.T) {
	restricted := dbPeer("1", "pk-a", "10.0.1.2/32", 0)
	restricted.Restricted = true

	report := Detect("n1", dumpWith(), []*store.Peer{restricted})
	assert.False(t, report.HasDrift)
}

// fakeAgent applies reconcile actions to an in-memory peer set so a second
// Detect can observe convergence.
type fakeAgent struct {
	peers    map[string]agentclient.DumpPeer
	failKeys map[string]bool
}

func newFakeAgent(initial ...agentclient.DumpPeer) *fakeAgent {
	agent := &fakeAgent{peers: map[string]agentclient.DumpPeer{}, failKeys: map[string]bool{}}
	for _, peer := range initial {
		agent.peers[peer.PublicKey] = peer
	}
	return agent
}

func (f *fakeAgent) dump() *agentclient.InterfaceDump {
	dump := &agentclient.InterfaceDump{Interface: "wg0"}
	for _, peer := range f.peers {
		dump.Peers = append(dump.Peers, peer)
	}
	return dump
}

func (f *fakeAgent) AddPeer(ctx context.Context, iface string, req agentclient.AddPeerRequest) error {
	if f.failKeys[req.PublicKey] {
		return fmt.Errorf("wg set: device busy")
	}
	f.peers[req.PublicKey] = agentclient.DumpPeer{
		PublicKey:           req.PublicKey,
		AllowedIPs:          req.AllowedIPs,
		PersistentKeepalive: req.PersistentKeepalive,
	}
	return nil
}

func (f *fakeAgent) UpdatePeer(ctx context.Context, iface, publicKey string, req agentclient.UpdatePeerRequest) error {
	if f.failKeys[publicKey] {
		return fmt.Errorf("wg set: device busy")
	}
	peer := f.peers[publicKey]
	if req.AllowedIPs != nil {
		peer.AllowedIPs = req.AllowedIPs
	}
	if req.PersistentKeepalive != nil {
		peer.PersistentKeepalive = *req.PersistentKeepalive
	}
	f.peers[publicKey] = peer
	return nil
}

func (f *fakeAgent) DeletePeer(ctx context.Context, iface, publicKey string) error {
	if f.failKeys[publicKey] {
		return fmt.Errorf("wg set: device busy")
	}
	delete(f.peers, publicKey)
	return nil
}

// Full reconcile drives a drifted node to a clean report.
func TestReconcileConverges(t *testing.T) {
	agent := newFakeAgent(
		agentclient.DumpPeer{PublicKey: "pk-a", AllowedIPs: []string{"10.0.1.2/32"}},
		agentclient.DumpPeer{PublicKey: "pk-x", AllowedIPs: []string{"10.0.1.9/32"}},
	)
	peers := []*store.Peer{
		dbPeer("1", "pk-a", "10.0.1.2/32,10.0.1.3/32", 25),
		dbPeer("2", "pk-b", "10.0.1.4/32", 0),
	}
	peersByKey := map[string]*store.Peer{"pk-a": peers[0], "pk-b": peers[1]}

	report := Detect("n1", agent.dump(), peers)
	require.True(t, report.HasDrift)

	result := Reconcile(context.Background(), agent, "wg0", report, peersByKey, ReconcileOptions{
		ReconcileMissing:    true,
		ReconcileMismatched: true,
		RemoveUnknown:       true,
	})

	assert.Equal(t, []string{"pk-b"}, result.Added)
	assert.Equal(t, []string{"pk-a"}, result.Updated)
	assert.Equal(t, []string{"pk-x"}, result.Removed)
	assert.Empty(t, result.Errors)

	after := Detect("n1", agent.dump(), peers)
	assert.False(t, after.HasDrift, "reconcile must converge to a clean report")
}

// Toggles are independent: with only remove_unknown set, missing and
// mismatched peers stay untouched.
func TestReconcileTogglesIndependent(t *testing.T) {
	agent := newFakeAgent(
		agentclient.DumpPeer{PublicKey: "pk-x", AllowedIPs: []string{"10.0.1.9/32"}},
	)
	peers := []*store.Peer{dbPeer("1", "pk-b", "10.0.1.4/32", 0)}
	peersByKey := map[string]*store.Peer{"pk-b": peers[0]}

	report := Detect("n1", agent.dump(), peers)
	result := Reconcile(context.Background(), agent, "wg0", report, peersByKey, ReconcileOptions{
		RemoveUnknown: true,
	})

	assert.Empty(t, result.Added)
	assert.Equal(t, []string{"pk-x"}, result.Removed)

	after := Detect("n1", agent.dump(), peers)
	assert.Equal(t, 1, after.Summary.MissingCount)
}

// One failing peer must not abort the other actions.
func TestReconcilePartialFailure(t *testing.T) {
	agent := newFakeAgent(
		agentclient.DumpPeer{PublicKey: "pk-x", AllowedIPs: []string{"10.0.1.9/32"}},
	)
	agent.failKeys["pk-x"] = true

	peers := []*store.Peer{dbPeer("1", "pk-b", "10.0.1.4/32", 0)}
	peersByKey := map[string]*store.Peer{"pk-b": peers[0]}

	report := Detect("n1", agent.dump(), peers)
	result := Reconcile(context.Background(), agent, "wg0", report, peersByKey, ReconcileOptions{
		ReconcileMissing: true,
		RemoveUnknown:    true,
	})

	assert.Equal(t, []string{"pk-b"}, result.Added)
	assert.Empty(t, result.Removed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "pk-x", result.Errors[0].Peer)
	assert.Equal(t, "remove", result.Errors[0].Action)
}
