// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package placement

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// fakeInventory serves nodes from a slice, preserving id order like the
// store queries do.
type fakeInventory struct {
	nodes []*store.Node
}

func (f *fakeInventory) GetNode(ctx context.Context, id string) (*store.Node, error) {
	for _, node := range f.nodes {
		if node.ID == id {
			return node, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeInventory) ListEnabledNodes(ctx context.Context) ([]*store.Node, error) {
	var enabled []*store.Node
	for _, node := range f.nodes {
		if node.Enabled {
			enabled = append(enabled, node)
		}
	}
	return enabled, nil
}

func (f *fakeInventory) ListEnabledNodesByGroup(ctx context.Context, groupID string) ([]*store.Node, error) {
	var enabled []*store.Node
	for _, node := range f.nodes {
		if node.Enabled && node.GroupID != nil && *node.GroupID == groupID {
			enabled = append(enabled, node)
		}
	}
	return enabled, nil
}

func (f *fakeInventory) CountNodes(ctx context.Context) (int, error) {
	return len(f.nodes), nil
}

// testNode builds a node whose health record reports the given peer count
// and system metrics.
func testNode(id string, weight, maxPeers, activePeers int, cpu, mem float64) *store.Node {
	peers := make([]map[string]interface{}, activePeers)
	for i := range peers {
		peers[i] = map[string]interface{}{"public_key": fmt.Sprintf("pk-%s-%d", id, i)}
	}
	record := map[string]interface{}{
		"status":  "online",
		"wg_dump": map[string]interface{}{"interface": "wg0", "peers": peers},
		"report": map[string]interface{}{
			"system": map[string]interface{}{
				"cpu_percent": cpu,
				"memory":      map[string]interface{}{"percent": mem},
			},
		},
	}
	healthJSON, _ := json.Marshal(record)
	return &store.Node{
		ID:         id,
		Name:       "node-" + id,
		Enabled:    true,
		Weight:     weight,
		MaxPeers:   maxPeers,
		HealthJSON: healthJSON,
	}
}

func TestAutoSelectPicksLeastLoaded(t *testing.T) {
	// N1: 50/100 active, N2: 25/100 — N2 must win.
	inventory := &fakeInventory{nodes: []*store.Node{
		testNode("n1", 100, 100, 50, 10, 10),
		testNode("n2", 100, 100, 25, 10, 10),
	}}
	selector := New(inventory)

	node, err := selector.Select(context.Background(), StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, "n2", node.ID)
}

func TestAutoSelectRespectsWeight(t *testing.T) {
	// Same utilization, but n2 carries double weight and should win.
	inventory := &fakeInventory{nodes: []*store.Node{
		testNode("n1", 100, 100, 40, 10, 10),
		testNode("n2", 200, 100, 40, 10, 10),
	}}
	selector := New(inventory)

	node, err := selector.Select(context.Background(), StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, "n2", node.ID)
}

// Auto-select never returns a node at or over its cap.
func TestAutoSelectSkipsFullNodes(t *testing.T) {
	inventory := &fakeInventory{nodes: []*store.Node{
		testNode("n1", 100, 10, 10, 0, 0),
		testNode("n2", 100, 10, 9, 0, 0),
	}}
	selector := New(inventory)

	node, err := selector.Select(context.Background(), StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, "n2", node.ID)
}

func TestAutoSelectAllAtCapacity(t *testing.T) {
	inventory := &fakeInventory{nodes: []*store.Node{
		testNode("n1", 100, 5, 5, 0, 0),
		testNode("n2", 100, 5, 7, 0, 0),
	}}
	selector := New(inventory)

	_, err := selector.Select(context.Background(), StrategyAuto, nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestAutoSelectCPUPenalty(t *testing.T) {
	// n1 is less loaded by peers but burning CPU; the +0.5 penalty at >80%
	// must push it behind n2.
	inventory := &fakeInventory{nodes: []*store.Node{
		testNode("n1", 100, 100, 10, 85, 10),
		testNode("n2", 100, 100, 20, 10, 10),
	}}
	selector := New(inventory)

	node, err := selector.Select(context.Background(), StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, "n2", node.ID)
}

func TestAutoSelectMemoryPenalty(t *testing.T) {
	inventory := &fakeInventory{nodes: []*store.Node{
		testNode("n1", 100, 100, 10, 10, 90),
		testNode("n2", 100, 100, 20, 10, 10),
	}}
	selector := New(inventory)

	node, err := selector.Select(context.Background(), StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, "n2", node.ID)
}

func TestAutoSelectTieBreaksByNodeID(t *testing.T) {
	inventory := &fakeInventory{nodes: []*store.Node{
		testNode("a", 100, 100, 10, 10, 10),
		testNode("b", 100, 100, 10, 10, 10),
	}}
	selector := New(inventory)

	node, err := selector.Select(context.Background(), StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", node.ID)
}

func TestAutoSelectNoNodesConfigured(t *testing.T) {
	selector := New(&fakeInventory{})

	_, err := selector.Select(context.Background(), StrategyAuto, nil)
	assert.ErrorIs(t, err, ErrNoNodesConfigured)
}

func TestAutoSelectGroupFilter(t *testing.T) {
	groupA := "group-a"
	inGroup := testNode("n1", 100, 100, 50, 10, 10)
	inGroup.GroupID = &groupA
	outOfGroup := testNode("n2", 100, 100, 0, 10, 10)

	inventory := &fakeInventory{nodes: []*store.Node{inGroup, outOfGroup}}
	selector := New(inventory)

	node, err := selector.Select(context.Background(), StrategyAuto, &groupA)
	require.NoError(t, err)
	assert.Equal(t, "n1", node.ID)
}

func TestSpecificNodeSelection(t *testing.T) {
	disabled := testNode("n2", 100, 100, 0, 0, 0)
	disabled.Enabled = false
	full := testNode("n3", 100, 5, 5, 0, 0)

	inventory := &fakeInventory{nodes: []*store.Node{
		testNode("n1", 100, 100, 10, 0, 0),
		disabled,
		full,
	}}
	selector := New(inventory)

	tests := []struct {
		name     string
		strategy string
		wantErr  error
		wantNode string
	}{
		{name: "healthy node", strategy: "n1", wantNode: "n1"},
		{name: "unknown node", strategy: "missing", wantErr: store.ErrNotFound},
		{name: "node at capacity", strategy: "n3", wantErr: ErrNodeAtCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := selector.Select(context.Background(), tt.strategy, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNode, node.ID)
		})
	}

	t.Run("disabled node", func(t *testing.T) {
		_, err := selector.Select(context.Background(), "n2", nil)
		assert.ErrorContains(t, err, "disabled")
	})
}

func TestSelectUnknownHealthCountsAsZeroPeers(t *testing.T) {
	fresh := &store.Node{ID: "n1", Name: "node-n1", Enabled: true, Weight: 100, MaxPeers: 10}
	loaded := testNode("n2", 100, 10, 5, 0, 0)

	inventory := &fakeInventory{nodes: []*store.Node{loaded, fresh}}
	selector := New(inventory)

	node, err := selector.Select(context.Background(), StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, "n1", node.ID)
}
