// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package placement chooses which node a new peer should live on.
package placement

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gabzou364/wgpanel/internal/panel/health"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// StrategyAuto asks the selector to load-balance; any other strategy value
// is taken as a specific node id.
const StrategyAuto = "auto"

// ErrNoNodesConfigured is returned when the inventory is completely empty so
// the caller may fall back to a legacy local mode.
var ErrNoNodesConfigured = errors.New("no nodes configured")

// ErrNodeAtCapacity is returned when the requested node is at its max_peers
// cap.
var ErrNodeAtCapacity = errors.New("node is at capacity")

// ErrNoCandidates is returned when nodes exist but none can accept a peer.
var ErrNoCandidates = errors.New("no available nodes")

// Inventory is the slice of the panel store the selector reads.
type Inventory interface {
	GetNode(ctx context.Context, id string) (*store.Node, error)
	ListEnabledNodes(ctx context.Context) ([]*store.Node, error)
	ListEnabledNodesByGroup(ctx context.Context, groupID string) ([]*store.Node, error)
	CountNodes(ctx context.Context) (int, error)
}

// Selector implements peer placement over the node inventory.
type Selector struct {
	inventory Inventory
}

// New creates a Selector.
func New(inventory Inventory) *Selector {
	return &Selector{inventory: inventory}
}

// Select picks a node for a new peer. strategy is either StrategyAuto or a
// specific node id; groupID, when non-nil, restricts the choice to that
// group.
func (s *Selector) Select(ctx context.Context, strategy string, groupID *string) (*store.Node, error) {
	if strategy == StrategyAuto {
		return s.selectAuto(ctx, groupID)
	}
	return s.selectSpecific(ctx, strategy, groupID)
}

func (s *Selector) selectSpecific(ctx context.Context, nodeID string, groupID *string) (*store.Node, error) {
	node, err := s.inventory.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, err)
	}
	if !node.Enabled {
		return nil, fmt.Errorf("node %s is disabled", node.Name)
	}
	if groupID != nil && (node.GroupID == nil || *node.GroupID != *groupID) {
		return nil, fmt.Errorf("node %s is not in the requested group", node.Name)
	}
	if node.MaxPeers > 0 {
		active := health.ParseRecord(node.HealthJSON).ActivePeers()
		if active >= node.MaxPeers {
			return nil, fmt.Errorf("node %s (%d/%d): %w", node.Name, active, node.MaxPeers, ErrNodeAtCapacity)
		}
	}
	return node, nil
}

// selectAuto scores every candidate and returns the minimum. Lower is
// better; ties break by node id order, which the inventory queries already
// guarantee.
func (s *Selector) selectAuto(ctx context.Context, groupID *string) (*store.Node, error) {
	var nodes []*store.Node
	var err error
	if groupID != nil {
		nodes, err = s.inventory.ListEnabledNodesByGroup(ctx, *groupID)
	} else {
		nodes, err = s.inventory.ListEnabledNodes(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	if len(nodes) == 0 {
		if groupID != nil {
			return nil, fmt.Errorf("no enabled nodes in group %s: %w", *groupID, ErrNoCandidates)
		}
		total, err := s.inventory.CountNodes(ctx)
		if err != nil {
			return nil, fmt.Errorf("count nodes: %w", err)
		}
		if total == 0 {
			return nil, ErrNoNodesConfigured
		}
		return nil, ErrNoCandidates
	}

	var best *store.Node
	var bestScore float64
	for _, node := range nodes {
		record := health.ParseRecord(node.HealthJSON)
		active := record.ActivePeers()

		if node.MaxPeers > 0 && active >= node.MaxPeers {
			continue
		}

		score := baseScore(node, active)
		score += metricsPenalty(record)

		if best == nil || score < bestScore {
			best = node
			bestScore = score
		}
	}

	if best == nil {
		return nil, fmt.Errorf("all nodes at capacity: %w", ErrNoCandidates)
	}
	log.Printf("placement: auto-selected node %s (score %.4f)", best.Name, bestScore)
	return best, nil
}

// baseScore is peer utilization divided by weight: utilization fraction for
// capped nodes, raw count for unlimited ones.
func baseScore(node *store.Node, active int) float64 {
	if node.MaxPeers > 0 {
		return (float64(active) / float64(node.MaxPeers)) / float64(node.Weight)
	}
	return float64(active) / float64(node.Weight)
}

// metricsPenalty adds load penalties from the node's last status report.
func metricsPenalty(record health.Record) float64 {
	cpu, cpuOK, mem, memOK := record.SystemMetrics()

	penalty := 0.0
	if cpuOK {
		switch {
		case cpu > 80:
			penalty += 0.5
		case cpu > 60:
			penalty += 0.2
		case cpu > 40:
			penalty += 0.05
		}
	}
	if memOK {
		switch {
		case mem > 85:
			penalty += 0.4
		case mem > 70:
			penalty += 0.15
		case mem > 50:
			penalty += 0.05
		}
	}
	return penalty
}
