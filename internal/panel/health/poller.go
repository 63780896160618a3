// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package health polls node agents and maintains the panel's view of fleet
// health.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gabzou364/wgpanel/internal/panel/agentclient"
	"github.com/gabzou364/wgpanel/internal/panel/dnssync"
	"github.com/gabzou364/wgpanel/internal/panel/migration"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

const (
	defaultInterval   = 60 * time.Second
	defaultStartDelay = 15 * time.Second
	defaultFanOut     = 8
)

// AgentAPI is the slice of the agent client the poller uses.
type AgentAPI interface {
	Health(ctx context.Context) (*agentclient.HealthReport, error)
	Dump(ctx context.Context, iface string) (*agentclient.InterfaceDump, error)
	Status(ctx context.Context) (map[string]json.RawMessage, error)
}

// Store is the slice of the panel store the poller uses.
type Store interface {
	ListEnabledNodes(ctx context.Context) ([]*store.Node, error)
	FirstEnabledInterface(ctx context.Context, nodeID string) (*store.NodeInterface, error)
	UpdateNodeHealth(ctx context.Context, id string, healthJSON []byte) error
	SetConfigNodeHealth(ctx context.Context, nodeID string, healthy bool) ([]string, error)
	GetEndpointGroup(ctx context.Context, configName string) (*store.EndpointGroup, error)
	UpdatePeerTelemetry(ctx context.Context, peerID string, latestHandshake *int64, rx, tx int64) error
	ListPeersByNode(ctx context.Context, nodeID string) ([]*store.Peer, error)
}

// Migrator relocates a node's peers when auto-migrate kicks in.
type Migrator interface {
	MigrateFromNode(ctx context.Context, configName, sourceNodeID, destinationNodeID string) (*migration.Result, error)
}

// DNSSyncer refreshes a configuration's DNS records.
type DNSSyncer interface {
	SyncConfig(ctx context.Context, configName string) (*dnssync.SyncResult, error)
}

// Poller is the background health loop: every interval it probes each
// enabled node with bounded concurrency, persists the merged report, and
// reacts to health transitions.
type Poller struct {
	store    Store
	migrator Migrator
	dns      DNSSyncer

	clientFor func(node *store.Node) AgentAPI

	interval   time.Duration
	startDelay time.Duration
	fanOut     int
}

// NewPoller creates a Poller with production defaults. migrator and dns may
// be nil to disable the corresponding reactions.
func NewPoller(s Store, migrator Migrator, dns DNSSyncer) *Poller {
	return &Poller{
		store:    s,
		migrator: migrator,
		dns:      dns,
		clientFor: func(node *store.Node) AgentAPI {
			return agentclient.NewClient(node.AgentURL, node.SharedSecret)
		},
		interval:   defaultInterval,
		startDelay: defaultStartDelay,
		fanOut:     defaultFanOut,
	}
}

// Run loops until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("health: poller started (interval %s)", p.interval)

	select {
	case <-ctx.Done():
		return
	case <-time.After(p.startDelay):
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)

		select {
		case <-ctx.Done():
			log.Printf("health: poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// PollOnce probes every enabled node once. Per-node failures are isolated:
// an unreachable agent marks the node offline, an agent that answers with a
// failure marks it error, and neither aborts the round.
func (p *Poller) PollOnce(ctx context.Context) {
	nodes, err := p.store.ListEnabledNodes(ctx)
	if err != nil {
		log.Printf("health: list nodes: %v", err)
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.fanOut)
	for _, node := range nodes {
		node := node
		group.Go(func() error {
			p.pollNode(groupCtx, node)
			return nil
		})
	}
	group.Wait()
}

func (p *Poller) pollNode(ctx context.Context, node *store.Node) {
	client := p.clientFor(node)
	record := Record{}

	report, err := client.Health(ctx)
	if err != nil {
		record.Status = StatusOffline
		record.Error = err.Error()
		var agentErr *agentclient.Error
		if errors.As(err, &agentErr) && !agentErr.Unreachable() {
			record.Status = StatusError
		}
	} else {
		record.Status = StatusOnline
		record.Health = report

		if iface, err := p.store.FirstEnabledInterface(ctx, node.ID); err == nil {
			if dump, err := client.Dump(ctx, iface.InterfaceName); err == nil {
				record.WGDump = dump
				p.mirrorTelemetry(ctx, node, dump)
			} else {
				log.Printf("health: dump %s/%s: %v", node.Name, iface.InterfaceName, err)
			}
		}

		if statusReport, err := client.Status(ctx); err == nil {
			record.Report = statusReport
		}
	}

	healthJSON, err := json.Marshal(record)
	if err != nil {
		log.Printf("health: marshal record for %s: %v", node.Name, err)
		return
	}
	if err := p.store.UpdateNodeHealth(ctx, node.ID, healthJSON); err != nil {
		log.Printf("health: persist record for %s: %v", node.Name, err)
		return
	}

	healthy := record.Status == StatusOnline
	changed, err := p.store.SetConfigNodeHealth(ctx, node.ID, healthy)
	if err != nil {
		log.Printf("health: update assignments for %s: %v", node.Name, err)
		return
	}
	if len(changed) > 0 {
		p.reactToTransition(ctx, node, healthy, changed)
	}
}

// mirrorTelemetry copies agent-reported peer counters into the peer rows.
func (p *Poller) mirrorTelemetry(ctx context.Context, node *store.Node, dump *agentclient.InterfaceDump) {
	peers, err := p.store.ListPeersByNode(ctx, node.ID)
	if err != nil {
		return
	}
	byKey := map[string]agentclient.DumpPeer{}
	for _, peer := range dump.Peers {
		byKey[peer.PublicKey] = peer
	}
	for _, peer := range peers {
		reported, present := byKey[peer.PublicKey]
		if !present {
			continue
		}
		if err := p.store.UpdatePeerTelemetry(ctx, peer.ID, reported.LatestHandshake,
			reported.TransferRx, reported.TransferTx); err != nil {
			log.Printf("health: telemetry for peer %s: %v", peer.PublicKey, err)
		}
	}
}

// reactToTransition handles a node flipping health state: on unhealthy, its
// peers migrate away from every auto-migrate configuration; in both
// directions the published DNS set is refreshed.
func (p *Poller) reactToTransition(ctx context.Context, node *store.Node, healthy bool, configs []string) {
	for _, configName := range configs {
		log.Printf("health: node %s is now %s for config %s", node.Name, statusWord(healthy), configName)

		group, err := p.store.GetEndpointGroup(ctx, configName)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("health: endpoint group for %s: %v", configName, err)
			}
			continue
		}

		if !healthy && group.AutoMigrate && p.migrator != nil {
			result, err := p.migrator.MigrateFromNode(ctx, configName, node.ID, "")
			if err != nil {
				log.Printf("health: auto-migrate from %s failed: %v", node.Name, err)
			} else if result.Total > 0 {
				log.Printf("health: auto-migrated %d/%d peers from %s", result.MigratedCount, result.Total, node.Name)
			}
		}

		if p.dns != nil {
			if _, err := p.dns.SyncConfig(ctx, configName); err != nil {
				log.Printf("health: dns sync for %s failed: %v", configName, err)
			}
		}
	}
}

func statusWord(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}
