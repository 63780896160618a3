// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package dnssync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sort"

	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// ErrNoEndpointGroup is returned when the configuration has no DNS policy.
var ErrNoEndpointGroup = errors.New("no endpoint group configured")

// ProviderAPI is the slice of the DNS client the reconciler drives.
type ProviderAPI interface {
	ListRecords(ctx context.Context, zoneID, name, recordType string) ([]Record, error)
	CreateRecord(ctx context.Context, zoneID string, record Record) (*Record, error)
	DeleteRecord(ctx context.Context, zoneID, recordID string) error
}

// Store is the slice of the panel store the reconciler reads.
type Store interface {
	GetEndpointGroup(ctx context.Context, configName string) (*store.EndpointGroup, error)
	ListNodesForConfig(ctx context.Context, configName string) ([]*store.ConfigNode, error)
	ListHealthyNodesForConfig(ctx context.Context, configName string) ([]*store.ConfigNode, error)
	GetNode(ctx context.Context, id string) (*store.Node, error)
	InsertAuditLog(ctx context.Context, entry *store.AuditLog) error
}

// SyncResult reports what one reconcile pass did.
type SyncResult struct {
	ConfigName string   `json:"config_name"`
	IPs        []string `json:"ips"`
	Created    []string `json:"created"`
	Deleted    []string `json:"deleted"`
	Enqueued   int      `json:"enqueued"`
	Skipped    bool     `json:"skipped"`
	Warning    string   `json:"warning,omitempty"`
}

// Reconciler diffs desired node IPs against live provider records and
// applies the difference.
type Reconciler struct {
	store    Store
	provider ProviderAPI
	queue    *RetryQueue
}

// NewReconciler creates a Reconciler. The retry queue is shared so manual
// syncs and background syncs feed the same worker.
func NewReconciler(s Store, provider ProviderAPI, queue *RetryQueue) *Reconciler {
	return &Reconciler{store: s, provider: provider, queue: queue}
}

// SyncConfig reconciles the configuration's DNS records with its current
// node set. Creates happen before deletes so resolvers always see at least
// one valid address mid-sync. Identical records are left untouched, making
// the operation idempotent. Provider failures enqueue retries instead of
// aborting.
func (r *Reconciler) SyncConfig(ctx context.Context, configName string) (*SyncResult, error) {
	group, err := r.store.GetEndpointGroup(ctx, configName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoEndpointGroup
		}
		return nil, fmt.Errorf("endpoint group: %w", err)
	}
	if group.DNSZoneID == "" || group.DNSRecordName == "" {
		return nil, fmt.Errorf("endpoint group for %q has no DNS zone configured", configName)
	}

	ips, err := r.publishableIPs(ctx, configName, group)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{
		ConfigName: configName,
		IPs:        ips,
		Created:    []string{},
		Deleted:    []string{},
	}

	if len(ips) < group.MinNodes {
		result.Skipped = true
		result.Warning = fmt.Sprintf("not enough publishable nodes (%d < min %d), keeping existing records",
			len(ips), group.MinNodes)
		log.Printf("dnssync: %s: %s", configName, result.Warning)
		return result, nil
	}

	var v4, v6 []string
	for _, ip := range ips {
		if addr, err := netip.ParseAddr(ip); err == nil && addr.Is4() {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}

	r.syncRecordType(ctx, group, "A", v4, result)
	r.syncRecordType(ctx, group, "AAAA", v6, result)

	details, _ := json.Marshal(map[string]interface{}{
		"record":  group.DNSRecordName,
		"ips":     ips,
		"created": result.Created,
		"deleted": result.Deleted,
	})
	if err := r.store.InsertAuditLog(ctx, &store.AuditLog{
		Action:     "dns_updated",
		EntityType: "endpoint_group",
		EntityID:   configName,
		Details:    string(details),
		Actor:      "system",
	}); err != nil {
		log.Printf("dnssync: audit write failed: %v", err)
	}

	return result, nil
}

// publishableIPs parses node endpoints into bare IPs, filtering to healthy
// assignments when the group asks for it. Endpoint hosts that are not IP
// literals are skipped: only address records are published.
func (r *Reconciler) publishableIPs(ctx context.Context, configName string, group *store.EndpointGroup) ([]string, error) {
	var assignments []*store.ConfigNode
	var err error
	if group.PublishOnlyHealthy {
		assignments, err = r.store.ListHealthyNodesForConfig(ctx, configName)
	} else {
		assignments, err = r.store.ListNodesForConfig(ctx, configName)
	}
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	seen := map[string]bool{}
	var ips []string
	for _, assignment := range assignments {
		node, err := r.store.GetNode(ctx, assignment.NodeID)
		if err != nil || !node.Enabled || node.Endpoint == "" {
			continue
		}
		host := node.Endpoint
		if h, _, err := net.SplitHostPort(node.Endpoint); err == nil {
			host = h
		}
		if _, err := netip.ParseAddr(host); err != nil {
			continue
		}
		if !seen[host] {
			seen[host] = true
			ips = append(ips, host)
		}
	}
	sort.Strings(ips)
	return ips, nil
}

// syncRecordType diffs one record type. Records already holding a desired IP
// are untouched; missing IPs are created, stale records deleted.
func (r *Reconciler) syncRecordType(ctx context.Context, group *store.EndpointGroup, recordType string, desired []string, result *SyncResult) {
	existing, err := r.provider.ListRecords(ctx, group.DNSZoneID, group.DNSRecordName, recordType)
	if err != nil {
		// Without the existing set there is no safe diff; creating blindly
		// would churn duplicates. Leave this type to the next sync.
		log.Printf("dnssync: list %s records failed: %v", recordType, err)
		return
	}

	existingByIP := map[string]string{}
	for _, record := range existing {
		existingByIP[record.Content] = record.ID
	}

	for _, ip := range desired {
		if _, present := existingByIP[ip]; present {
			delete(existingByIP, ip)
			continue
		}
		record := Record{
			Type:    recordType,
			Name:    group.DNSRecordName,
			Content: ip,
			TTL:     group.TTL,
			Proxied: false,
		}
		if _, err := r.provider.CreateRecord(ctx, group.DNSZoneID, record); err != nil {
			log.Printf("dnssync: create %s %s failed, queuing retry: %v", recordType, ip, err)
			r.queue.EnqueueCreate(group.DNSZoneID, record)
			result.Enqueued++
			continue
		}
		result.Created = append(result.Created, ip)
	}

	// Whatever remains maps to IPs no longer published.
	for ip, recordID := range existingByIP {
		if err := r.provider.DeleteRecord(ctx, group.DNSZoneID, recordID); err != nil {
			log.Printf("dnssync: delete %s %s failed, queuing retry: %v", recordType, ip, err)
			r.queue.EnqueueDelete(group.DNSZoneID, recordID)
			result.Enqueued++
			continue
		}
		result.Deleted = append(result.Deleted, ip)
	}
}
