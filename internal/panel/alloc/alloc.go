// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package alloc assigns peer addresses out of per-node IP pools.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// ErrPoolExhausted is returned when every usable address in the pool is
// taken.
var ErrPoolExhausted = errors.New("no available IPs in node's pool")

// ErrPoolContended is returned when repeated insert attempts kept losing
// races against concurrent allocators.
var ErrPoolContended = errors.New("failed to allocate IP after retries")

// maxRetries bounds re-reads when racing inserts collide on the unique
// (node_id, ip_address) constraint.
const maxRetries = 3

// Store is the slice of the panel store the allocator needs.
type Store interface {
	ListAllocatedIPs(ctx context.Context, nodeID string) ([]string, error)
	InsertAllocation(ctx context.Context, nodeID, peerID, ipAddress string) error
	DeleteAllocation(ctx context.Context, nodeID, peerID string) error
}

// Allocator hands out unique addresses from a node's pool CIDR.
type Allocator struct {
	store Store
}

// New creates an Allocator over the given store.
func New(s Store) *Allocator {
	return &Allocator{store: s}
}

// Allocate picks the first free address in poolCIDR for the peer and records
// it. The first usable host is the interface's own gateway address and is
// never offered. The database's unique constraint arbitrates races; on
// conflict the allocator re-reads and tries the next free address, making at
// most maxRetries insert attempts in all.
func (a *Allocator) Allocate(ctx context.Context, nodeID, peerID, poolCIDR string) (string, error) {
	prefix, err := netip.ParsePrefix(poolCIDR)
	if err != nil {
		return "", fmt.Errorf("invalid IP pool CIDR %q: %w", poolCIDR, err)
	}
	prefix = prefix.Masked()

	allocated, err := a.store.ListAllocatedIPs(ctx, nodeID)
	if err != nil {
		return "", fmt.Errorf("read allocations: %w", err)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		candidate := firstAvailable(prefix, allocated)
		if candidate == "" {
			return "", ErrPoolExhausted
		}

		err := a.store.InsertAllocation(ctx, nodeID, peerID, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return "", err
		}

		// Lost the race; refresh the allocated set and try the next hole.
		allocated, err = a.store.ListAllocatedIPs(ctx, nodeID)
		if err != nil {
			return "", fmt.Errorf("re-read allocations: %w", err)
		}
	}

	return "", ErrPoolContended
}

// Deallocate releases the peer's address on the node.
func (a *Allocator) Deallocate(ctx context.Context, nodeID, peerID string) error {
	return a.store.DeleteAllocation(ctx, nodeID, peerID)
}

// firstAvailable walks the pool's usable hosts, skipping the gateway (first
// usable host) and anything already allocated. Returns the address in
// addr/prefixlen form, or "" when the pool is exhausted.
func firstAvailable(prefix netip.Prefix, allocated []string) string {
	used := make(map[string]bool, len(allocated))
	for _, ip := range allocated {
		used[ip] = true
	}

	first := true
	for addr := prefix.Addr().Next(); prefix.Contains(addr); addr = addr.Next() {
		if addr.Is4() && isBroadcast(addr, prefix) {
			break
		}
		if first {
			// Gateway, reserved for the interface itself.
			first = false
			continue
		}
		candidate := addr.String() + "/" + strconv.Itoa(prefix.Bits())
		if !used[candidate] {
			return candidate
		}
	}
	return ""
}

// isBroadcast reports whether addr is the IPv4 broadcast address of the
// prefix.
func isBroadcast(addr netip.Addr, prefix netip.Prefix) bool {
	if prefix.Bits() >= 31 {
		return false
	}
	return !prefix.Contains(addr.Next())
}

// Stats summarizes pool utilization for a node.
type Stats struct {
	TotalIPs     int `json:"total_ips"`
	AllocatedIPs int `json:"allocated_ips"`
	AvailableIPs int `json:"available_ips"`
}

// PoolStats computes utilization for a pool. Network, broadcast and the
// gateway are excluded from the total.
func PoolStats(poolCIDR string, allocatedCount int) Stats {
	prefix, err := netip.ParsePrefix(poolCIDR)
	if err != nil {
		return Stats{}
	}
	prefix = prefix.Masked()

	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	total := 0
	if hostBits > 0 && hostBits < 31 {
		total = (1 << hostBits) - 3 // network + broadcast + gateway
		if total < 0 {
			total = 0
		}
	}
	available := total - allocatedCount
	if available < 0 {
		available = 0
	}
	return Stats{TotalIPs: total, AllocatedIPs: allocatedCount, AvailableIPs: available}
}
