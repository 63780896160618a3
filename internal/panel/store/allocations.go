// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertAllocation records an IP assignment. The (node_id, ip_address)
// primary key carries correctness when concurrent allocators race; callers
// retry on ErrConflict.
func (s *Store) InsertAllocation(ctx context.Context, nodeID, peerID, ipAddress string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ip_allocations (node_id, peer_id, ip_address) VALUES ($1, $2, $3)
	`, nodeID, peerID, ipAddress)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ip %s on node %s: %w", ipAddress, nodeID, ErrConflict)
		}
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

// ListAllocatedIPs returns every allocated address on a node.
func (s *Store) ListAllocatedIPs(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ip_address FROM ip_allocations WHERE node_id = $1`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		ips = append(ips, ip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return ips, nil
}

// GetAllocation returns the address allocated to a peer on a node.
func (s *Store) GetAllocation(ctx context.Context, nodeID, peerID string) (string, error) {
	var ip string
	err := s.pool.QueryRow(ctx,
		`SELECT ip_address FROM ip_allocations WHERE node_id = $1 AND peer_id = $2`, nodeID, peerID).Scan(&ip)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get allocation: %w", err)
	}
	return ip, nil
}

// DeleteAllocation releases a peer's address on a node.
func (s *Store) DeleteAllocation(ctx context.Context, nodeID, peerID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM ip_allocations WHERE node_id = $1 AND peer_id = $2`, nodeID, peerID)
	if err != nil {
		return fmt.Errorf("delete allocation: %w", err)
	}
	return nil
}

// CountAllocations counts allocated addresses on a node.
func (s *Store) CountAllocations(ctx context.Context, nodeID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ip_allocations WHERE node_id = $1`, nodeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count allocations: %w", err)
	}
	return count, nil
}
