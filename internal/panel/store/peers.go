// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const peerColumns = `id, name, config_name, public_key, preshared_key, node_id, interface_name,
	allowed_ip, keepalive, restricted, latest_handshake, transfer_rx, transfer_tx, created_at, updated_at`

func scanPeer(row pgx.Row) (*Peer, error) {
	var peer Peer
	err := row.Scan(
		&peer.ID, &peer.Name, &peer.ConfigName, &peer.PublicKey, &peer.PresharedKey,
		&peer.NodeID, &peer.InterfaceName, &peer.AllowedIP, &peer.Keepalive, &peer.Restricted,
		&peer.LatestHandshake, &peer.TransferRx, &peer.TransferTx, &peer.CreatedAt, &peer.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan peer: %w", err)
	}
	return &peer, nil
}

// CreatePeer inserts a peer row. Callers write this only after the owning
// agent has accepted the peer, so the database never advertises a peer the
// agent has not accepted.
func (s *Store) CreatePeer(ctx context.Context, peer *Peer) error {
	if peer.ID == "" {
		peer.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO peers (id, name, config_name, public_key, preshared_key, node_id, interface_name, allowed_ip, keepalive)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, peer.ID, peer.Name, peer.ConfigName, peer.PublicKey, peer.PresharedKey,
		peer.NodeID, peer.InterfaceName, peer.AllowedIP, peer.Keepalive)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("peer %q in %q: %w", peer.PublicKey, peer.ConfigName, ErrConflict)
		}
		return fmt.Errorf("create peer: %w", err)
	}
	return nil
}

// GetPeer retrieves a peer by configuration and public key.
func (s *Store) GetPeer(ctx context.Context, configName, publicKey string) (*Peer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE config_name = $1 AND public_key = $2`, configName, publicKey)
	return scanPeer(row)
}

func (s *Store) queryPeers(ctx context.Context, query string, args ...interface{}) ([]*Peer, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var peers []*Peer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}
	return peers, nil
}

// ListPeersByNode returns every peer owned by a node across configurations.
func (s *Store) ListPeersByNode(ctx context.Context, nodeID string) ([]*Peer, error) {
	return s.queryPeers(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE node_id = $1 ORDER BY created_at`, nodeID)
}

// ListPeersByConfigNode returns the peers a node owns for one configuration.
func (s *Store) ListPeersByConfigNode(ctx context.Context, configName, nodeID string) ([]*Peer, error) {
	return s.queryPeers(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE config_name = $1 AND node_id = $2 ORDER BY created_at`,
		configName, nodeID)
}

// CountPeersByConfigNode counts the peers a node owns for one configuration.
func (s *Store) CountPeersByConfigNode(ctx context.Context, configName, nodeID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM peers WHERE config_name = $1 AND node_id = $2`, configName, nodeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}

// CountPeersByNode counts every peer owned by a node.
func (s *Store) CountPeersByNode(ctx context.Context, nodeID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM peers WHERE node_id = $1`, nodeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}

// UpdatePeerOwner rewrites a peer's owning (node, interface) in a single
// transaction-equivalent statement. This is the linearization point of a
// migration: after it commits, the destination node is authoritative.
func (s *Store) UpdatePeerOwner(ctx context.Context, peerID, nodeID, interfaceName string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE peers SET node_id = $2, interface_name = $3, updated_at = NOW() WHERE id = $1
	`, peerID, nodeID, interfaceName)
	if err != nil {
		return fmt.Errorf("update peer owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePeerSettings pushes panel-side allowed_ip/keepalive changes.
func (s *Store) UpdatePeerSettings(ctx context.Context, peerID, allowedIP string, keepalive int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE peers SET allowed_ip = $2, keepalive = $3, updated_at = NOW() WHERE id = $1
	`, peerID, allowedIP, keepalive)
	if err != nil {
		return fmt.Errorf("update peer settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPeerRestricted flips the restricted flag.
func (s *Store) SetPeerRestricted(ctx context.Context, peerID string, restricted bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE peers SET restricted = $2, updated_at = NOW() WHERE id = $1`, peerID, restricted)
	if err != nil {
		return fmt.Errorf("restrict peer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePeerTelemetry mirrors agent-reported handshake and transfer counters.
func (s *Store) UpdatePeerTelemetry(ctx context.Context, peerID string, latestHandshake *int64, rx, tx int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE peers SET latest_handshake = $2, transfer_rx = $3, transfer_tx = $4, updated_at = NOW() WHERE id = $1
	`, peerID, latestHandshake, rx, tx)
	if err != nil {
		return fmt.Errorf("update peer telemetry: %w", err)
	}
	return nil
}

// DeletePeer removes a peer row.
func (s *Store) DeletePeer(ctx context.Context, peerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM peers WHERE id = $1`, peerID)
	if err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
