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

const nodeColumns = `id, name, agent_url, auth_type, shared_secret, endpoint, group_id,
	enabled, weight, max_peers, health_json, last_seen, created_at, updated_at`

func scanNode(row pgx.Row) (*Node, error) {
	var node Node
	err := row.Scan(
		&node.ID, &node.Name, &node.AgentURL, &node.AuthType, &node.SharedSecret,
		&node.Endpoint, &node.GroupID, &node.Enabled, &node.Weight, &node.MaxPeers,
		&node.HealthJSON, &node.LastSeen, &node.CreatedAt, &node.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	return &node, nil
}

// CreateNode inserts a node. An optional first interface can be created in
// the same transaction; this is the back-compat path for callers that still
// send a single wg_interface field.
func (s *Store) CreateNode(ctx context.Context, node *Node, firstInterface *NodeInterface) error {
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if node.AuthType == "" {
		node.AuthType = "hmac"
	}
	if node.Weight <= 0 {
		node.Weight = 100
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO nodes (id, name, agent_url, auth_type, shared_secret, endpoint, group_id, enabled, weight, max_peers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, node.ID, node.Name, node.AgentURL, node.AuthType, node.SharedSecret,
		node.Endpoint, node.GroupID, node.Enabled, node.Weight, node.MaxPeers)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("node %q: %w", node.Name, ErrConflict)
		}
		return fmt.Errorf("create node: %w", err)
	}

	if firstInterface != nil {
		firstInterface.NodeID = node.ID
		if firstInterface.ID == "" {
			firstInterface.ID = uuid.New().String()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO node_interfaces (id, node_id, interface_name, endpoint, ip_pool_cidr, listen_port,
				address, private_key, post_up, pre_down, mtu, dns, route_table, enabled)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, firstInterface.ID, firstInterface.NodeID, firstInterface.InterfaceName,
			firstInterface.Endpoint, firstInterface.IPPoolCIDR, firstInterface.ListenPort,
			firstInterface.Address, firstInterface.PrivateKey, firstInterface.PostUp,
			firstInterface.PreDown, firstInterface.MTU, firstInterface.DNS,
			firstInterface.Table, firstInterface.Enabled)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("interface %q: %w", firstInterface.InterfaceName, ErrConflict)
			}
			return fmt.Errorf("create first interface: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetNode retrieves a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	return scanNode(row)
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...interface{}) ([]*Node, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return nodes, nil
}

// ListNodes returns all nodes ordered by name.
func (s *Store) ListNodes(ctx context.Context) ([]*Node, error) {
	return s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY name`)
}

// ListEnabledNodes returns all enabled nodes ordered by id so placement
// tie-breaks are deterministic.
func (s *Store) ListEnabledNodes(ctx context.Context) ([]*Node, error) {
	return s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE enabled ORDER BY id`)
}

// ListEnabledNodesByGroup returns enabled nodes in a group, ordered by id.
func (s *Store) ListEnabledNodesByGroup(ctx context.Context, groupID string) ([]*Node, error) {
	return s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE enabled AND group_id = $1 ORDER BY id`, groupID)
}

// CountNodes returns the total number of nodes, enabled or not.
func (s *Store) CountNodes(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return count, nil
}

// UpdateNode updates a node's mutable attributes.
func (s *Store) UpdateNode(ctx context.Context, node *Node) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes
		SET name = $2, agent_url = $3, shared_secret = $4, endpoint = $5, group_id = $6,
			enabled = $7, weight = $8, max_peers = $9, updated_at = NOW()
		WHERE id = $1
	`, node.ID, node.Name, node.AgentURL, node.SharedSecret, node.Endpoint,
		node.GroupID, node.Enabled, node.Weight, node.MaxPeers)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("node %q: %w", node.Name, ErrConflict)
		}
		return fmt.Errorf("update node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNodeEnabled sets a node's enabled flag.
func (s *Store) SetNodeEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE nodes SET enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("toggle node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNode removes a node. Callers must have verified that no peers still
// own it.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateNodeHealth persists the poller's merged health report and bumps
// last_seen in one statement.
func (s *Store) UpdateNodeHealth(ctx context.Context, id string, healthJSON []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes SET health_json = $2, last_seen = NOW(), updated_at = NOW() WHERE id = $1
	`, id, healthJSON)
	if err != nil {
		return fmt.Errorf("update node health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
