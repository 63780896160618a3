// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const configNodeColumns = `id, config_name, node_id, is_healthy, created_at, updated_at`

func scanConfigNode(row pgx.Row) (*ConfigNode, error) {
	var cn ConfigNode
	err := row.Scan(&cn.ID, &cn.ConfigName, &cn.NodeID, &cn.IsHealthy, &cn.CreatedAt, &cn.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan config node: %w", err)
	}
	return &cn, nil
}

// AssignNodeToConfig records that a configuration is deployed on a node.
func (s *Store) AssignNodeToConfig(ctx context.Context, configName, nodeID string) (*ConfigNode, error) {
	cn := &ConfigNode{
		ID:         uuid.New().String(),
		ConfigName: configName,
		NodeID:     nodeID,
		IsHealthy:  true,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO config_nodes (id, config_name, node_id, is_healthy) VALUES ($1, $2, $3, $4)
	`, cn.ID, cn.ConfigName, cn.NodeID, cn.IsHealthy)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("node %s already assigned to %q: %w", nodeID, configName, ErrConflict)
		}
		return nil, fmt.Errorf("assign node: %w", err)
	}
	return cn, nil
}

// RemoveNodeFromConfig deletes an assignment.
func (s *Store) RemoveNodeFromConfig(ctx context.Context, configName, nodeID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM config_nodes WHERE config_name = $1 AND node_id = $2`, configName, nodeID)
	if err != nil {
		return fmt.Errorf("remove assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryConfigNodes(ctx context.Context, query string, args ...interface{}) ([]*ConfigNode, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query config nodes: %w", err)
	}
	defer rows.Close()

	var assignments []*ConfigNode
	for rows.Next() {
		cn, err := scanConfigNode(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, cn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config nodes: %w", err)
	}
	return assignments, nil
}

// ListNodesForConfig returns every assignment for a configuration.
func (s *Store) ListNodesForConfig(ctx context.Context, configName string) ([]*ConfigNode, error) {
	return s.queryConfigNodes(ctx,
		`SELECT `+configNodeColumns+` FROM config_nodes WHERE config_name = $1 ORDER BY node_id`, configName)
}

// ListHealthyNodesForConfig returns assignments whose cached health flag is
// set.
func (s *Store) ListHealthyNodesForConfig(ctx context.Context, configName string) ([]*ConfigNode, error) {
	return s.queryConfigNodes(ctx,
		`SELECT `+configNodeColumns+` FROM config_nodes WHERE config_name = $1 AND is_healthy ORDER BY node_id`,
		configName)
}

// ListConfigsForNode returns every assignment involving a node.
func (s *Store) ListConfigsForNode(ctx context.Context, nodeID string) ([]*ConfigNode, error) {
	return s.queryConfigNodes(ctx,
		`SELECT `+configNodeColumns+` FROM config_nodes WHERE node_id = $1 ORDER BY config_name`, nodeID)
}

// SetConfigNodeHealth updates the cached health flag on every assignment of
// a node. Returns the configurations whose flag actually changed, so the
// poller can react to transitions only.
func (s *Store) SetConfigNodeHealth(ctx context.Context, nodeID string, healthy bool) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE config_nodes SET is_healthy = $2, updated_at = NOW()
		WHERE node_id = $1 AND is_healthy <> $2
		RETURNING config_name
	`, nodeID, healthy)
	if err != nil {
		return nil, fmt.Errorf("update config node health: %w", err)
	}
	defer rows.Close()

	var changed []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan config name: %w", err)
		}
		changed = append(changed, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config names: %w", err)
	}
	return changed, nil
}
