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

const interfaceColumns = `id, node_id, interface_name, endpoint, ip_pool_cidr, listen_port,
	address, private_key, post_up, pre_down, mtu, dns, route_table, enabled, created_at, updated_at`

func scanInterface(row pgx.Row) (*NodeInterface, error) {
	var iface NodeInterface
	err := row.Scan(
		&iface.ID, &iface.NodeID, &iface.InterfaceName, &iface.Endpoint, &iface.IPPoolCIDR,
		&iface.ListenPort, &iface.Address, &iface.PrivateKey, &iface.PostUp, &iface.PreDown,
		&iface.MTU, &iface.DNS, &iface.Table, &iface.Enabled, &iface.CreatedAt, &iface.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan interface: %w", err)
	}
	return &iface, nil
}

// CreateInterface inserts a node interface.
func (s *Store) CreateInterface(ctx context.Context, iface *NodeInterface) error {
	if iface.ID == "" {
		iface.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_interfaces (id, node_id, interface_name, endpoint, ip_pool_cidr, listen_port,
			address, private_key, post_up, pre_down, mtu, dns, route_table, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, iface.ID, iface.NodeID, iface.InterfaceName, iface.Endpoint, iface.IPPoolCIDR,
		iface.ListenPort, iface.Address, iface.PrivateKey, iface.PostUp, iface.PreDown,
		iface.MTU, iface.DNS, iface.Table, iface.Enabled)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("interface %q on node %s: %w", iface.InterfaceName, iface.NodeID, ErrConflict)
		}
		return fmt.Errorf("create interface: %w", err)
	}
	return nil
}

// GetInterface retrieves an interface by id, scoped to a node.
func (s *Store) GetInterface(ctx context.Context, nodeID, id string) (*NodeInterface, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+interfaceColumns+` FROM node_interfaces WHERE node_id = $1 AND id = $2`, nodeID, id)
	return scanInterface(row)
}

// GetInterfaceByName retrieves an interface by its name on a node.
func (s *Store) GetInterfaceByName(ctx context.Context, nodeID, name string) (*NodeInterface, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+interfaceColumns+` FROM node_interfaces WHERE node_id = $1 AND interface_name = $2`, nodeID, name)
	return scanInterface(row)
}

// FirstEnabledInterface returns the node's placement default: the first
// enabled interface by creation order.
func (s *Store) FirstEnabledInterface(ctx context.Context, nodeID string) (*NodeInterface, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+interfaceColumns+` FROM node_interfaces
		WHERE node_id = $1 AND enabled
		ORDER BY created_at, id
		LIMIT 1
	`, nodeID)
	return scanInterface(row)
}

// ListInterfaces returns all interfaces on a node.
func (s *Store) ListInterfaces(ctx context.Context, nodeID string) ([]*NodeInterface, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+interfaceColumns+` FROM node_interfaces WHERE node_id = $1 ORDER BY interface_name`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query interfaces: %w", err)
	}
	defer rows.Close()

	var ifaces []*NodeInterface
	for rows.Next() {
		iface, err := scanInterface(rows)
		if err != nil {
			return nil, err
		}
		ifaces = append(ifaces, iface)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interfaces: %w", err)
	}
	return ifaces, nil
}

// UpdateInterface updates an interface's mutable attributes.
func (s *Store) UpdateInterface(ctx context.Context, iface *NodeInterface) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE node_interfaces
		SET endpoint = $3, ip_pool_cidr = $4, listen_port = $5, address = $6, private_key = $7,
			post_up = $8, pre_down = $9, mtu = $10, dns = $11, route_table = $12, enabled = $13,
			updated_at = NOW()
		WHERE node_id = $1 AND id = $2
	`, iface.NodeID, iface.ID, iface.Endpoint, iface.IPPoolCIDR, iface.ListenPort,
		iface.Address, iface.PrivateKey, iface.PostUp, iface.PreDown, iface.MTU,
		iface.DNS, iface.Table, iface.Enabled)
	if err != nil {
		return fmt.Errorf("update interface: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInterfaceEnabled toggles an interface.
func (s *Store) SetInterfaceEnabled(ctx context.Context, nodeID, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE node_interfaces SET enabled = $3, updated_at = NOW() WHERE node_id = $1 AND id = $2`,
		nodeID, id, enabled)
	if err != nil {
		return fmt.Errorf("toggle interface: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInterface removes an interface row.
func (s *Store) DeleteInterface(ctx context.Context, nodeID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM node_interfaces WHERE node_id = $1 AND id = $2`, nodeID, id)
	if err != nil {
		return fmt.Errorf("delete interface: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
