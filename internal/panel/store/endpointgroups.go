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

const endpointGroupColumns = `id, config_name, domain, port, dns_zone_id, dns_record_name,
	ttl, proxied, auto_migrate, publish_only_healthy, min_nodes, created_at, updated_at`

func scanEndpointGroup(row pgx.Row) (*EndpointGroup, error) {
	var eg EndpointGroup
	err := row.Scan(
		&eg.ID, &eg.ConfigName, &eg.Domain, &eg.Port, &eg.DNSZoneID, &eg.DNSRecordName,
		&eg.TTL, &eg.Proxied, &eg.AutoMigrate, &eg.PublishOnlyHealthy, &eg.MinNodes,
		&eg.CreatedAt, &eg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan endpoint group: %w", err)
	}
	return &eg, nil
}

// UpsertEndpointGroup creates or replaces the endpoint group of a
// configuration. Proxied is forced false regardless of what the caller set.
func (s *Store) UpsertEndpointGroup(ctx context.Context, eg *EndpointGroup) error {
	if eg.ID == "" {
		eg.ID = uuid.New().String()
	}
	if eg.TTL <= 0 {
		eg.TTL = 60
	}
	if eg.MinNodes < 1 {
		eg.MinNodes = 1
	}
	eg.Proxied = false

	_, err := s.pool.Exec(ctx, `
		INSERT INTO endpoint_groups (id, config_name, domain, port, dns_zone_id, dns_record_name,
			ttl, proxied, auto_migrate, publish_only_healthy, min_nodes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9, $10)
		ON CONFLICT (config_name) DO UPDATE SET
			domain = EXCLUDED.domain,
			port = EXCLUDED.port,
			dns_zone_id = EXCLUDED.dns_zone_id,
			dns_record_name = EXCLUDED.dns_record_name,
			ttl = EXCLUDED.ttl,
			proxied = FALSE,
			auto_migrate = EXCLUDED.auto_migrate,
			publish_only_healthy = EXCLUDED.publish_only_healthy,
			min_nodes = EXCLUDED.min_nodes,
			updated_at = NOW()
	`, eg.ID, eg.ConfigName, eg.Domain, eg.Port, eg.DNSZoneID, eg.DNSRecordName,
		eg.TTL, eg.AutoMigrate, eg.PublishOnlyHealthy, eg.MinNodes)
	if err != nil {
		return fmt.Errorf("upsert endpoint group: %w", err)
	}
	return nil
}

// GetEndpointGroup retrieves a configuration's endpoint group.
func (s *Store) GetEndpointGroup(ctx context.Context, configName string) (*EndpointGroup, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+endpointGroupColumns+` FROM endpoint_groups WHERE config_name = $1`, configName)
	return scanEndpointGroup(row)
}

// ListEndpointGroups returns every endpoint group.
func (s *Store) ListEndpointGroups(ctx context.Context) ([]*EndpointGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+endpointGroupColumns+` FROM endpoint_groups ORDER BY config_name`)
	if err != nil {
		return nil, fmt.Errorf("query endpoint groups: %w", err)
	}
	defer rows.Close()

	var groups []*EndpointGroup
	for rows.Next() {
		eg, err := scanEndpointGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, eg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate endpoint groups: %w", err)
	}
	return groups, nil
}
