// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// AuditFilter narrows an audit-log query. Zero fields match everything.
type AuditFilter struct {
	Action     string
	EntityType string
	EntityID   string
	Actor      string
	Limit      int
	Offset     int
}

// InsertAuditLog appends one audit record.
func (s *Store) InsertAuditLog(ctx context.Context, entry *AuditLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (action, entity_type, entity_id, details, actor)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.Action, entry.EntityType, entry.EntityID, entry.Details, entry.Actor)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// QueryAuditLogs returns matching records, newest first.
func (s *Store) QueryAuditLogs(ctx context.Context, filter AuditFilter) ([]*AuditLog, error) {
	var conditions []string
	var args []interface{}

	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conditions = append(conditions, column+" = $"+strconv.Itoa(len(args)))
	}
	add("action", filter.Action)
	add("entity_type", filter.EntityType)
	add("entity_id", filter.EntityID)
	add("actor", filter.Actor)

	query := `SELECT id, timestamp, action, entity_type, entity_id, details, actor FROM audit_logs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += " LIMIT $" + strconv.Itoa(len(args))
	args = append(args, filter.Offset)
	query += " OFFSET $" + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*AuditLog
	for rows.Next() {
		var entry AuditLog
		err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Action, &entry.EntityType,
			&entry.EntityID, &entry.Details, &entry.Actor)
		if err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return entries, nil
}
