// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package store

import (
	"strings"
	"time"
)

// Node is a tunnel host running an agent.
type Node struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	AgentURL     string     `json:"agent_url"`
	AuthType     string     `json:"auth_type"`
	SharedSecret string     `json:"-"`
	Endpoint     string     `json:"endpoint"`
	GroupID      *string    `json:"group_id,omitempty"`
	Enabled      bool       `json:"enabled"`
	Weight       int        `json:"weight"`
	MaxPeers     int        `json:"max_peers"`
	HealthJSON   []byte     `json:"health_json,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// Interfaces is populated only when the caller asks for an embedded
	// read; it is not written through the node queries.
	Interfaces []*NodeInterface `json:"interfaces,omitempty"`
}

// NodeInterface is a single WireGuard interface on a node.
type NodeInterface struct {
	ID            string    `json:"id"`
	NodeID        string    `json:"node_id"`
	InterfaceName string    `json:"interface_name"`
	Endpoint      string    `json:"endpoint"`
	IPPoolCIDR    string    `json:"ip_pool_cidr"`
	ListenPort    *int      `json:"listen_port,omitempty"`
	Address       string    `json:"address,omitempty"`
	PrivateKey    string    `json:"-"`
	PostUp        string    `json:"post_up,omitempty"`
	PreDown       string    `json:"pre_down,omitempty"`
	MTU           *int      `json:"mtu,omitempty"`
	DNS           string    `json:"dns,omitempty"`
	Table         string    `json:"table,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Peer is a WireGuard peer owned by exactly one (node, interface) at a time.
type Peer struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ConfigName      string    `json:"config_name"`
	PublicKey       string    `json:"public_key"`
	PresharedKey    string    `json:"-"`
	NodeID          string    `json:"node_id"`
	InterfaceName   string    `json:"interface_name"`
	AllowedIP       string    `json:"allowed_ip"`
	Keepalive       int       `json:"keepalive"`
	Restricted      bool      `json:"restricted"`
	LatestHandshake *int64    `json:"latest_handshake,omitempty"`
	TransferRx      int64     `json:"transfer_rx"`
	TransferTx      int64     `json:"transfer_tx"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AllowedIPs splits the comma-separated allowed_ip column into a slice.
func (p *Peer) AllowedIPs() []string {
	if p.AllowedIP == "" {
		return nil
	}
	var ips []string
	for _, part := range strings.Split(p.AllowedIP, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ips = append(ips, part)
		}
	}
	return ips
}

// ConfigNode assigns a configuration name to a node.
type ConfigNode struct {
	ID         string    `json:"id"`
	ConfigName string    `json:"config_name"`
	NodeID     string    `json:"node_id"`
	IsHealthy  bool      `json:"is_healthy"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EndpointGroup is the DNS-publication policy for a configuration. Proxied
// is forced false on every write path.
type EndpointGroup struct {
	ID                 string    `json:"id"`
	ConfigName         string    `json:"config_name"`
	Domain             string    `json:"domain"`
	Port               int       `json:"port"`
	DNSZoneID          string    `json:"dns_zone_id"`
	DNSRecordName      string    `json:"dns_record_name"`
	TTL                int       `json:"ttl"`
	Proxied            bool      `json:"proxied"`
	AutoMigrate        bool      `json:"auto_migrate"`
	PublishOnlyHealthy bool      `json:"publish_only_healthy"`
	MinNodes           int       `json:"min_nodes"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AuditLog is one append-only record of an orchestration action.
type AuditLog struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Details    string    `json:"details"`
	Actor      string    `json:"actor"`
}
