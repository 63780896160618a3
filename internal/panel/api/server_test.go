// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gabzou364/wgpanel/internal/panel/agentclient"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// memStore is an in-memory panel store used by the handler tests. It also
// satisfies the allocator, placement and migration store interfaces so the
// tests run the real components end to end, with only the agents faked.
type memStore struct {
	mu          sync.Mutex
	nodes       map[string]*store.Node
	interfaces  map[string]*store.NodeInterface // id -> iface
	peers       map[string]*store.Peer          // id -> peer
	allocations map[string]map[string]string    // nodeID -> ip -> peerID
	assignments map[string]*store.ConfigNode    // configName:nodeID -> assignment
	groups      map[string]*store.EndpointGroup
	auditLogs   []*store.AuditLog
	nextID      int
}

func newMemStore() *memStore {
	return &memStore{
		nodes:       map[string]*store.Node{},
		interfaces:  map[string]*store.NodeInterface{},
		peers:       map[string]*store.Peer{},
		allocations: map[string]map[string]string{},
		assignments: map[string]*store.ConfigNode{},
		groups:      map[string]*store.EndpointGroup{},
	}
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) CreateNode(ctx context.Context, node *store.Node, first *store.NodeInterface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.nodes {
		if existing.Name == node.Name {
			return store.ErrConflict
		}
	}
	if node.ID == "" {
		node.ID = m.id("node")
	}
	if node.Weight <= 0 {
		node.Weight = 100
	}
	m.nodes[node.ID] = node
	if first != nil {
		first.NodeID = node.ID
		if first.ID == "" {
			first.ID = m.id("iface")
		}
		m.interfaces[first.ID] = first
	}
	return nil
}

func (m *memStore) GetNode(ctx context.Context, id string) (*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, exists := m.nodes[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return node, nil
}

func (m *memStore) sortedNodes(filter func(*store.Node) bool) []*store.Node {
	var nodes []*store.Node
	for _, node := range m.nodes {
		if filter == nil || filter(node) {
			nodes = append(nodes, node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func (m *memStore) ListNodes(ctx context.Context) ([]*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedNodes(nil), nil
}

func (m *memStore) ListEnabledNodes(ctx context.Context) ([]*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedNodes(func(n *store.Node) bool { return n.Enabled }), nil
}

func (m *memStore) ListEnabledNodesByGroup(ctx context.Context, groupID string) ([]*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedNodes(func(n *store.Node) bool {
		return n.Enabled && n.GroupID != nil && *n.GroupID == groupID
	}), nil
}

func (m *memStore) CountNodes(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes), nil
}

func (m *memStore) UpdateNode(ctx context.Context, node *store.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[node.ID]; !exists {
		return store.ErrNotFound
	}
	m.nodes[node.ID] = node
	return nil
}

func (m *memStore) SetNodeEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, exists := m.nodes[id]
	if !exists {
		return store.ErrNotFound
	}
	node.Enabled = enabled
	return nil
}

func (m *memStore) DeleteNode(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[id]; !exists {
		return store.ErrNotFound
	}
	delete(m.nodes, id)
	return nil
}

func (m *memStore) CreateInterface(ctx context.Context, iface *store.NodeInterface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.interfaces {
		if existing.NodeID == iface.NodeID && existing.InterfaceName == iface.InterfaceName {
			return store.ErrConflict
		}
	}
	if iface.ID == "" {
		iface.ID = m.id("iface")
	}
	m.interfaces[iface.ID] = iface
	return nil
}

func (m *memStore) GetInterface(ctx context.Context, nodeID, id string) (*store.NodeInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iface, exists := m.interfaces[id]
	if !exists || iface.NodeID != nodeID {
		return nil, store.ErrNotFound
	}
	return iface, nil
}

func (m *memStore) FirstEnabledInterface(ctx context.Context, nodeID string) (*store.NodeInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*store.NodeInterface
	for _, iface := range m.interfaces {
		if iface.NodeID == nodeID && iface.Enabled {
			candidates = append(candidates, iface)
		}
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates[0], nil
}

func (m *memStore) ListInterfaces(ctx context.Context, nodeID string) ([]*store.NodeInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ifaces []*store.NodeInterface
	for _, iface := range m.interfaces {
		if iface.NodeID == nodeID {
			ifaces = append(ifaces, iface)
		}
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].InterfaceName < ifaces[j].InterfaceName })
	return ifaces, nil
}

func (m *memStore) UpdateInterface(ctx context.Context, iface *store.NodeInterface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.interfaces[iface.ID]; !exists {
		return store.ErrNotFound
	}
	m.interfaces[iface.ID] = iface
	return nil
}

func (m *memStore) SetInterfaceEnabled(ctx context.Context, nodeID, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	iface, exists := m.interfaces[id]
	if !exists || iface.NodeID != nodeID {
		return store.ErrNotFound
	}
	iface.Enabled = enabled
	return nil
}

func (m *memStore) DeleteInterface(ctx context.Context, nodeID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	iface, exists := m.interfaces[id]
	if !exists || iface.NodeID != nodeID {
		return store.ErrNotFound
	}
	delete(m.interfaces, id)
	return nil
}

func (m *memStore) CreatePeer(ctx context.Context, peer *store.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.peers {
		if existing.ConfigName == peer.ConfigName && existing.PublicKey == peer.PublicKey {
			return store.ErrConflict
		}
	}
	if peer.ID == "" {
		peer.ID = m.id("peer")
	}
	m.peers[peer.ID] = peer
	return nil
}

func (m *memStore) GetPeer(ctx context.Context, configName, publicKey string) (*store.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, peer := range m.peers {
		if peer.ConfigName == configName && peer.PublicKey == publicKey {
			return peer, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) sortedPeers(filter func(*store.Peer) bool) []*store.Peer {
	var peers []*store.Peer
	for _, peer := range m.peers {
		if filter(peer) {
			peers = append(peers, peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (m *memStore) ListPeersByNode(ctx context.Context, nodeID string) ([]*store.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedPeers(func(p *store.Peer) bool { return p.NodeID == nodeID }), nil
}

func (m *memStore) CountPeersByNode(ctx context.Context, nodeID string) (int, error) {
	peers, _ := m.ListPeersByNode(ctx, nodeID)
	return len(peers), nil
}

func (m *memStore) ListPeersByConfigNode(ctx context.Context, configName, nodeID string) ([]*store.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedPeers(func(p *store.Peer) bool {
		return p.ConfigName == configName && p.NodeID == nodeID
	}), nil
}

func (m *memStore) CountPeersByConfigNode(ctx context.Context, configName, nodeID string) (int, error) {
	peers, _ := m.ListPeersByConfigNode(ctx, configName, nodeID)
	return len(peers), nil
}

func (m *memStore) UpdatePeerOwner(ctx context.Context, peerID, nodeID, interfaceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, exists := m.peers[peerID]
	if !exists {
		return store.ErrNotFound
	}
	peer.NodeID = nodeID
	peer.InterfaceName = interfaceName
	return nil
}

func (m *memStore) DeletePeer(ctx context.Context, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.peers[peerID]; !exists {
		return store.ErrNotFound
	}
	delete(m.peers, peerID)
	return nil
}

func (m *memStore) SetPeerRestricted(ctx context.Context, peerID string, restricted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, exists := m.peers[peerID]
	if !exists {
		return store.ErrNotFound
	}
	peer.Restricted = restricted
	return nil
}

func (m *memStore) ListAllocatedIPs(ctx context.Context, nodeID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ips []string
	for ip := range m.allocations[nodeID] {
		ips = append(ips, ip)
	}
	return ips, nil
}

func (m *memStore) InsertAllocation(ctx context.Context, nodeID, peerID, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allocations[nodeID] == nil {
		m.allocations[nodeID] = map[string]string{}
	}
	if _, taken := m.allocations[nodeID][ip]; taken {
		return store.ErrConflict
	}
	m.allocations[nodeID][ip] = peerID
	return nil
}

func (m *memStore) DeleteAllocation(ctx context.Context, nodeID, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ip, owner := range m.allocations[nodeID] {
		if owner == peerID {
			delete(m.allocations[nodeID], ip)
		}
	}
	return nil
}

func (m *memStore) CountAllocations(ctx context.Context, nodeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocations[nodeID]), nil
}

func assignmentKey(configName, nodeID string) string {
	return configName + ":" + nodeID
}

func (m *memStore) AssignNodeToConfig(ctx context.Context, configName, nodeID string) (*store.ConfigNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := assignmentKey(configName, nodeID)
	if _, exists := m.assignments[key]; exists {
		return nil, store.ErrConflict
	}
	assignment := &store.ConfigNode{ID: m.id("cn"), ConfigName: configName, NodeID: nodeID, IsHealthy: true}
	m.assignments[key] = assignment
	return assignment, nil
}

func (m *memStore) RemoveNodeFromConfig(ctx context.Context, configName, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := assignmentKey(configName, nodeID)
	if _, exists := m.assignments[key]; !exists {
		return store.ErrNotFound
	}
	delete(m.assignments, key)
	return nil
}

func (m *memStore) sortedAssignments(filter func(*store.ConfigNode) bool) []*store.ConfigNode {
	var assignments []*store.ConfigNode
	for _, assignment := range m.assignments {
		if filter(assignment) {
			assignments = append(assignments, assignment)
		}
	}
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].NodeID < assignments[j].NodeID })
	return assignments
}

func (m *memStore) ListNodesForConfig(ctx context.Context, configName string) ([]*store.ConfigNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedAssignments(func(cn *store.ConfigNode) bool { return cn.ConfigName == configName }), nil
}

func (m *memStore) ListHealthyNodesForConfig(ctx context.Context, configName string) ([]*store.ConfigNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedAssignments(func(cn *store.ConfigNode) bool {
		return cn.ConfigName == configName && cn.IsHealthy
	}), nil
}

func (m *memStore) ListConfigsForNode(ctx context.Context, nodeID string) ([]*store.ConfigNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedAssignments(func(cn *store.ConfigNode) bool { return cn.NodeID == nodeID }), nil
}

func (m *memStore) UpsertEndpointGroup(ctx context.Context, group *store.EndpointGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group.Proxied = false
	if group.ID == "" {
		group.ID = m.id("eg")
	}
	m.groups[group.ConfigName] = group
	return nil
}

func (m *memStore) GetEndpointGroup(ctx context.Context, configName string) (*store.EndpointGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, exists := m.groups[configName]
	if !exists {
		return nil, store.ErrNotFound
	}
	return group, nil
}

func (m *memStore) InsertAuditLog(ctx context.Context, entry *store.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLogs = append(m.auditLogs, entry)
	return nil
}

func (m *memStore) QueryAuditLogs(ctx context.Context, filter store.AuditFilter) ([]*store.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []*store.AuditLog
	for i := len(m.auditLogs) - 1; i >= 0; i-- {
		entry := m.auditLogs[i]
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.EntityType != "" && entry.EntityType != filter.EntityType {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// auditDetails returns the details of the most recent entry for an action.
func (m *memStore) auditDetails(action string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.auditLogs) - 1; i >= 0; i-- {
		if m.auditLogs[i].Action == action {
			return m.auditLogs[i].Details
		}
	}
	return ""
}

// fakeNodeAgent is an in-memory agent implementing the full AgentAPI.
type fakeNodeAgent struct {
	mu      sync.Mutex
	peers   map[string]agentclient.AddPeerRequest
	added   []string
	deleted []string

	failAdd    bool
	failHealth bool
}

func newFakeNodeAgent() *fakeNodeAgent {
	return &fakeNodeAgent{peers: map[string]agentclient.AddPeerRequest{}}
}

func (a *fakeNodeAgent) Health(ctx context.Context) (*agentclient.HealthReport, error) {
	if a.failHealth {
		return nil, &agentclient.Error{Message: "connection refused"}
	}
	return &agentclient.HealthReport{Status: "ok", Version: "test"}, nil
}

func (a *fakeNodeAgent) Dump(ctx context.Context, iface string) (*agentclient.InterfaceDump, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dump := &agentclient.InterfaceDump{Interface: iface, Peers: []agentclient.DumpPeer{}}
	for _, req := range a.peers {
		dump.Peers = append(dump.Peers, agentclient.DumpPeer{
			PublicKey:           req.PublicKey,
			AllowedIPs:          req.AllowedIPs,
			PersistentKeepalive: req.PersistentKeepalive,
		})
	}
	return dump, nil
}

func (a *fakeNodeAgent) AddPeer(ctx context.Context, iface string, req agentclient.AddPeerRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAdd {
		return &agentclient.Error{StatusCode: 500, Message: "wg set failed: device busy"}
	}
	a.peers[req.PublicKey] = req
	a.added = append(a.added, req.PublicKey)
	return nil
}

func (a *fakeNodeAgent) UpdatePeer(ctx context.Context, iface, publicKey string, req agentclient.UpdatePeerRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	peer := a.peers[publicKey]
	if req.AllowedIPs != nil {
		peer.AllowedIPs = req.AllowedIPs
	}
	if req.PersistentKeepalive != nil {
		peer.PersistentKeepalive = *req.PersistentKeepalive
	}
	peer.PublicKey = publicKey
	a.peers[publicKey] = peer
	return nil
}

func (a *fakeNodeAgent) DeletePeer(ctx context.Context, iface, publicKey string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peers, publicKey)
	a.deleted = append(a.deleted, publicKey)
	return nil
}

func (a *fakeNodeAgent) GetInterfaceConfig(ctx context.Context, iface string) (*agentclient.InterfaceConfig, error) {
	return &agentclient.InterfaceConfig{PrivateKey: "priv", ListenPort: 51820}, nil
}

func (a *fakeNodeAgent) PutInterfaceConfig(ctx context.Context, iface string, cfg agentclient.InterfaceConfig) (bool, error) {
	return true, nil
}

func (a *fakeNodeAgent) EnableInterface(ctx context.Context, iface string) (bool, error) {
	return true, nil
}

func (a *fakeNodeAgent) DisableInterface(ctx context.Context, iface string) (bool, error) {
	return true, nil
}

func (a *fakeNodeAgent) DeleteInterface(ctx context.Context, iface string) error {
	return nil
}

func (a *fakeNodeAgent) peerKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var keys []string
	for key := range a.peers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (a *fakeNodeAgent) hasPeerWithIP(publicKey, ipPrefix string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, exists := a.peers[publicKey]
	if !exists {
		return false
	}
	for _, ip := range req.AllowedIPs {
		if strings.HasPrefix(ip, ipPrefix) {
			return true
		}
	}
	return false
}
