// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package agent

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// InterfaceConfig is the parsed [Interface] section of a wg-quick config
// file.
type InterfaceConfig struct {
	PrivateKey string `json:"private_key"`
	ListenPort int    `json:"listen_port,omitempty"`
	Address    string `json:"address,omitempty"`
	PostUp     string `json:"post_up,omitempty"`
	PreDown    string `json:"pre_down,omitempty"`
	MTU        int    `json:"mtu,omitempty"`
	DNS        string `json:"dns,omitempty"`
	Table      string `json:"table,omitempty"`
}

// ReadInterfaceConfig reads and parses the [Interface] section of the
// interface's config file, returning the parsed fields and the raw text.
func (m *WireGuardManager) ReadInterfaceConfig(iface string) (*InterfaceConfig, string, error) {
	raw, err := os.ReadFile(m.ConfigPath(iface))
	if err != nil {
		return nil, "", err
	}
	return parseInterfaceSection(string(raw)), string(raw), nil
}

func parseInterfaceSection(raw string) *InterfaceConfig {
	cfg := &InterfaceConfig{}
	section := ""
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			section = strings.ToLower(line)
			continue
		}
		if section != "[interface]" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "privatekey":
			cfg.PrivateKey = value
		case "listenport":
			cfg.ListenPort, _ = strconv.Atoi(value)
		case "address":
			cfg.Address = value
		case "postup":
			cfg.PostUp = value
		case "predown":
			cfg.PreDown = value
		case "mtu":
			cfg.MTU, _ = strconv.Atoi(value)
		case "dns":
			cfg.DNS = value
		case "table":
			cfg.Table = value
		}
	}
	return cfg
}

// extractPeerSections returns the [Peer] sections of a config file verbatim,
// one string per section.
func extractPeerSections(raw string) []string {
	var sections []string
	var current []string
	inPeer := false
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.EqualFold(trimmed, "[Peer]"):
			if inPeer {
				sections = append(sections, strings.Join(current, "\n"))
			}
			current = []string{line}
			inPeer = true
		case inPeer && strings.HasPrefix(trimmed, "["):
			sections = append(sections, strings.Join(current, "\n"))
			current = nil
			inPeer = false
		case inPeer:
			current = append(current, line)
		}
	}
	if inPeer {
		sections = append(sections, strings.Join(current, "\n"))
	}
	return sections
}

// renderInterfaceSection builds the [Interface] section text for a config.
func renderInterfaceSection(cfg *InterfaceConfig) string {
	lines := []string{"[Interface]", "PrivateKey = " + cfg.PrivateKey}
	if cfg.ListenPort > 0 {
		lines = append(lines, "ListenPort = "+strconv.Itoa(cfg.ListenPort))
	}
	if cfg.Address != "" {
		lines = append(lines, "Address = "+cfg.Address)
	}
	if cfg.MTU > 0 {
		lines = append(lines, "MTU = "+strconv.Itoa(cfg.MTU))
	}
	if cfg.DNS != "" {
		lines = append(lines, "DNS = "+cfg.DNS)
	}
	if cfg.Table != "" {
		lines = append(lines, "Table = "+cfg.Table)
	}
	if cfg.PostUp != "" {
		lines = append(lines, "PostUp = "+cfg.PostUp)
	}
	if cfg.PreDown != "" {
		lines = append(lines, "PreDown = "+cfg.PreDown)
	}
	return strings.Join(lines, "\n")
}

// ReplaceInterfaceConfig rewrites the [Interface] section of the interface's
// config file, preserving existing [Peer] sections verbatim. The prior file
// is backed up first; if the interface was up and fails to come back up with
// the new config, the backup is restored. Returns whether the interface was
// reloaded.
func (m *WireGuardManager) ReplaceInterfaceConfig(ctx context.Context, iface string, cfg *InterfaceConfig) (bool, error) {
	if cfg.PrivateKey == "" {
		return false, fmt.Errorf("private_key is required")
	}

	configPath := m.ConfigPath(iface)
	backupPath := configPath + ".backup"

	lock := flock.New(configPath + ".lock")
	if err := lock.Lock(); err != nil {
		return false, fmt.Errorf("lock config: %w", err)
	}
	defer lock.Unlock()

	var peerSections []string
	existing, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
			return false, fmt.Errorf("write backup: %w", err)
		}
		peerSections = extractPeerSections(string(existing))
	case os.IsNotExist(err):
		// New interface, nothing to back up.
	default:
		return false, fmt.Errorf("read config: %w", err)
	}

	content := renderInterfaceSection(cfg)
	if len(peerSections) > 0 {
		content += "\n\n" + strings.Join(peerSections, "\n")
	}
	content += "\n"

	// Stage through a temp file in the same directory so the final rename
	// is atomic.
	tempPath := configPath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	if parsed := parseInterfaceSection(content); parsed.PrivateKey == "" {
		os.Remove(tempPath)
		return false, fmt.Errorf("rendered config failed validation")
	}
	if err := os.Rename(tempPath, configPath); err != nil {
		os.Remove(tempPath)
		return false, fmt.Errorf("install config: %w", err)
	}

	if !m.IsUp(ctx, iface) {
		return false, nil
	}

	if err := m.Down(ctx, iface); err != nil {
		m.restoreBackup(backupPath, configPath)
		return false, fmt.Errorf("reload interface: %w", err)
	}
	if err := m.Up(ctx, iface); err != nil {
		m.restoreBackup(backupPath, configPath)
		// Best effort: bring the old config back up.
		m.Up(ctx, iface)
		return false, fmt.Errorf("reload interface: %w", err)
	}
	return true, nil
}

func (m *WireGuardManager) restoreBackup(backupPath, configPath string) {
	if _, err := os.Stat(backupPath); err != nil {
		return
	}
	os.Rename(backupPath, configPath)
}

// DeleteInterface brings the interface down if it is up and removes its
// config file.
func (m *WireGuardManager) DeleteInterface(ctx context.Context, iface string) error {
	if m.IsUp(ctx, iface) {
		if err := m.Down(ctx, iface); err != nil {
			return err
		}
	}
	if err := os.Remove(m.ConfigPath(iface)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove config: %w", err)
	}
	return nil
}
