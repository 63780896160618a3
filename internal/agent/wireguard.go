// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// activeHandshakeWindow is how recent a peer's handshake must be for the
// peer to count as active in status and metrics reports.
const activeHandshakeWindow = 180

// WireGuardManager drives the local wg and wg-quick tools. It never talks to
// the kernel directly: the config files under confDir stay the source of
// truth so that wg-quick save, syncconf and the panel's interface ops all
// observe the same state.
type WireGuardManager struct {
	confDir string
}

// NewWireGuardManager creates a manager rooted at the given wg-quick config
// directory.
func NewWireGuardManager(confDir string) *WireGuardManager {
	return &WireGuardManager{confDir: confDir}
}

// DumpPeer is a single peer line from `wg show <iface> dump`.
type DumpPeer struct {
	PublicKey           string   `json:"public_key"`
	PresharedKey        *string  `json:"preshared_key,omitempty"`
	Endpoint            *string  `json:"endpoint,omitempty"`
	AllowedIPs          []string `json:"allowed_ips"`
	LatestHandshake     *int64   `json:"latest_handshake,omitempty"`
	TransferRx          int64    `json:"transfer_rx"`
	TransferTx          int64    `json:"transfer_tx"`
	PersistentKeepalive int      `json:"persistent_keepalive"`
}

// InterfaceDump is the parsed result of `wg show <iface> dump`.
type InterfaceDump struct {
	Interface string     `json:"interface"`
	Peers     []DumpPeer `json:"peers"`
}

// AddPeerParams describes a peer to add to an interface.
type AddPeerParams struct {
	PublicKey           string
	AllowedIPs          []string
	PresharedKey        string
	PersistentKeepalive int
}

// UpdatePeerParams describes a partial peer update. Nil fields are left
// untouched.
type UpdatePeerParams struct {
	AllowedIPs          []string
	PersistentKeepalive *int
}

// runWG executes a command and returns its stdout. On failure the error
// carries the tool's stderr so callers can surface it verbatim.
func runWG(ctx context.Context, name string, args ...string) (string, error) {
	return runWGStdin(ctx, "", name, args...)
}

func runWGStdin(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), detail)
	}
	return stdout.String(), nil
}

// Interfaces lists the WireGuard interfaces currently known to the kernel.
func (m *WireGuardManager) Interfaces(ctx context.Context) ([]string, error) {
	out, err := runWG(ctx, "wg", "show", "interfaces")
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// IsUp reports whether the interface is currently up.
func (m *WireGuardManager) IsUp(ctx context.Context, iface string) bool {
	_, err := runWG(ctx, "wg", "show", iface)
	return err == nil
}

// Dump reads the live peer set from `wg show <iface> dump`.
func (m *WireGuardManager) Dump(ctx context.Context, iface string) (*InterfaceDump, error) {
	out, err := runWG(ctx, "wg", "show", iface, "dump")
	if err != nil {
		return nil, err
	}
	return parseDump(iface, out), nil
}

// parseDump parses `wg show <iface> dump` output. The first line describes
// the interface itself; each following tab-separated line is a peer.
func parseDump(iface string, out string) *InterfaceDump {
	dump := &InterfaceDump{Interface: iface, Peers: []DumpPeer{}}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return dump
	}
	for _, line := range lines[1:] {
		parts := strings.Split(line, "\t")
		if len(parts) < 8 {
			continue
		}
		peer := DumpPeer{PublicKey: parts[0], AllowedIPs: []string{}}
		if parts[1] != "(none)" && parts[1] != "" {
			psk := parts[1]
			peer.PresharedKey = &psk
		}
		if parts[2] != "(none)" && parts[2] != "" {
			ep := parts[2]
			peer.Endpoint = &ep
		}
		if parts[3] != "" && parts[3] != "(none)" {
			for _, ip := range strings.Split(parts[3], ",") {
				if ip = strings.TrimSpace(ip); ip != "" {
					peer.AllowedIPs = append(peer.AllowedIPs, ip)
				}
			}
		}
		if hs, err := strconv.ParseInt(parts[4], 10, 64); err == nil && hs > 0 {
			peer.LatestHandshake = &hs
		}
		peer.TransferRx, _ = strconv.ParseInt(parts[5], 10, 64)
		peer.TransferTx, _ = strconv.ParseInt(parts[6], 10, 64)
		if parts[7] != "off" {
			peer.PersistentKeepalive, _ = strconv.Atoi(parts[7])
		}
		dump.Peers = append(dump.Peers, peer)
	}
	return dump
}

// AddPeer adds a peer to the interface and persists the config. The
// preshared key, if any, passes through a 0600 temp file that is removed on
// every exit path.
func (m *WireGuardManager) AddPeer(ctx context.Context, iface string, p AddPeerParams) error {
	args := []string{"set", iface, "peer", p.PublicKey}
	if len(p.AllowedIPs) > 0 {
		args = append(args, "allowed-ips", strings.Join(p.AllowedIPs, ","))
	}
	if p.PresharedKey != "" {
		pskFile, err := writeSecretFile("wgagent-psk-*", p.PresharedKey)
		if err != nil {
			return fmt.Errorf("write preshared key: %w", err)
		}
		defer os.Remove(pskFile)
		args = append(args, "preshared-key", pskFile)
		if _, err := runWG(ctx, "wg", args...); err != nil {
			return err
		}
	} else {
		if _, err := runWG(ctx, "wg", args...); err != nil {
			return err
		}
	}
	if p.PersistentKeepalive > 0 {
		_, err := runWG(ctx, "wg", "set", iface, "peer", p.PublicKey,
			"persistent-keepalive", strconv.Itoa(p.PersistentKeepalive))
		if err != nil {
			return err
		}
	}
	return m.Save(ctx, iface)
}

// UpdatePeer patches a peer's allowed-ips and/or keepalive and persists.
func (m *WireGuardManager) UpdatePeer(ctx context.Context, iface, publicKey string, p UpdatePeerParams) error {
	args := []string{"set", iface, "peer", publicKey}
	if p.AllowedIPs != nil {
		args = append(args, "allowed-ips", strings.Join(p.AllowedIPs, ","))
	}
	if p.PersistentKeepalive != nil {
		args = append(args, "persistent-keepalive", strconv.Itoa(*p.PersistentKeepalive))
	}
	if len(args) == 4 {
		return nil
	}
	if _, err := runWG(ctx, "wg", args...); err != nil {
		return err
	}
	return m.Save(ctx, iface)
}

// RemovePeer removes a peer from the interface and persists.
func (m *WireGuardManager) RemovePeer(ctx context.Context, iface, publicKey string) error {
	if _, err := runWG(ctx, "wg", "set", iface, "peer", publicKey, "remove"); err != nil {
		return err
	}
	return m.Save(ctx, iface)
}

// SyncConf atomically replaces the live peer set from a full config. The
// config passes through a temp file that is removed whether or not syncconf
// succeeds.
func (m *WireGuardManager) SyncConf(ctx context.Context, iface, confText string) error {
	confFile, err := writeSecretFile("wgagent-syncconf-*.conf", confText)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(confFile)

	if _, err := runWG(ctx, "wg", "syncconf", iface, confFile); err != nil {
		return err
	}
	return m.Save(ctx, iface)
}

// Save persists the live interface state back to its wg-quick config file.
func (m *WireGuardManager) Save(ctx context.Context, iface string) error {
	_, err := runWG(ctx, "wg-quick", "save", iface)
	return err
}

// Up brings the interface up.
func (m *WireGuardManager) Up(ctx context.Context, iface string) error {
	_, err := runWG(ctx, "wg-quick", "up", iface)
	return err
}

// Down brings the interface down.
func (m *WireGuardManager) Down(ctx context.Context, iface string) error {
	_, err := runWG(ctx, "wg-quick", "down", iface)
	return err
}

// ConfigPath returns the wg-quick config file path for an interface.
func (m *WireGuardManager) ConfigPath(iface string) string {
	return filepath.Join(m.confDir, iface+".conf")
}

// writeSecretFile writes content to a new 0600 temp file and returns its
// path. Callers must remove the file.
func writeSecretFile(pattern, content string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	path := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
