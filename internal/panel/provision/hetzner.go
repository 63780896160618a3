// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package provision bootstraps tunnel hosts on Hetzner Cloud: it creates a
// VM whose cloud-init installs and starts the agent, then hands back the
// details needed to register the host as a node.
package provision

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/hetznercloud/hcloud-go/v2/hcloud/exp/actionutil"
)

// HetznerProvisioner creates agent hosts on Hetzner Cloud.
type HetznerProvisioner struct {
	client    *hcloud.Client
	sshKeyIDs []int64
}

// HetznerConfig contains configuration for the provisioner.
type HetznerConfig struct {
	Token     string
	SSHKeyIDs []int64
}

// NewHetznerProvisioner creates a provisioner.
func NewHetznerProvisioner(cfg HetznerConfig) (*HetznerProvisioner, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("Hetzner API token is required")
	}

	client := hcloud.NewClient(
		hcloud.WithToken(cfg.Token),
		hcloud.WithApplication("wgpanel", "1.0.0"),
	)

	return &HetznerProvisioner{client: client, sshKeyIDs: cfg.SSHKeyIDs}, nil
}

// HostRequest describes the host to create.
type HostRequest struct {
	Name         string
	Region       string
	Size         string
	SharedSecret string
	AgentPort    int
	Labels       map[string]string
}

// Host is the provisioned result.
type Host struct {
	ProviderID string
	PublicIP   string
	AgentURL   string
	CreatedAt  time.Time
}

// cloudInit renders the user-data that installs WireGuard and the agent and
// wires the shared secret into its environment.
func cloudInit(req HostRequest) string {
	return fmt.Sprintf(`#cloud-config
package_update: true
packages:
  - wireguard
  - wireguard-tools
write_files:
  - path: /etc/wgagent/env
    permissions: "0600"
    content: |
      WGAGENT_SECRET=%s
      WGAGENT_LISTEN=0.0.0.0:%d
  - path: /etc/systemd/system/wgagent.service
    content: |
      [Unit]
      Description=WGPanel node agent
      After=network-online.target

      [Service]
      EnvironmentFile=/etc/wgagent/env
      ExecStart=/usr/local/bin/wgagent
      Restart=always

      [Install]
      WantedBy=multi-user.target
runcmd:
  - curl -fsSL https://get.wgpanel.dev/agent -o /usr/local/bin/wgagent
  - chmod +x /usr/local/bin/wgagent
  - systemctl daemon-reload
  - systemctl enable --now wgagent
`, req.SharedSecret, req.AgentPort)
}

// Provision creates the VM and waits until it is running.
func (p *HetznerProvisioner) Provision(ctx context.Context, req HostRequest) (*Host, error) {
	if req.AgentPort == 0 {
		req.AgentPort = 8080
	}

	sshKeys := make([]*hcloud.SSHKey, len(p.sshKeyIDs))
	for i, id := range p.sshKeyIDs {
		sshKeys[i] = &hcloud.SSHKey{ID: id}
	}

	labels := req.Labels
	if labels == nil {
		labels = make(map[string]string)
	}
	labels["managed-by"] = "wgpanel"

	opts := hcloud.ServerCreateOpts{
		Name:             req.Name,
		ServerType:       &hcloud.ServerType{Name: req.Size},
		Location:         &hcloud.Location{Name: req.Region},
		Image:            &hcloud.Image{Name: "ubuntu-24.04"},
		SSHKeys:          sshKeys,
		Labels:           labels,
		UserData:         cloudInit(req),
		StartAfterCreate: hcloud.Ptr(true),
	}

	result, _, err := p.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	err = p.client.Action.WaitFor(ctx, actionutil.AppendNext(result.Action, result.NextActions)...)
	if err != nil {
		p.client.Server.Delete(ctx, result.Server)
		return nil, fmt.Errorf("wait for server: %w", err)
	}

	server, _, err := p.client.Server.GetByID(ctx, result.Server.ID)
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}

	publicIP := server.PublicNet.IPv4.IP.String()
	return &Host{
		ProviderID: strconv.FormatInt(server.ID, 10),
		PublicIP:   publicIP,
		AgentURL:   fmt.Sprintf("http://%s:%d", publicIP, req.AgentPort),
		CreatedAt:  time.Now(),
	}, nil
}

// Destroy removes a provisioned host.
func (p *HetznerProvisioner) Destroy(ctx context.Context, providerID string) error {
	serverID, err := strconv.ParseInt(providerID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid server ID: %w", err)
	}

	result, _, err := p.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: serverID})
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	if result.Action != nil {
		if err := p.client.Action.WaitFor(ctx, result.Action); err != nil {
			return fmt.Errorf("wait for deletion: %w", err)
		}
	}
	return nil
}
