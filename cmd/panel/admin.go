package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gabzou364/wgpanel/internal/panel/auth"
	"github.com/gabzou364/wgpanel/internal/panel/config"
	"github.com/gabzou364/wgpanel/internal/panel/provision"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "wgpanel",
	Short: "WGPanel - control plane for a fleet of WireGuard tunnel nodes",
	Long: `The WGPanel coordinator owns the inventory of tunnel nodes, places peers,
reconciles drift and keeps public DNS aligned with the healthy node set.`,
}

// adminCmd is the parent command for admin operations
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Admin operations",
	Long:  `Administrative commands for managing API keys and the node registry.`,
}

// createKeyCmd creates a new API key
var createKeyCmd = &cobra.Command{
	Use:   "create-key",
	Short: "Create a new API key",
	Long:  `Creates a new API key. The key is displayed once and cannot be retrieved later.`,
	RunE:  runCreateKey,
}

// nodesCmd is the parent command for node registry management
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Node registry management",
	Long:  `Commands for registering and inspecting tunnel nodes without the HTTP API.`,
}

// nodesAddCmd registers an existing host as a node
var nodesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a tunnel node",
	Long:  `Registers a host that is already running the agent.`,
	RunE:  runNodesAdd,
}

// nodesListCmd lists all nodes
var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all nodes",
	RunE:  runNodesList,
}

// nodesRemoveCmd removes a node
var nodesRemoveCmd = &cobra.Command{
	Use:   "remove [node-id]",
	Short: "Remove a node from the registry",
	Long:  `Removes a node registration. The node must not own any peers.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesRemove,
}

// nodesProvisionCmd creates a cloud host and registers it
var nodesProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a new tunnel host on Hetzner Cloud and register it",
	RunE:  runNodesProvision,
}

// Flags for create-key command
var (
	createKeyName  string
	createKeyScope string
)

// Flags for nodes add command
var (
	nodesAddName      string
	nodesAddAgentURL  string
	nodesAddSecret    string
	nodesAddEndpoint  string
	nodesAddInterface string
	nodesAddPoolCIDR  string
	nodesAddWeight    int
	nodesAddMaxPeers  int
)

// Flags for nodes provision command
var (
	provisionName   string
	provisionRegion string
	provisionSize   string
)

func init() {
	rootCmd.AddCommand(adminCmd)

	createKeyCmd.Flags().StringVar(&createKeyName, "name", "", "Key name/description (required)")
	createKeyCmd.Flags().StringVar(&createKeyScope, "scope", "write", "Key scope: read, write, or admin")
	createKeyCmd.MarkFlagRequired("name")
	adminCmd.AddCommand(createKeyCmd)

	nodesAddCmd.Flags().StringVar(&nodesAddName, "name", "", "Node name (required)")
	nodesAddCmd.Flags().StringVar(&nodesAddAgentURL, "agent-url", "", "Agent base URL (required)")
	nodesAddCmd.Flags().StringVar(&nodesAddSecret, "secret", "", "Shared secret (generated if omitted)")
	nodesAddCmd.Flags().StringVar(&nodesAddEndpoint, "endpoint", "", "Public endpoint host:port")
	nodesAddCmd.Flags().StringVar(&nodesAddInterface, "interface", "wg0", "WireGuard interface name")
	nodesAddCmd.Flags().StringVar(&nodesAddPoolCIDR, "pool", "", "Peer IP pool CIDR")
	nodesAddCmd.Flags().IntVar(&nodesAddWeight, "weight", 100, "Placement weight")
	nodesAddCmd.Flags().IntVar(&nodesAddMaxPeers, "max-peers", 0, "Peer cap (0 = unlimited)")
	nodesAddCmd.MarkFlagRequired("name")
	nodesAddCmd.MarkFlagRequired("agent-url")

	nodesProvisionCmd.Flags().StringVar(&provisionName, "name", "", "Host and node name (required)")
	nodesProvisionCmd.Flags().StringVar(&provisionRegion, "region", "fsn1", "Hetzner location")
	nodesProvisionCmd.Flags().StringVar(&provisionSize, "size", "cx22", "Hetzner server type")
	nodesProvisionCmd.MarkFlagRequired("name")

	adminCmd.AddCommand(nodesCmd)
	nodesCmd.AddCommand(nodesAddCmd)
	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesRemoveCmd)
	nodesCmd.AddCommand(nodesProvisionCmd)
}

func connectStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	st, err := store.Connect(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, st, nil
}

// runCreateKey creates a new API key
func runCreateKey(cmd *cobra.Command, args []string) error {
	validScopes := map[string]bool{"read": true, "write": true, "admin": true}
	if !validScopes[createKeyScope] {
		return fmt.Errorf("invalid scope %q: must be 'read', 'write', or 'admin'", createKeyScope)
	}

	_, st, err := connectStore()
	if err != nil {
		return err
	}
	defer st.Close()

	key, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	authStore := auth.NewStore(st.Pool())
	id, err := authStore.CreateAPIKey(context.Background(), createKeyName, prefix, hash, createKeyScope)
	if err != nil {
		return err
	}

	fmt.Printf("API key created (id %s)\n\n", id)
	fmt.Printf("  %s\n\n", key)
	fmt.Println("Store this key now; it cannot be retrieved later.")
	return nil
}

// runNodesAdd registers a node
func runNodesAdd(cmd *cobra.Command, args []string) error {
	_, st, err := connectStore()
	if err != nil {
		return err
	}
	defer st.Close()

	secret := nodesAddSecret
	if secret == "" {
		secret = generateSecret()
		fmt.Printf("Generated shared secret: %s\n", secret)
		fmt.Println("Set WGAGENT_SECRET to this value on the node.")
	}

	node := &store.Node{
		Name:         nodesAddName,
		AgentURL:     nodesAddAgentURL,
		SharedSecret: secret,
		Endpoint:     nodesAddEndpoint,
		Enabled:      true,
		Weight:       nodesAddWeight,
		MaxPeers:     nodesAddMaxPeers,
	}
	first := &store.NodeInterface{
		InterfaceName: nodesAddInterface,
		Endpoint:      nodesAddEndpoint,
		IPPoolCIDR:    nodesAddPoolCIDR,
		Enabled:       true,
	}

	if err := st.CreateNode(context.Background(), node, first); err != nil {
		return err
	}
	fmt.Printf("Node %s registered (id %s)\n", node.Name, node.ID)
	return nil
}

// runNodesList prints the node registry
func runNodesList(cmd *cobra.Command, args []string) error {
	_, st, err := connectStore()
	if err != nil {
		return err
	}
	defer st.Close()

	nodes, err := st.ListNodes(context.Background())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tAGENT URL\tENABLED\tWEIGHT\tMAX PEERS\tLAST SEEN")
	for _, node := range nodes {
		lastSeen := "never"
		if node.LastSeen != nil {
			lastSeen = node.LastSeen.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
			node.ID, node.Name, node.AgentURL, node.Enabled, node.Weight, node.MaxPeers, lastSeen)
	}
	return tw.Flush()
}

// runNodesRemove removes a node registration
func runNodesRemove(cmd *cobra.Command, args []string) error {
	_, st, err := connectStore()
	if err != nil {
		return err
	}
	defer st.Close()

	nodeID := args[0]
	owned, err := st.CountPeersByNode(context.Background(), nodeID)
	if err != nil {
		return err
	}
	if owned > 0 {
		return fmt.Errorf("node %s still owns %d peers; migrate or delete them first", nodeID, owned)
	}

	if err := st.DeleteNode(context.Background(), nodeID); err != nil {
		return err
	}
	fmt.Printf("Node %s removed\n", nodeID)
	return nil
}

// runNodesProvision creates a Hetzner host running the agent and registers
// it as a node.
func runNodesProvision(cmd *cobra.Command, args []string) error {
	cfg, st, err := connectStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Provision.HCloudToken == "" {
		return fmt.Errorf("Hetzner token not configured (set WGPANEL_HCLOUD_TOKEN)")
	}

	provisioner, err := provision.NewHetznerProvisioner(provision.HetznerConfig{
		Token: cfg.Provision.HCloudToken,
	})
	if err != nil {
		return err
	}

	secret := generateSecret()
	log.Printf("Provisioning host %s in %s (%s)", provisionName, provisionRegion, provisionSize)

	host, err := provisioner.Provision(context.Background(), provision.HostRequest{
		Name:         provisionName,
		Region:       provisionRegion,
		Size:         provisionSize,
		SharedSecret: secret,
	})
	if err != nil {
		return fmt.Errorf("provision host: %w", err)
	}

	node := &store.Node{
		Name:         provisionName,
		AgentURL:     host.AgentURL,
		SharedSecret: secret,
		Endpoint:     host.PublicIP + ":51820",
		Enabled:      true,
		Weight:       100,
	}
	first := &store.NodeInterface{
		InterfaceName: "wg0",
		Endpoint:      node.Endpoint,
		Enabled:       true,
	}
	if err := st.CreateNode(context.Background(), node, first); err != nil {
		return fmt.Errorf("register node (host %s is up at %s): %w", host.ProviderID, host.PublicIP, err)
	}

	fmt.Printf("Node %s provisioned and registered (id %s, agent %s)\n", node.Name, node.ID, host.AgentURL)
	return nil
}

// generateSecret creates a random shared secret for Panel↔Agent HMAC.
func generateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
