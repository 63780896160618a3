package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gabzou364/wgpanel/internal/agent"
	"github.com/gabzou364/wgpanel/internal/agent/config"
)

// rootCmd is the base command for the agent CLI
var rootCmd = &cobra.Command{
	Use:   "wgagent",
	Short: "WGPanel node agent",
	Long: `The WGPanel node agent runs on each tunnel host and applies WireGuard
state changes requested by the panel over HMAC-authenticated HTTP.`,
	RunE: runAgent,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	srv, err := agent.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("Starting agent on %s", cfg.ListenAddr)
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		log.Printf("Received signal %v, starting graceful shutdown", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		log.Println("Agent stopped gracefully")
	}

	return nil
}
