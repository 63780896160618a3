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

	"github.com/gabzou364/wgpanel/internal/panel/alloc"
	"github.com/gabzou364/wgpanel/internal/panel/api"
	"github.com/gabzou364/wgpanel/internal/panel/auth"
	"github.com/gabzou364/wgpanel/internal/panel/config"
	"github.com/gabzou364/wgpanel/internal/panel/dnssync"
	"github.com/gabzou364/wgpanel/internal/panel/health"
	"github.com/gabzou364/wgpanel/internal/panel/migration"
	"github.com/gabzou364/wgpanel/internal/panel/placement"
	"github.com/gabzou364/wgpanel/internal/panel/store"
)

// serveCmd runs the API server and the background workers
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the panel",
	Long: `Starts the WGPanel coordinator: the orchestration API, the node health
poller and the DNS retry worker.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.Connect(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer st.Close()

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Println("Database migrations completed successfully")

	// Worker lifetime: cancelled on shutdown.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	provider := dnssync.NewClient(cfg.DNS.APIBase, cfg.DNS.APIToken)
	queue := dnssync.NewRetryQueue(workerCtx, provider)
	dnsReconciler := dnssync.NewReconciler(st, provider, queue)

	migrator := migration.New(st)
	selector := placement.New(st)
	allocator := alloc.New(st)

	srv := api.NewServer(cfg, api.Deps{
		Store:     st,
		AuthStore: auth.NewStore(st.Pool()),
		Selector:  selector,
		Allocator: allocator,
		Migrator:  migrator,
		DNS:       dnsReconciler,
	})

	poller := health.NewPoller(st, migrator, dnsReconciler)
	go poller.Run(workerCtx)

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("Starting panel on %s", cfg.Server.ListenAddr)
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		log.Printf("Received signal %v, starting graceful shutdown", sig)
		cancelWorkers()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		log.Println("Panel stopped gracefully")
	}

	return nil
}
