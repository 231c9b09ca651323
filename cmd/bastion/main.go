package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bastion-games/bastion/pkg/api"
	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/config"
	"github.com/bastion-games/bastion/pkg/events"
	"github.com/bastion-games/bastion/pkg/locker"
	"github.com/bastion-games/bastion/pkg/log"
	"github.com/bastion-games/bastion/pkg/metrics"
	"github.com/bastion-games/bastion/pkg/push"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/service"
	"github.com/bastion-games/bastion/pkg/storage"
	"github.com/bastion-games/bastion/pkg/syncer"
	"github.com/bastion-games/bastion/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bastion",
	Short: "Bastion - persistent strategy game server core",
	Long: `Bastion is the backend core of a persistent strategy game: a
cache-first state store with write-behind persistence, timed task
queues for construction, training and research, and a JSON command
API with WebSocket push.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bastion version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	startCmd.Flags().String("config", "", "Path to server config YAML")
	serverCmd.AddCommand(startCmd)
	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the game server",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the game server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		metrics.SetVersion(Version)

		catalog, err := config.Load(cfg.CatalogDir)
		if err != nil {
			return fmt.Errorf("failed to load catalog: %v", err)
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open persistence: %v", err)
		}
		metrics.RegisterComponent("persistence", true, "open")

		memCache := cache.NewMemStore()
		metrics.RegisterComponent("cache", true, "ready")

		broker := events.NewBroker()
		broker.Start()

		deps := &service.Deps{
			Cache:   memCache,
			Store:   store,
			Queue:   queue.New(memCache),
			Locker:  locker.New(cfg.LockTimeout()),
			Catalog: catalog,
			Events:  broker,
			Now:     time.Now,
			Rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		}

		taskWorker := worker.New(deps, cfg.TickInterval())
		taskWorker.Start()

		syncWorkers := syncer.New(memCache, store)
		syncWorkers.Start()

		hub := push.NewHub(broker)
		hub.Start()

		apiServer := api.NewServer(cfg, deps, hub)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(); err != nil {
				errCh <- err
			}
		}()

		log.Info("Server is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("Shutting down")
		case err := <-errCh:
			log.Errorf("API server failed: %v", err)
		}

		// Stop taking requests, then stop producing work, then drain the
		// write-behind so nothing dirty is lost
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			log.Errorf("API shutdown: %v", err)
		}
		hub.Stop()
		taskWorker.Stop()
		syncWorkers.Stop()
		broker.Stop()

		if err := memCache.Close(); err != nil {
			log.Errorf("Cache close: %v", err)
		}
		if err := store.Close(); err != nil {
			return fmt.Errorf("failed to close persistence: %v", err)
		}

		log.Info("Shutdown complete")
		return nil
	},
}
