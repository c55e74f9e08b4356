package main

import (
	"flag"
	"log"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/api"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/config"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/db"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/gitrefs"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/orchestrator"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/registry"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/remote"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/secrets"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/verify"
)

func main() {
	configPath := flag.String("config", "/etc/fleet-orchestrator/config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Loaded configuration for %d environments", len(cfg.Environments))

	// Initialize database
	store, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	log.Printf("Database initialized at %s", cfg.Database.Path)

	// Build the environment registry
	reg, err := registry.New(cfg.Environments)
	if err != nil {
		log.Fatalf("Failed to build environment registry: %v", err)
	}

	// Remote command channel
	creds := secrets.NewFileProvider(cfg.Credentials.Path)
	channel := remote.NewSSHChannel(creds, remote.SSHOptions{
		ConnectTimeout: cfg.Orchestrator.ConnectTimeout.Std(),
		ConnectRetries: uint64(cfg.Orchestrator.ConnectRetries),
	})

	// Branch resolution from the control node (optional)
	var resolver *gitrefs.Resolver
	if cfg.Git.RepositoryURL != "" {
		resolver = gitrefs.NewResolver(cfg.Git.RepositoryURL, cfg.Git.Username, cfg.Git.Token)
		log.Printf("Branch resolver initialized (repo: %s)", cfg.Git.RepositoryURL)
	}

	orch := orchestrator.New(store, reg, channel, verify.NewEngine(channel), resolver, nil, orchestrator.Options{
		CommandTimeout:   cfg.Orchestrator.CommandTimeout.Std(),
		FleetParallelism: cfg.Orchestrator.FleetParallelism,
		StatusMaxAge:     cfg.Orchestrator.StatusMaxAge.Std(),
		DefaultBranch:    cfg.Git.DefaultBranch,
	})

	// Finalize anything left running by a previous process
	if err := orch.Recover(cfg.Orchestrator.GracePeriod.Std()); err != nil {
		log.Fatalf("Failed to recover abandoned deployments: %v", err)
	}

	// Create and start API server
	server := api.NewServer(cfg, store, reg, orch)

	log.Printf("Starting Fleet Orchestrator v%s", api.Version)

	if err := server.Run(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
