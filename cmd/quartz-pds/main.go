// quartz-pds is a single-host AT Protocol Personal Data Server.
//
// It reads configuration from db.json in the working directory,
// connects to PostgreSQL, bootstraps the schema, seeds the firehose
// sequence counter, and starts an HTTP server with the standard AT
// Protocol XRPC endpoints.
//
// Usage:
//
//	./quartz-pds              # reads ./db.json, starts server
//	docker compose up -d      # runs via Docker with mounted config
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/primal-host/quartz-pds/internal/account"
	"github.com/primal-host/quartz-pds/internal/config"
	"github.com/primal-host/quartz-pds/internal/database"
	"github.com/primal-host/quartz-pds/internal/events"
	"github.com/primal-host/quartz-pds/internal/identity"
	"github.com/primal-host/quartz-pds/internal/repo"
	"github.com/primal-host/quartz-pds/internal/server"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("quartz-pds starting...")

	// Load configuration.
	cfg, err := config.Load("db.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (listen=%s db=%s/%s)", cfg.ListenAddr, cfg.DBConn, cfg.DBName)

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	// Connect to PostgreSQL and bootstrap schema.
	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected, schema bootstrapped")

	// Firehose hub seeded from the persisted high-water mark so
	// sequence numbers stay monotonic across restarts.
	hub := events.NewHub(events.NewPersister(db.Pool))
	if err := hub.Start(ctx); err != nil {
		log.Fatalf("Failed to seed firehose sequence: %v", err)
	}
	defer hub.Shutdown()
	log.Printf("Firehose ready (seq=%d)", hub.CurrentSeq())

	accounts := account.NewStore(db, cfg.ServiceEndpoint())
	repos := repo.NewManager(db.Pool)

	// Announce to relays so they start crawling this PDS. Best-effort;
	// failures are logged inside AnnounceToRelay.
	for _, relay := range cfg.RelayHosts {
		go func(relay string) {
			announceCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := identity.AnnounceToRelay(announceCtx, relay, cfg.ServiceEndpoint()); err != nil {
				log.Printf("Warning: relay announce %s: %v", relay, err)
			}
		}(relay)
	}

	// Start the HTTP server (blocks until context is cancelled).
	srv := server.New(cfg, db, accounts, repos, hub)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("quartz-pds stopped")
}
