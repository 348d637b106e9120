package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/internal/mock"
	"github.com/agent-relay/relay/internal/server"
	"github.com/agent-relay/relay/internal/session"
)

func main() {
	mockMode := flag.Bool("mock", false, "Generate synthetic session traffic")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	var persist *session.Snapshotter
	if cfg.Persistence.Enabled {
		persist = session.NewSnapshotter(cfg.Persistence.Dir, cfg.Persistence.Filename)
		log.Printf("Persisting sessions to %s", persist.Path())
	}

	store := session.NewStore(session.Options{
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
		SaveInterval:  cfg.Persistence.SaveInterval,
		Persist:       persist,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.Start(ctx)

	if *mockMode {
		log.Println("Starting in mock mode")
		gen := mock.NewGenerator(store)
		gen.Start(ctx)
	}

	srv := server.New(store)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		if err := store.SaveState(); err != nil {
			log.Printf("Final snapshot save failed: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
