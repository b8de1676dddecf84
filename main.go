package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/promptroute/promptroute/internal/api"
	"github.com/promptroute/promptroute/internal/config"
	"github.com/promptroute/promptroute/internal/contextfetch"
	"github.com/promptroute/promptroute/internal/credentials"
	"github.com/promptroute/promptroute/internal/database"
	"github.com/promptroute/promptroute/internal/dispatch"
	"github.com/promptroute/promptroute/internal/provider"
	"github.com/promptroute/promptroute/internal/quota"
)

func main() {
	config.Load()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if config.Cfg.EncryptionKey == "" {
		log.Fatal("PROMPTROUTE_ENCRYPTION_KEY is required")
	}
	sealer, err := credentials.NewSealer(config.Cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Encryption key: %v", err)
	}

	registry := contextfetch.NewRegistry()
	fetchers := map[string]contextfetch.Fetcher{
		"records": contextfetch.NewDatabaseFetcher(database.DB, "usage_summaries"),
		"http":    contextfetch.NewHTTPFetcher(),
		"similar": contextfetch.NewVectorFetcher(),
		"summary": contextfetch.NewSummaryFetcher(),
	}
	for key, f := range fetchers {
		if err := registry.Register(key, f); err != nil {
			log.Fatalf("Register fetcher %s: %v", key, err)
		}
	}

	store := credentials.NewStore(sealer)
	orch := dispatch.NewOrchestrator(registry, credentials.NewResolver(store), store,
		quota.NewEnforcer(), &provider.SimulatedClient{}, dispatch.Config{
			FetchTimeout:      time.Duration(config.Cfg.FetchTimeoutMs) * time.Millisecond,
			FetchConcurrency:  config.Cfg.FetchConcurrency,
			ProviderTimeout:   time.Duration(config.Cfg.ProviderTimeoutMs) * time.Millisecond,
			DispatchPerSecond: config.Cfg.DispatchPerSecond,
		})

	r := api.NewRouter(api.NewServer(orch, store))

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("PromptRoute starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("PromptRoute stopped")
}
