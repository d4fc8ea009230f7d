package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/modwatch/scanmetrics/pkg/server"
	"github.com/modwatch/scanmetrics/pkg/stream"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
	shutdownTimeout    = 30 * time.Second
)

func main() {
	log.Println("Starting scanmetrics server...")

	cfg := server.LoadConfig()
	log.Printf("Configuration: backend=%s prefix=%s stream=%s", cfg.Backend, cfg.KeyPrefix, cfg.Stream)

	st, err := server.InitializeStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	engine := server.InitializeEngine(st, cfg)

	hub := stream.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	log.Println("Event feed hub started")

	router := mux.NewRouter()
	handler := server.NewHandler(engine, hub)
	server.SetupRoutes(router, handler, hub)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%s", cfg.Port)
		log.Println("API endpoints:")
		log.Println("   POST /v1/scans           - Record a scan event")
		log.Println("   GET  /v1/rollups         - Per-scope daily rollups")
		log.Println("   GET  /v1/rollups/global  - Cross-scope daily rollups")
		log.Println("   GET  /v1/summary         - Per-content-type summary")
		log.Println("   GET  /v1/totals          - All-time totals")
		log.Println("   GET  /v1/ws              - Live event feed")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	wg.Wait()
	log.Println("Server stopped")
}
