package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"npt-ingest-backend/config"
	"npt-ingest-backend/internal/api"
	"npt-ingest-backend/internal/db"
	"npt-ingest-backend/internal/ingest"
	"npt-ingest-backend/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default $CONFIG_PATH or ./config/config.yaml)")
		broker     = flag.String("broker", "", "MQTT broker host (overrides config)")
		port       = flag.Int("port", 0, "MQTT broker port (overrides config)")
		username   = flag.String("username", "", "MQTT username (overrides config)")
		password   = flag.String("password", "", "MQTT password (overrides config)")
	)
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./config/config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", path, err)
	}
	log.Printf("configuration loaded successfully from %s", path)

	if *broker != "" {
		cfg.Broker.Host = *broker
	}
	if *port != 0 {
		cfg.Broker.Port = *port
	}
	if *username != "" {
		cfg.Broker.Username = *username
	}
	if *password != "" {
		cfg.Broker.Password = *password
	}
	if cfg.Broker.Host == "" {
		log.Fatalf("broker host must be set via config or -broker")
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	log.Println("database initialized successfully")

	appStore := store.NewGormStore(gormDB)

	ingestor, err := ingest.New(cfg, appStore)
	if err != nil {
		log.Fatalf("failed to build ingestor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ingestor.Start(ctx); err != nil {
		log.Fatalf("failed to start ingestor: %v", err)
	}
	log.Println("ingestor started")

	router := api.NewRouter(ingestor, appStore, &cfg.Server)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("diagnostics HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("diagnostics server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	log.Println("Shutdown signal received, stopping services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("diagnostics server shutdown: %v", err)
	}

	// Stop disconnects the broker before draining the workers. Whatever
	// still cannot be persisted ends up in the overflow log for the next
	// start.
	ingestor.Stop(30 * time.Second)

	log.Println("Ingestor gracefully stopped")
}
