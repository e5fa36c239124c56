// npt-reprocess runs one pass of the cursor reprocessor: it replays raw
// status events recorded after each machine's cursor through the downtime
// state machine, then advances the cursor. Safe to re-run at any time.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"npt-ingest-backend/config"
	"npt-ingest-backend/internal/db"
	"npt-ingest-backend/internal/parse"
	"npt-ingest-backend/internal/reprocess"
	"npt-ingest-backend/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default $CONFIG_PATH or ./config/config.yaml)")
		machine    = flag.String("machine", "", "process only this machine (external id)")
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

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}

	reprocessor := reprocess.New(store.NewGormStore(gormDB))
	ctx := context.Background()

	if *machine != "" {
		mcNo := parse.NormalizeMachineID(*machine)
		if err := reprocessor.RunMachine(ctx, mcNo); err != nil {
			log.Fatalf("reprocessing %s failed: %v", mcNo, err)
		}
		log.Printf("reprocessing complete for %s", mcNo)
		return
	}

	if err := reprocessor.Run(ctx); err != nil {
		log.Fatalf("reprocessing failed: %v", err)
	}
	log.Println("reprocessing complete")
}
