// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint for the client state engine. It opens the
// configured record store, recovers every client state and then keeps the
// zombie reaper and metrics endpoint running until it is signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/turtacn/emqx-engine/pkg/clientstate"
	"github.com/turtacn/emqx-engine/pkg/config"
	"github.com/turtacn/emqx-engine/pkg/metrics"
	"github.com/turtacn/emqx-engine/pkg/recovery"
	"github.com/turtacn/emqx-engine/pkg/storage"
	"github.com/turtacn/emqx-engine/pkg/storage/levelstore"
	"github.com/turtacn/emqx-engine/pkg/storage/pgstore"
)

func main() {
	configPath := flag.String("config", "", "path to a .yaml, .yml or .json configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Starting emqx-engine node %s (store: %s)", cfg.Engine.NodeID, cfg.Engine.Store.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open record store: %v", err)
	}

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		log.Fatalf("Invalid engine configuration: %v", err)
	}
	engine := clientstate.NewEngine(store, engineCfg)

	if _, err := recovery.NewDriver(engine, nil).Run(ctx); err != nil {
		log.Fatalf("Recovery failed: %v", err)
	}

	if interval := cfg.ReaperInterval(); interval > 0 {
		engine.StartExpiryReaper(interval)
	}

	// --- Start Metrics Server ---
	go metrics.Serve(cfg.Engine.MetricsPort)

	// --- Wait for Shutdown Signal ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
	if err := engine.Close(); err != nil {
		log.Printf("[ERROR] Failed to close engine: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("[ERROR] Failed to close record store: %v", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.RecordStore, error) {
	switch cfg.Engine.Store.Backend {
	case config.BackendMemory:
		s := storage.NewMemStore()
		s.SetGenerationLimit(cfg.Engine.Store.GenerationLimit)
		log.Println("[WARN] Using the in-memory record store; client state does not survive a restart")
		return s, nil
	case config.BackendLevelDB:
		return levelstore.Open(cfg.Engine.Store.Path)
	case config.BackendPostgres:
		return pgstore.Open(ctx, cfg.PostgresStoreConfig())
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Engine.Store.Backend)
	}
}
