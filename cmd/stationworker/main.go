// Copyright 2025 Tom Barlow
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

// Command stationworker is the Batch Worker process entrypoint: the Batch
// Manager execs one of these per running batch (internal/batchmanager's
// defaultSpawnWorker) and tears it down over the IPC fabric first, falling
// back to SIGTERM/SIGKILL only if it does not exit in time, so its job here
// is purely to parse the spawned command line, wire
// internal/batchworker.Worker's dependencies, and run its command loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Soochol/station-service/internal/backendclient"
	"github.com/Soochol/station-service/internal/batchworker"
	"github.com/Soochol/station-service/internal/ipc"
	"github.com/Soochol/station-service/internal/log"
	"github.com/Soochol/station-service/internal/sequenceloader"
	"github.com/Soochol/station-service/internal/store"
	"github.com/Soochol/station-service/internal/token"
)

func main() {
	var (
		batchID         = flag.String("batch-id", "", "batch id this worker serves")
		routerAddr      = flag.String("router-addr", "", "manager's IPC router address to dial")
		subAddr         = flag.String("sub-addr", "", "manager's IPC sub address to dial")
		sequencePackage = flag.String("sequence-package", "", "sequence package name to load")
		hardwareJSON    = flag.String("hardware", "{}", "JSON-encoded hardware map")
		parametersJSON  = flag.String("parameters", "{}", "JSON-encoded parameter map")
		tokenJSON       = flag.String("token-snapshot", "", "JSON-encoded token.Info snapshot, if an operator is logged in")
		sequencesDir    = flag.String("sequences-dir", "", "sequence package root, for manifest loading")
		dbPath          = flag.String("db-path", "", "path to this batch's persistent store file")
		backendURL      = flag.String("backend-url", "", "MES backend base URL")
		backendAPIKey   = flag.String("backend-api-key", "", "static MES backend API key")
		stationID       = flag.String("station-id", "", "station id reported to the MES backend")
		equipmentID     = flag.String("equipment-id", "", "equipment id reported to the MES backend")
	)
	flag.Parse()

	logger := log.WithWorker(log.New(log.FromEnv()), *batchID)
	slog.SetDefault(logger)

	if *batchID == "" || *routerAddr == "" || *subAddr == "" || *sequencePackage == "" {
		logger.Error("missing required flags", slog.String("batch_id", *batchID), slog.String("router_addr", *routerAddr), slog.String("sub_addr", *subAddr), slog.String("sequence_package", *sequencePackage))
		os.Exit(1)
	}

	var hardware map[string]interface{}
	if err := json.Unmarshal([]byte(*hardwareJSON), &hardware); err != nil {
		logger.Error("failed to decode --hardware", slog.Any("error", err))
		os.Exit(1)
	}
	var parameters map[string]interface{}
	if err := json.Unmarshal([]byte(*parametersJSON), &parameters); err != nil {
		logger.Error("failed to decode --parameters", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, cancelling worker context", slog.Any("signal", sig))
		cancel()
	}()

	loader, err := sequenceloader.New(*sequencesDir, logger)
	if err != nil {
		logger.Error("failed to construct sequence loader", slog.Any("error", err))
		os.Exit(1)
	}
	if err := loader.Start(); err != nil {
		logger.Error("failed to start sequence loader", slog.Any("error", err))
		os.Exit(1)
	}
	defer loader.Stop()

	st, err := store.Open(*dbPath)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}

	tokens := token.New(nil, nil)
	if *tokenJSON != "" {
		var snapshot token.Info
		if err := json.Unmarshal([]byte(*tokenJSON), &snapshot); err != nil {
			logger.Error("failed to decode --token-snapshot", slog.Any("error", err))
			os.Exit(1)
		}
		tokens.SetTokens(snapshot.AccessToken, snapshot.RefreshToken, time.Until(snapshot.ExpiresAt), snapshot.UserID, snapshot.Username, snapshot.StationAPIKey)
	}

	backend, err := backendclient.New(backendclient.Config{
		BaseURL:      *backendURL,
		StaticAPIKey: *backendAPIKey,
		StationID:    *stationID,
		EquipmentID:  *equipmentID,
	}, tokens)
	if err != nil {
		logger.Error("failed to construct backend client", slog.Any("error", err))
		os.Exit(1)
	}

	conn, err := ipc.Dial(ctx, *batchID, *routerAddr, *subAddr)
	if err != nil {
		logger.Error("failed to dial ipc fabric", slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()

	worker := batchworker.New(batchworker.Config{
		BatchID:      *batchID,
		StationID:    *stationID,
		SequenceName: *sequencePackage,
		Parameters:   parameters,
		HardwareMap:  hardware,
		LoadManifest: manifestLoaderFor(loader),
	}, conn, st, backend, logger)

	if err := worker.Init(); err != nil {
		logger.Error("failed to initialize worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

// manifestLoaderFor adapts the Sequence Loader's cached manifest lookup to
// batchworker.ManifestLoader.
func manifestLoaderFor(loader *sequenceloader.Loader) batchworker.ManifestLoader {
	return func(name string) (*batchworker.Manifest, error) {
		m, err := loader.Manifest(name)
		if err != nil {
			return nil, fmt.Errorf("load manifest %q: %w", name, err)
		}
		return &batchworker.Manifest{
			Name:              m.Name,
			Version:           m.Version,
			Steps:             m.Steps,
			Hardware:          m.Hardware,
			ParameterDefaults: m.ParameterDefaults,
		}, nil
	}
}
