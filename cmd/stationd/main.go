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

// Command stationd is the station control daemon: it loads the station
// config, wires the Service Container, and runs until a signal or
// cmd/stationctl's stop sequence asks it to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Soochol/station-service/internal/config"
	"github.com/Soochol/station-service/internal/container"
	"github.com/Soochol/station-service/internal/log"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to the station config YAML file (falls back to $STATION_CONFIG)")
		workerBinary = flag.String("worker-binary", "stationworker", "path to the stationworker binary spawned per running batch")
		showVersion  = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("stationd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	resolvedConfigPath := *configPath
	if resolvedConfigPath == "" {
		resolvedConfigPath = os.Getenv(config.ConfigPathEnv)
	}
	if resolvedConfigPath == "" {
		logger.Error("no config path given: pass --config or set STATION_CONFIG")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", slog.String("dir", cfg.Paths.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	dbPath := filepath.Join(cfg.Paths.DataDir, "station.db")

	c := container.New(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := c.Initialize(ctx, cfg, dbPath, resolvedConfigPath, *workerBinary); err != nil {
		logger.Error("failed to initialize container", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("stationd started", slog.String("config", resolvedConfigPath))

	sig := <-sigCh
	logger.Info("received signal, shutting down", slog.Any("signal", sig))
	cancel()
	if err := c.Shutdown(context.Background()); err != nil {
		logger.Error("error during shutdown", slog.Any("error", err))
	}
}
